// Package memory implements graph.Store in process memory for tests, dry
// runs, and local development. Nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
)

// Store keeps nodes in insertion order so lookups return the oldest match first.
type Store struct {
	mu     sync.RWMutex
	ids    crawler.IDGenerator
	schema *graph.Schema
	order  []string
	nodes  map[string]graph.Node
	closed bool
}

// New returns an empty store minting uids with ids.
func New(ids crawler.IDGenerator) *Store {
	return &Store{
		ids:   ids,
		nodes: make(map[string]graph.Node),
	}
}

// AlterSchema records the schema; lookups are only allowed on indexed fields.
func (s *Store) AlterSchema(_ context.Context, schema graph.Schema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	cp := schema
	s.schema = &cp
	return nil
}

// LookupByField scans nodes of kind for an exact field match.
func (s *Store) LookupByField(
	_ context.Context,
	kind graph.Kind,
	field string,
	value any,
	limit int,
) ([]graph.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}
	if kind != graph.KindRecipe && kind != graph.KindIngredient {
		return nil, fmt.Errorf("lookup %q: %w", kind, graph.ErrUnknownKind)
	}
	if s.schema == nil || !s.schema.Indexed(field) {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, graph.ErrNotIndexed)
	}
	if _, err := graph.NormalizeValue(value); err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, err)
	}
	var out []graph.Match
	for _, uid := range s.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		n := s.nodes[uid]
		if n.Type != kind {
			continue
		}
		got, ok := graph.FieldValue(n, field)
		if ok && graph.ValuesEqual(got, value) {
			out = append(out, graph.Match{UID: uid})
		}
	}
	return out, nil
}

// NewTxn opens a buffered transaction applied atomically on Commit.
func (s *Store) NewTxn() graph.Txn {
	return &txn{store: s, pending: make(map[string]graph.Node)}
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ListRecipes pages through recipes in insertion order, resolving edge names.
func (s *Store) ListRecipes(_ context.Context, first, offset int) ([]graph.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []graph.Node
	skipped := 0
	for _, uid := range s.order {
		n := s.nodes[uid]
		if n.Type != graph.KindRecipe {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if first > 0 && len(out) >= first {
			break
		}
		out = append(out, s.withEdgeNames(n))
	}
	return out, nil
}

// Nodes returns a copy of every committed node of kind.
func (s *Store) Nodes(kind graph.Kind) []graph.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []graph.Node
	for _, uid := range s.order {
		if n := s.nodes[uid]; n.Type == kind {
			out = append(out, s.withEdgeNames(n))
		}
	}
	return out
}

func (s *Store) withEdgeNames(n graph.Node) graph.Node {
	edges := make([]graph.Edge, len(n.Ingredients))
	for i, e := range n.Ingredients {
		e.Name = s.nodes[e.UID].Name
		edges[i] = e
	}
	n.Ingredients = edges
	return n
}

type txn struct {
	store   *Store
	pending map[string]graph.Node
	order   []string
	done    bool
}

func (t *txn) SetJSON(_ context.Context, payload []byte) (map[string]string, error) {
	if t.done {
		return nil, graph.ErrTxnFinished
	}
	n, err := graph.DecodeNode(payload)
	if err != nil {
		return nil, err
	}
	assigned := map[string]string{}
	if label, blank := graph.BlankName(n.UID); blank {
		uid, err := t.store.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("mint uid: %w", err)
		}
		n.UID = uid
		assigned[label] = uid
	} else if prev, ok := t.pending[n.UID]; ok {
		n = graph.Merge(prev, n)
	}
	for i := range n.Ingredients {
		n.Ingredients[i].Name = ""
	}
	if _, seen := t.pending[n.UID]; !seen {
		t.order = append(t.order, n.UID)
	}
	t.pending[n.UID] = n
	return assigned, nil
}

func (t *txn) Commit(_ context.Context) error {
	if t.done {
		return graph.ErrTxnFinished
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	for _, uid := range t.order {
		for _, e := range t.pending[uid].Ingredients {
			if _, ok := s.nodes[e.UID]; ok {
				continue
			}
			if _, ok := t.pending[e.UID]; ok {
				continue
			}
			return fmt.Errorf("commit %s -> %s: %w", uid, e.UID, graph.ErrDanglingEdge)
		}
	}
	for _, uid := range t.order {
		n := t.pending[uid]
		if prev, ok := s.nodes[uid]; ok {
			s.nodes[uid] = graph.Merge(prev, n)
			continue
		}
		s.nodes[uid] = n
		s.order = append(s.order, uid)
	}
	return nil
}

func (t *txn) Discard(_ context.Context) error {
	t.done = true
	t.pending = nil
	t.order = nil
	return nil
}
