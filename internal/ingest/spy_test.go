package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
)

var errCommitRejected = errors.New("commit rejected")

// spyStore wraps a real store and records traffic.
type spyStore struct {
	graph.Store

	lookupDelay      time.Duration
	failRecipeCommit bool
	failLookup       error

	mu      sync.Mutex
	lookups int
	txns    []*spyTxn
}

func (s *spyStore) LookupByField(ctx context.Context, kind graph.Kind, field string, value any, limit int) ([]graph.Match, error) {
	s.mu.Lock()
	s.lookups++
	s.mu.Unlock()
	if s.failLookup != nil {
		return nil, s.failLookup
	}
	if s.lookupDelay > 0 {
		time.Sleep(s.lookupDelay)
	}
	return s.Store.LookupByField(ctx, kind, field, value, limit)
}

func (s *spyStore) NewTxn() graph.Txn {
	t := &spyTxn{Txn: s.Store.NewTxn(), failRecipeCommit: s.failRecipeCommit}
	s.mu.Lock()
	s.txns = append(s.txns, t)
	s.mu.Unlock()
	return t
}

func (s *spyStore) lookupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookups
}

func (s *spyStore) txnsOfKind(kind graph.Kind) []*spyTxn {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*spyTxn
	for _, t := range s.txns {
		if t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}

type spyTxn struct {
	graph.Txn

	failRecipeCommit bool
	kind             graph.Kind
	committed        bool
	discarded        bool
}

func (t *spyTxn) SetJSON(ctx context.Context, payload []byte) (map[string]string, error) {
	if n, err := graph.DecodeNode(payload); err == nil {
		t.kind = n.Type
	}
	return t.Txn.SetJSON(ctx, payload)
}

func (t *spyTxn) Commit(ctx context.Context) error {
	if t.failRecipeCommit && t.kind == graph.KindRecipe {
		return errCommitRejected
	}
	if err := t.Txn.Commit(ctx); err != nil {
		return err
	}
	t.committed = true
	return nil
}

func (t *spyTxn) Discard(ctx context.Context) error {
	t.discarded = true
	return t.Txn.Discard(ctx)
}
