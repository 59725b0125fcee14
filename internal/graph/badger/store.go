// Package badger implements graph.Store on an embedded BadgerDB, for
// single-host crawls that want durable state without a graph server.
//
// Key layout:
//
//	schema                               -> JSON graph.Schema
//	n/<uid>                              -> JSON graph.Node
//	i/<kind>/<field>/<token>/<uid>       -> empty (exact-match index)
//
// Components are separated by 0x00 so names may contain any printable byte.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
)

const sep = "\x00"

var (
	schemaKey  = []byte("schema")
	nodePrefix = []byte("n" + sep)
)

// Config controls how the database is opened.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path     string
	InMemory bool
}

// Store is a graph.Store over BadgerDB.
type Store struct {
	db     *badger.DB
	ids    crawler.IDGenerator
	schema graph.Schema
	logger *zap.Logger
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config, ids crawler.IDGenerator, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger path is required")
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithLoggingLevel(badger.ERROR)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &Store{db: db, ids: ids, logger: logger}
	if err := s.loadSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadSchema() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		return item.Value(func(val []byte) error {
			var schema graph.Schema
			if err := json.Unmarshal(val, &schema); err != nil {
				return fmt.Errorf("decode schema: %w", err)
			}
			s.schema = schema
			return nil
		})
	})
}

// AlterSchema persists the schema. Indexes are written on every mutation of
// an indexed field, so altering an existing database does not reindex.
func (s *Store) AlterSchema(_ context.Context, schema graph.Schema) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(schemaKey, raw)
	}); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	s.schema = schema
	s.logger.Debug("badger schema altered", zap.Int("predicates", len(schema.Predicates)))
	return nil
}

// LookupByField scans the index prefix for kind/field/value.
func (s *Store) LookupByField(
	_ context.Context,
	kind graph.Kind,
	field string,
	value any,
	limit int,
) ([]graph.Match, error) {
	if kind != graph.KindRecipe && kind != graph.KindIngredient {
		return nil, fmt.Errorf("lookup %q: %w", kind, graph.ErrUnknownKind)
	}
	if !s.schema.Indexed(field) {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, graph.ErrNotIndexed)
	}
	token, err := graph.Token(value)
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, err)
	}
	prefix := indexPrefix(kind, field, token)
	var out []graph.Match
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			key := it.Item().Key()
			out = append(out, graph.Match{UID: string(key[len(prefix):])})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, err)
	}
	return out, nil
}

// NewTxn opens a read-write badger transaction.
func (s *Store) NewTxn() graph.Txn {
	return &txn{store: s, txn: s.db.NewTransaction(true)}
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// ListRecipes iterates nodes in uid order (creation order for UUIDv7 uids).
func (s *Store) ListRecipes(_ context.Context, first, offset int) ([]graph.Node, error) {
	var out []graph.Node
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		skipped := 0
		for it.Seek(nodePrefix); it.ValidForPrefix(nodePrefix); it.Next() {
			if first > 0 && len(out) >= first {
				break
			}
			var n graph.Node
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			}); err != nil {
				return fmt.Errorf("decode node: %w", err)
			}
			if n.Type != graph.KindRecipe {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			for i, e := range n.Ingredients {
				target, err := getNode(txn, e.UID)
				if err != nil {
					return err
				}
				n.Ingredients[i].Name = target.Name
			}
			out = append(out, n)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	return out, nil
}

type txn struct {
	store *Store
	txn   *badger.Txn
	done  bool
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
	} else {
		prev, err := getNode(t.txn, n.UID)
		switch {
		case err == nil:
			n = graph.Merge(prev, n)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return nil, err
		}
	}
	for i, e := range n.Ingredients {
		if _, err := getNode(t.txn, e.UID); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil, fmt.Errorf("set %s -> %s: %w", n.UID, e.UID, graph.ErrDanglingEdge)
			}
			return nil, err
		}
		n.Ingredients[i].Name = ""
	}
	if err := t.put(n); err != nil {
		return nil, err
	}
	return assigned, nil
}

func (t *txn) put(n graph.Node) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode node: %w", err)
	}
	if err := t.txn.Set(nodeKey(n.UID), raw); err != nil {
		return fmt.Errorf("set node %s: %w", n.UID, err)
	}
	if n.Type == "" {
		return nil
	}
	for _, p := range t.store.schema.Predicates {
		if p.Index == "" {
			continue
		}
		v, ok := graph.FieldValue(n, p.Name)
		if !ok {
			continue
		}
		token, err := graph.Token(v)
		if err != nil {
			return err
		}
		key := append(indexPrefix(n.Type, p.Name, token), n.UID...)
		if err := t.txn.Set(key, nil); err != nil {
			return fmt.Errorf("set index %s.%s: %w", n.Type, p.Name, err)
		}
	}
	return nil
}

func (t *txn) Commit(_ context.Context) error {
	if t.done {
		return graph.ErrTxnFinished
	}
	t.done = true
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("commit badger txn: %w", err)
	}
	return nil
}

func (t *txn) Discard(_ context.Context) error {
	t.done = true
	t.txn.Discard()
	return nil
}

func getNode(txn *badger.Txn, uid string) (graph.Node, error) {
	item, err := txn.Get(nodeKey(uid))
	if err != nil {
		return graph.Node{}, fmt.Errorf("get node %s: %w", uid, err)
	}
	var n graph.Node
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &n)
	}); err != nil {
		return graph.Node{}, fmt.Errorf("decode node %s: %w", uid, err)
	}
	return n, nil
}

func nodeKey(uid string) []byte {
	return append(append([]byte(nil), nodePrefix...), uid...)
}

func indexPrefix(kind graph.Kind, field, token string) []byte {
	return []byte("i" + sep + string(kind) + sep + field + sep + token + sep)
}
