// Package postgres projects the recipe graph onto relational tables so the
// crawl can run against an existing Postgres deployment.
//
// The projection is creation-only: SetJSON accepts new recipe and ingredient
// nodes (blank uids) and rejects updates of existing nodes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
)

const foreignKeyViolation = "23503"

// ErrUpdateUnsupported is returned for mutations addressing an existing uid.
var ErrUpdateUnsupported = errors.New("postgres graph store only creates nodes")

const baseDDL = `
CREATE TABLE IF NOT EXISTS ingredients (
	uid        TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS recipes (
	uid        TEXT PRIMARY KEY,
	rid        BIGINT NOT NULL,
	title      TEXT,
	rating     TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS recipe_ingredients (
	recipe_uid     TEXT NOT NULL REFERENCES recipes(uid) ON DELETE CASCADE,
	ingredient_uid TEXT NOT NULL REFERENCES ingredients(uid),
	position       INT NOT NULL,
	quantity       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (recipe_uid, position)
);
`

// columns maps each kind's scalar predicates onto its table columns.
var columns = map[graph.Kind]struct {
	table  string
	fields map[string]string
}{
	graph.KindIngredient: {table: "ingredients", fields: map[string]string{graph.FieldName: "name"}},
	graph.KindRecipe: {table: "recipes", fields: map[string]string{
		graph.FieldRID:    "rid",
		graph.FieldTitle:  "title",
		graph.FieldRating: "rating",
	}},
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Store is a graph.Store backed by Postgres.
type Store struct {
	pool    pool
	ids     crawler.IDGenerator
	logger  *zap.Logger
	indexed map[string]bool
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config, ids crawler.IDGenerator, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p, ids, logger)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, ids crawler.IDGenerator, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, ids: ids, logger: logger, indexed: map[string]bool{}}, nil
}

// AlterSchema creates the tables and one btree index per indexed predicate.
func (s *Store) AlterSchema(ctx context.Context, schema graph.Schema) error {
	var b strings.Builder
	b.WriteString(baseDDL)
	indexed := map[string]bool{}
	for _, p := range schema.Predicates {
		if p.Index == "" {
			continue
		}
		table, column, ok := columnFor(p.Name)
		if !ok {
			return fmt.Errorf("index on %q: no column for predicate", p.Name)
		}
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%s);\n", table, column, table, column)
		indexed[p.Name] = true
	}
	// No arguments: pgx sends this over the simple protocol as one batch.
	if _, err := s.pool.Exec(ctx, b.String()); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	s.indexed = indexed
	return nil
}

// LookupByField selects uids by an exact column match, oldest first.
func (s *Store) LookupByField(
	ctx context.Context,
	kind graph.Kind,
	field string,
	value any,
	limit int,
) ([]graph.Match, error) {
	def, ok := columns[kind]
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", kind, graph.ErrUnknownKind)
	}
	if !s.indexed[field] {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, graph.ErrNotIndexed)
	}
	v, err := graph.NormalizeValue(value)
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, err)
	}
	column, ok := def.fields[field]
	if !ok {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT uid FROM %s WHERE %s = $1 ORDER BY uid LIMIT $2`, def.table, column)
	rows, err := s.pool.Query(ctx, query, v, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, err)
	}
	defer rows.Close()
	var out []graph.Match
	for rows.Next() {
		var m graph.Match
		if err := rows.Scan(&m.UID); err != nil {
			return nil, fmt.Errorf("scan lookup row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, err)
	}
	return out, nil
}

// NewTxn returns a transaction that begins lazily on its first mutation.
func (s *Store) NewTxn() graph.Txn {
	return &txn{store: s}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ListRecipes pages recipes in uid order with their ingredient edges.
func (s *Store) ListRecipes(ctx context.Context, first, offset int) ([]graph.Node, error) {
	const query = `
SELECT r.uid, r.rid, COALESCE(r.title, ''), COALESCE(r.rating, ''), ri.ingredient_uid, ri.quantity, i.name
FROM (SELECT uid, rid, title, rating FROM recipes ORDER BY uid LIMIT $1 OFFSET $2) r
LEFT JOIN recipe_ingredients ri ON ri.recipe_uid = r.uid
LEFT JOIN ingredients i ON i.uid = ri.ingredient_uid
ORDER BY r.uid, ri.position`
	rows, err := s.pool.Query(ctx, query, limitArg(first), offset)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	defer rows.Close()

	var out []graph.Node
	for rows.Next() {
		var n graph.Node
		var ingUID, qty, ingName *string
		if err := rows.Scan(&n.UID, &n.RID, &n.Title, &n.Rating, &ingUID, &qty, &ingName); err != nil {
			return nil, fmt.Errorf("scan recipe row: %w", err)
		}
		if len(out) == 0 || out[len(out)-1].UID != n.UID {
			n.Type = graph.KindRecipe
			out = append(out, n)
		}
		if ingUID == nil {
			continue
		}
		last := &out[len(out)-1]
		last.Ingredients = append(last.Ingredients, graph.Edge{
			UID:      *ingUID,
			Quantity: deref(qty),
			Name:     deref(ingName),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	return out, nil
}

type txn struct {
	store *Store
	tx    pgx.Tx
	done  bool
}

func (t *txn) SetJSON(ctx context.Context, payload []byte) (map[string]string, error) {
	if t.done {
		return nil, graph.ErrTxnFinished
	}
	n, err := graph.DecodeNode(payload)
	if err != nil {
		return nil, err
	}
	label, blank := graph.BlankName(n.UID)
	if !blank {
		return nil, fmt.Errorf("mutate %s: %w", n.UID, ErrUpdateUnsupported)
	}
	uid, err := t.store.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("mint uid: %w", err)
	}
	if t.tx == nil {
		tx, err := t.store.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("begin postgres txn: %w", err)
		}
		t.tx = tx
	}
	switch n.Type {
	case graph.KindIngredient:
		if _, err := t.tx.Exec(ctx, `INSERT INTO ingredients (uid, name) VALUES ($1, $2)`, uid, n.Name); err != nil {
			return nil, fmt.Errorf("insert ingredient: %w", err)
		}
	case graph.KindRecipe:
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO recipes (uid, rid, title, rating) VALUES ($1, $2, $3, $4)`,
			uid, n.RID, n.Title, n.Rating,
		); err != nil {
			return nil, fmt.Errorf("insert recipe: %w", err)
		}
		for i, e := range n.Ingredients {
			if _, err := t.tx.Exec(ctx,
				`INSERT INTO recipe_ingredients (recipe_uid, ingredient_uid, position, quantity) VALUES ($1, $2, $3, $4)`,
				uid, e.UID, i, e.Quantity,
			); err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
					return nil, fmt.Errorf("insert edge %s -> %s: %w", uid, e.UID, graph.ErrDanglingEdge)
				}
				return nil, fmt.Errorf("insert edge: %w", err)
			}
		}
	}
	return map[string]string{label: uid}, nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return graph.ErrTxnFinished
	}
	t.done = true
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit postgres txn: %w", err)
	}
	return nil
}

func (t *txn) Discard(ctx context.Context) error {
	t.done = true
	if t.tx == nil {
		return nil
	}
	tx := t.tx
	t.tx = nil
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback postgres txn: %w", err)
	}
	return nil
}

func columnFor(field string) (string, string, bool) {
	for _, def := range columns {
		if column, ok := def.fields[field]; ok {
			return def.table, column, true
		}
	}
	return "", "", false
}

// limitArg maps a non-positive limit onto NULL, which Postgres treats as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
