// Package dgraph adapts a Dgraph cluster, reached over gRPC with dgo, to the
// graph.Store contract.
package dgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dgraph-io/dgo/v230"
	"github.com/dgraph-io/dgo/v230/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
)

// Config points at a Dgraph alpha.
type Config struct {
	Address string
}

type txnAPI interface {
	QueryWithVars(ctx context.Context, q string, vars map[string]string) (*api.Response, error)
	Mutate(ctx context.Context, mu *api.Mutation) (*api.Response, error)
	Commit(ctx context.Context) error
	Discard(ctx context.Context) error
}

type client interface {
	Alter(ctx context.Context, op *api.Operation) error
	NewTxn() txnAPI
	NewReadOnlyTxn() txnAPI
}

type dgoClient struct {
	dg *dgo.Dgraph
}

func (c dgoClient) Alter(ctx context.Context, op *api.Operation) error { return c.dg.Alter(ctx, op) }
func (c dgoClient) NewTxn() txnAPI                                      { return c.dg.NewTxn() }
func (c dgoClient) NewReadOnlyTxn() txnAPI                              { return c.dg.NewReadOnlyTxn() }

// Store is a graph.Store over Dgraph.
type Store struct {
	client client
	closer func() error
	schema graph.Schema
	logger *zap.Logger
}

// New dials the alpha at cfg.Address. The connection is lazy; the first
// AlterSchema surfaces an unreachable cluster.
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("store.dgraph.address is required")
	}
	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial dgraph %s: %w", cfg.Address, err)
	}
	dg := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	return newWithClient(dgoClient{dg: dg}, conn.Close, logger), nil
}

func newWithClient(c client, closer func() error, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if closer == nil {
		closer = func() error { return nil }
	}
	return &Store{client: c, closer: closer, logger: logger}
}

// AlterSchema sends the schema in Dgraph schema language.
func (s *Store) AlterSchema(ctx context.Context, schema graph.Schema) error {
	if err := s.client.Alter(ctx, &api.Operation{Schema: schema.String()}); err != nil {
		return fmt.Errorf("alter dgraph schema: %w", err)
	}
	s.schema = schema
	s.logger.Debug("dgraph schema altered", zap.Int("predicates", len(schema.Predicates)))
	return nil
}

// LookupByField runs an eq() query in a read-only transaction.
func (s *Store) LookupByField(
	ctx context.Context,
	kind graph.Kind,
	field string,
	value any,
	limit int,
) ([]graph.Match, error) {
	if kind != graph.KindRecipe && kind != graph.KindIngredient {
		return nil, fmt.Errorf("lookup %q: %w", kind, graph.ErrUnknownKind)
	}
	pred, ok := s.schema.Predicate(field)
	if !ok || pred.Index == "" {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, graph.ErrNotIndexed)
	}
	token, err := graph.Token(value)
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, err)
	}
	q := lookupQuery(kind, pred, limit)

	txn := s.client.NewReadOnlyTxn()
	defer func() { _ = txn.Discard(ctx) }()
	resp, err := txn.QueryWithVars(ctx, q, map[string]string{"$value": token})
	if err != nil {
		return nil, fmt.Errorf("lookup %s.%s: %w", kind, field, err)
	}
	var out struct {
		Matches []graph.Match `json:"matches"`
	}
	if err := json.Unmarshal(resp.GetJson(), &out); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	return out.Matches, nil
}

func lookupQuery(kind graph.Kind, pred graph.Predicate, limit int) string {
	varType := "string"
	if pred.Type == "int" {
		varType = "int"
	}
	page := ""
	if limit > 0 {
		page = ", first: " + strconv.Itoa(limit)
	}
	return fmt.Sprintf(`query lookup($value: %s) {
  matches(func: eq(%s, $value)%s) @filter(type(%s)) {
    uid
  }
}`, varType, pred.Name, page, kind)
}

// NewTxn opens a read-write Dgraph transaction.
func (s *Store) NewTxn() graph.Txn {
	return &txn{txn: s.client.NewTxn()}
}

// Close closes the gRPC connection.
func (s *Store) Close() error {
	if err := s.closer(); err != nil {
		return fmt.Errorf("close dgraph connection: %w", err)
	}
	return nil
}

// ListRecipes pages through every node carrying a rid.
func (s *Store) ListRecipes(ctx context.Context, first, offset int) ([]graph.Node, error) {
	page := fmt.Sprintf("offset: %d", offset)
	if first > 0 {
		page = fmt.Sprintf("first: %d, %s", first, page)
	}
	q := fmt.Sprintf(`{
  recipes(func: has(rid), %s) @filter(type(Recipe)) {
    uid
    rid
    title
    rating
    ingredient @facets(quantity) {
      uid
      name
    }
  }
}`, page)
	txn := s.client.NewReadOnlyTxn()
	defer func() { _ = txn.Discard(ctx) }()
	resp, err := txn.QueryWithVars(ctx, q, nil)
	if err != nil {
		return nil, fmt.Errorf("list recipes: %w", err)
	}
	var out struct {
		Recipes []graph.Node `json:"recipes"`
	}
	if err := json.Unmarshal(resp.GetJson(), &out); err != nil {
		return nil, fmt.Errorf("decode recipes: %w", err)
	}
	for i := range out.Recipes {
		out.Recipes[i].Type = graph.KindRecipe
	}
	return out.Recipes, nil
}

type txn struct {
	txn  txnAPI
	done bool
}

func (t *txn) SetJSON(ctx context.Context, payload []byte) (map[string]string, error) {
	if t.done {
		return nil, graph.ErrTxnFinished
	}
	if _, err := graph.DecodeNode(payload); err != nil {
		return nil, err
	}
	resp, err := t.txn.Mutate(ctx, &api.Mutation{SetJson: payload})
	if err != nil {
		return nil, fmt.Errorf("dgraph mutate: %w", err)
	}
	assigned := map[string]string{}
	for k, v := range resp.GetUids() {
		assigned[k] = v
	}
	return assigned, nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return graph.ErrTxnFinished
	}
	t.done = true
	if err := t.txn.Commit(ctx); err != nil {
		return fmt.Errorf("dgraph commit: %w", err)
	}
	return nil
}

// Discard is a no-op on a committed dgo transaction.
func (t *txn) Discard(ctx context.Context) error {
	t.done = true
	if err := t.txn.Discard(ctx); err != nil {
		return fmt.Errorf("dgraph discard: %w", err)
	}
	return nil
}
