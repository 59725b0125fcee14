package badger

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
	"github.com/JakeFAU/recipe-graph-crawler/internal/id/uuid"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true}, uuid.New(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.AlterSchema(context.Background(), graph.DefaultSchema()))
	return s
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{}, uuid.New(), nil)
	require.Error(t, err)
}

func TestBadgerCreateLookupAndList(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	tx := s.NewTxn()
	ing, err := tx.SetJSON(ctx, mustJSON(t, graph.Node{UID: graph.Blank("ingredient"), Type: graph.KindIngredient, Name: "pavot"}))
	require.NoError(t, err)
	require.NotEmpty(t, ing["ingredient"])

	got, err := s.LookupByField(ctx, graph.KindIngredient, graph.FieldName, "pavot", 1)
	require.NoError(t, err)
	require.Empty(t, got, "uncommitted writes are invisible")

	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Discard(ctx))

	got, err = s.LookupByField(ctx, graph.KindIngredient, graph.FieldName, "pavot", 1)
	require.NoError(t, err)
	require.Equal(t, []graph.Match{{UID: ing["ingredient"]}}, got)

	tx = s.NewTxn()
	rec, err := tx.SetJSON(ctx, mustJSON(t, graph.Node{
		UID:         graph.Blank("recipe"),
		Type:        graph.KindRecipe,
		RID:         57587,
		Title:       "Gâteau au pavot",
		Rating:      "4.8/5",
		Ingredients: []graph.Edge{{UID: ing["ingredient"], Quantity: "250 g"}},
	}))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	got, err = s.LookupByField(ctx, graph.KindRecipe, graph.FieldRID, 57587, 1)
	require.NoError(t, err)
	require.Equal(t, []graph.Match{{UID: rec["recipe"]}}, got)

	got, err = s.LookupByField(ctx, graph.KindIngredient, graph.FieldRID, 57587, 1)
	require.NoError(t, err)
	require.Empty(t, got, "index is scoped by kind")

	recipes, err := s.ListRecipes(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	require.Equal(t, "Gâteau au pavot", recipes[0].Title)
	require.Equal(t, []graph.Edge{{UID: ing["ingredient"], Quantity: "250 g", Name: "pavot"}}, recipes[0].Ingredients)
}

func TestBadgerDiscardAndDanglingEdge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	tx := s.NewTxn()
	_, err := tx.SetJSON(ctx, mustJSON(t, graph.Node{UID: graph.Blank("ingredient"), Type: graph.KindIngredient, Name: "sel"}))
	require.NoError(t, err)
	require.NoError(t, tx.Discard(ctx))
	require.ErrorIs(t, tx.Commit(ctx), graph.ErrTxnFinished)

	got, err := s.LookupByField(ctx, graph.KindIngredient, graph.FieldName, "sel", 0)
	require.NoError(t, err)
	require.Empty(t, got)

	tx = s.NewTxn()
	defer func() { _ = tx.Discard(ctx) }()
	_, err = tx.SetJSON(ctx, mustJSON(t, graph.Node{
		UID:         graph.Blank("recipe"),
		Type:        graph.KindRecipe,
		RID:         9,
		Ingredients: []graph.Edge{{UID: "missing"}},
	}))
	require.ErrorIs(t, err, graph.ErrDanglingEdge)
}

func TestBadgerLookupValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := openStore(t)

	_, err := s.LookupByField(ctx, graph.KindRecipe, graph.FieldRating, "5", 1)
	require.ErrorIs(t, err, graph.ErrNotIndexed)
	_, err = s.LookupByField(ctx, graph.Kind("Chef"), graph.FieldName, "x", 1)
	require.ErrorIs(t, err, graph.ErrUnknownKind)
}

func TestBadgerSchemaSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Path: dir}, uuid.New(), nil)
	require.NoError(t, err)
	require.NoError(t, s.AlterSchema(ctx, graph.DefaultSchema()))
	tx := s.NewTxn()
	a, err := tx.SetJSON(ctx, mustJSON(t, graph.Node{UID: graph.Blank("ingredient"), Type: graph.KindIngredient, Name: "farine"}))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, s.Close())

	s, err = Open(Config{Path: dir}, uuid.New(), nil)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	got, err := s.LookupByField(ctx, graph.KindIngredient, graph.FieldName, "farine", 1)
	require.NoError(t, err)
	require.Equal(t, []graph.Match{{UID: a["ingredient"]}}, got)
}
