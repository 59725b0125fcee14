package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
)

const recipeLabel = "recipe"

// DefaultResolveConcurrency bounds in-flight ingredient resolutions per recipe.
const DefaultResolveConcurrency = 8

// NameResolver maps an ingredient name to its store uid.
type NameResolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Ingestor writes one recipe with its ingredient edges per call.
type Ingestor struct {
	store       graph.Store
	resolver    NameResolver
	concurrency int
	logger      *zap.Logger
}

// NewIngestor builds an Ingestor. A non-positive concurrency uses the default.
func NewIngestor(store graph.Store, resolver NameResolver, concurrency int, logger *zap.Logger) *Ingestor {
	if concurrency <= 0 {
		concurrency = DefaultResolveConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{
		store:       store,
		resolver:    resolver,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Insert resolves every ingredient line, then commits the recipe and its
// edges in a single transaction. Nothing is written for the recipe unless
// the commit succeeds. It returns the uid assigned to the recipe.
func (i *Ingestor) Insert(ctx context.Context, rec crawler.RecipeRecord) (string, error) {
	edges := make([]graph.Edge, len(rec.Ingredients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.concurrency)
	for idx, line := range rec.Ingredients {
		g.Go(func() error {
			uid, err := i.resolver.Resolve(gctx, line.Ingredient)
			if err != nil {
				return err
			}
			edges[idx] = graph.Edge{UID: uid, Quantity: line.Quantity}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("resolve ingredients of %d: %w", rec.RID, err)
	}

	payload, err := json.Marshal(graph.Node{
		UID:         graph.Blank(recipeLabel),
		Type:        graph.KindRecipe,
		RID:         rec.RID,
		Title:       rec.Title,
		Rating:      rec.Rating,
		Ingredients: edges,
	})
	if err != nil {
		return "", fmt.Errorf("encode recipe %d: %w", rec.RID, err)
	}

	txn := i.store.NewTxn()
	defer func() {
		if derr := txn.Discard(ctx); derr != nil {
			i.logger.Warn("discard recipe txn", zap.Int64("rid", rec.RID), zap.Error(derr))
		}
	}()
	assigned, err := txn.SetJSON(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("set recipe %d: %w", rec.RID, err)
	}
	if err := txn.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit recipe %d: %w", rec.RID, err)
	}
	uid := assigned[recipeLabel]
	i.logger.Info("recipe ingested",
		zap.Int64("rid", rec.RID),
		zap.String("uid", uid),
		zap.Int("ingredients", len(edges)),
	)
	return uid, nil
}
