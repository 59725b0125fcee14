package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
	"github.com/JakeFAU/recipe-graph-crawler/internal/metrics"
)

const ingredientLabel = "ingredient"

// Resolver owns the ingredient cache. Resolutions of the same name are
// serialized, so concurrent callers never create the same ingredient twice.
// The cache is never evicted and lives as long as the Resolver.
type Resolver struct {
	store   graph.Store
	logger  *zap.Logger
	metrics *metrics.Crawl

	mu    sync.RWMutex
	cache map[string]string
	group singleflight.Group
}

// NewResolver returns a Resolver with an empty cache.
func NewResolver(store graph.Store, logger *zap.Logger, m *metrics.Crawl) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:   store,
		logger:  logger,
		metrics: m,
		cache:   make(map[string]string),
	}
}

// Resolve returns the uid of the ingredient called name, creating it on
// first sight. Only store errors are returned.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	if uid, ok := r.Cached(name); ok {
		r.metrics.ObserveResolution(metrics.SourceCache)
		return uid, nil
	}
	v, err, _ := r.group.Do(name, func() (any, error) {
		// A flight for name may have completed between the miss above and now.
		if uid, ok := r.Cached(name); ok {
			r.metrics.ObserveResolution(metrics.SourceCache)
			return uid, nil
		}
		matches, err := r.store.LookupByField(ctx, graph.KindIngredient, graph.FieldName, name, 1)
		if err != nil {
			return "", fmt.Errorf("lookup ingredient %q: %w", name, err)
		}
		if len(matches) > 0 {
			r.remember(name, matches[0].UID)
			r.metrics.ObserveResolution(metrics.SourceLookup)
			return matches[0].UID, nil
		}
		uid, err := r.create(ctx, name)
		if err != nil {
			return "", err
		}
		r.remember(name, uid)
		r.metrics.ObserveResolution(metrics.SourceCreated)
		r.logger.Debug("ingredient created", zap.String("name", name), zap.String("uid", uid))
		return uid, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Cached returns the cached uid for name without touching the store.
func (r *Resolver) Cached(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.cache[name]
	return uid, ok
}

// Len reports the number of cached names.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

func (r *Resolver) remember(name, uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[name] = uid
}

func (r *Resolver) create(ctx context.Context, name string) (uid string, err error) {
	payload, err := json.Marshal(graph.Node{
		UID:  graph.Blank(ingredientLabel),
		Type: graph.KindIngredient,
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("encode ingredient %q: %w", name, err)
	}
	txn := r.store.NewTxn()
	defer func() {
		if derr := txn.Discard(ctx); derr != nil {
			r.logger.Warn("discard ingredient txn", zap.String("name", name), zap.Error(derr))
		}
	}()
	assigned, err := txn.SetJSON(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("create ingredient %q: %w", name, err)
	}
	if err := txn.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit ingredient %q: %w", name, err)
	}
	uid = assigned[ingredientLabel]
	if uid == "" {
		return "", fmt.Errorf("create ingredient %q: store assigned no uid", name)
	}
	return uid, nil
}
