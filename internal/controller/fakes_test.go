package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
)

const testBaseURL = "https://recipes.test/recette_"

var errFetch = errors.New("connection reset")

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("0x%x", s.n), nil
}

// fakeFetcher serves every URL and fails a URL while its failure budget lasts.
type fakeFetcher struct {
	mu       sync.Mutex
	failures map[string]int
	calls    []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (crawler.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if f.failures[url] != 0 {
		if f.failures[url] > 0 {
			f.failures[url]--
		}
		return crawler.Page{URL: url, StatusCode: 503}, errFetch
	}
	return crawler.Page{URL: url, StatusCode: 200, Body: []byte("<html>" + url + "</html>")}, nil
}

func (f *fakeFetcher) fetched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeExtractor returns canned records keyed by rid; unknown rids become a
// linkless recipe titled after the ref.
type fakeExtractor struct {
	records map[int64]crawler.RecipeRecord
	fail    map[int64]error
}

func (e *fakeExtractor) Extract(_ crawler.Page, ref crawler.RecipeRef) (crawler.RecipeRecord, error) {
	if err := e.fail[ref.RID]; err != nil {
		return crawler.RecipeRecord{}, err
	}
	rec, ok := e.records[ref.RID]
	if !ok {
		rec = crawler.RecipeRecord{Title: ref.Name, Ingredients: []crawler.IngredientLine{{Quantity: "1", Ingredient: "sel"}}}
	}
	rec.RID = ref.RID
	return rec, nil
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) slept() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// fixedRetry retries until maxAttempts with a constant delay.
type fixedRetry struct {
	maxAttempts int
	delay       time.Duration
}

func (r fixedRetry) ShouldRetry(err error, attempt int) bool {
	return err != nil && attempt < r.maxAttempts && !errors.Is(err, context.Canceled)
}

func (r fixedRetry) Backoff(int) time.Duration { return r.delay }

type failingSchemaStore struct {
	graph.Store
}

func (failingSchemaStore) AlterSchema(context.Context, graph.Schema) error {
	return errors.New("alpha unavailable")
}

type recordingArchiver struct {
	mu   sync.Mutex
	rids []int64
	err  error
}

func (a *recordingArchiver) Archive(_ context.Context, rid int64, _ crawler.Page) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.rids = append(a.rids, rid)
	return fmt.Sprintf("memory://pages/%d", rid), nil
}

func refURL(ref crawler.RecipeRef) string {
	return ref.URL(testBaseURL)
}
