package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-graph-crawler/internal/extractor"
	collyfetcher "github.com/JakeFAU/recipe-graph-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
	graphmem "github.com/JakeFAU/recipe-graph-crawler/internal/graph/memory"
	"github.com/JakeFAU/recipe-graph-crawler/internal/ingest"
	"github.com/JakeFAU/recipe-graph-crawler/internal/metrics"
	pubmem "github.com/JakeFAU/recipe-graph-crawler/internal/publisher/memory"
	queuemem "github.com/JakeFAU/recipe-graph-crawler/internal/queue/memory"
)

var (
	pavot    = crawler.RecipeRef{Name: "gateau-au-pavot-comme-en-allemagne", RID: 57587}
	kouglof  = crawler.RecipeRef{Name: "kouglof", RID: 12345}
	strudel  = crawler.RecipeRef{Name: "strudel-aux-pommes", RID: 22222}
	linzer   = crawler.RecipeRef{Name: "linzer-torte", RID: 33333}
	beurre   = crawler.IngredientLine{Quantity: "125 g", Ingredient: "beurre"}
	farine   = crawler.IngredientLine{Quantity: "250 g", Ingredient: "farine"}
	testWait = 30 * time.Second
)

type harness struct {
	store     *graphmem.Store
	queue     *queuemem.Stack
	fetcher   *fakeFetcher
	extractor *fakeExtractor
	clock     *fakeClock
	dead      *pubmem.Publisher
	reg       *prometheus.Registry
	deps      Deps
	cfg       Config
}

func newHarness(t *testing.T, seeds ...crawler.RecipeRef) *harness {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	h := &harness{
		store:     graphmem.New(&seqIDs{}),
		queue:     queuemem.NewStack(seeds...),
		fetcher:   &fakeFetcher{failures: map[string]int{}},
		extractor: &fakeExtractor{records: map[int64]crawler.RecipeRecord{}, fail: map[int64]error{}},
		clock:     newFakeClock(),
		dead:      pubmem.New(),
		reg:       reg,
		cfg:       Config{BaseURL: testBaseURL},
	}
	resolver := ingest.NewResolver(h.store, nil, m)
	h.deps = Deps{
		Store:       h.store,
		Queue:       h.queue,
		Fetcher:     h.fetcher,
		Extractor:   h.extractor,
		Ingestor:    ingest.NewIngestor(h.store, resolver, 4, nil),
		Retry:       fixedRetry{maxAttempts: 3, delay: testWait},
		Clock:       h.clock,
		DeadLetters: h.dead,
		IDs:         &seqIDs{},
		Metrics:     m,
	}
	return h
}

func (h *harness) controller(t *testing.T) *Controller {
	t.Helper()
	c, err := New(h.cfg, h.deps)
	require.NoError(t, err)
	return c
}

func (h *harness) rids(t *testing.T) []int64 {
	t.Helper()
	var out []int64
	for _, n := range h.store.Nodes(graph.KindRecipe) {
		out = append(out, n.RID)
	}
	return out
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	deps := h.deps
	deps.Store = nil
	_, err := New(h.cfg, deps)
	require.ErrorContains(t, err, "graph store")

	deps = h.deps
	deps.Clock = nil
	_, err = New(h.cfg, deps)
	require.ErrorContains(t, err, "clock")

	c := h.controller(t)
	require.Equal(t, StateIdle, c.Status().State)
}

func TestRunWalksFrontierDepthFirst(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pavot)
	h.extractor.records[pavot.RID] = crawler.RecipeRecord{
		Title:        "Gâteau au pavot",
		Ingredients:  []crawler.IngredientLine{beurre, farine},
		OtherRecipes: []crawler.RecipeRef{kouglof, strudel},
	}
	h.extractor.records[kouglof.RID] = crawler.RecipeRecord{
		Title:        "Kouglof",
		Ingredients:  []crawler.IngredientLine{beurre},
		OtherRecipes: []crawler.RecipeRef{pavot, linzer},
	}

	c := h.controller(t)
	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, []string{refURL(pavot), refURL(strudel), refURL(kouglof), refURL(linzer)}, h.fetcher.fetched())
	require.ElementsMatch(t, []int64{pavot.RID, kouglof.RID, strudel.RID, linzer.RID}, h.rids(t))
	require.Len(t, h.store.Nodes(graph.KindIngredient), 3, "beurre, farine and sel are each created once")

	st := c.Status()
	require.Equal(t, StateCompleted, st.State)
	require.Equal(t, "0x1", st.RunID)
	require.Equal(t, 4, st.Ingested)
	require.Equal(t, 3, st.Enqueued, "the stored pavot link is not enqueued")
	require.Zero(t, st.QueueDepth)
	require.Nil(t, st.Current)
	require.Empty(t, h.clock.slept())

	expected := `
# HELP crawler_items_total Queue items processed, labeled by outcome.
# TYPE crawler_items_total counter
crawler_items_total{outcome="ingested"} 4
# HELP crawler_enqueued_total Unseen recipe references pushed onto the frontier.
# TYPE crawler_enqueued_total counter
crawler_enqueued_total 3
`
	require.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(expected),
		"crawler_items_total", "crawler_enqueued_total"))
}

func TestRunSkipsStoredRecipeWithoutRediscovery(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pavot, pavot)
	h.extractor.records[pavot.RID] = crawler.RecipeRecord{Title: "Pavot", OtherRecipes: []crawler.RecipeRef{kouglof}}
	h.cfg.RediscoverOnFrontierExhaustion = false

	c := h.controller(t)
	require.NoError(t, c.Run(context.Background()))

	// pavot, then kouglof (pushed on top), then the duplicate pavot seed.
	require.Equal(t, []string{refURL(pavot), refURL(kouglof)}, h.fetcher.fetched())
	require.ElementsMatch(t, []int64{pavot.RID, kouglof.RID}, h.rids(t))
	st := c.Status()
	require.Equal(t, 1, st.Skipped)
	require.Zero(t, st.Rediscovered)
}

func TestRunRediscoversWhenFrontierIsExhausted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pavot, pavot)
	h.extractor.records[pavot.RID] = crawler.RecipeRecord{Title: "Pavot", OtherRecipes: []crawler.RecipeRef{kouglof}}
	h.cfg.RediscoverOnFrontierExhaustion = true

	c := h.controller(t)
	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, []string{refURL(pavot), refURL(kouglof), refURL(pavot)}, h.fetcher.fetched())
	require.ElementsMatch(t, []int64{pavot.RID, kouglof.RID}, h.rids(t), "rediscovery never ingests twice")
	st := c.Status()
	require.Equal(t, 1, st.Rediscovered)
	require.Equal(t, 2, st.Ingested)
}

func TestProcessItemSkipsStoredRecipeWhileQueueHasWork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kouglof)
	h.cfg.RediscoverOnFrontierExhaustion = true
	c := h.controller(t)
	ctx := context.Background()
	require.NoError(t, h.store.AlterSchema(ctx, graph.DefaultSchema()))

	require.NoError(t, c.ProcessItem(ctx, pavot))
	require.NoError(t, c.ProcessItem(ctx, pavot))
	require.Len(t, h.fetcher.fetched(), 1, "queue is not empty, so no rediscovery")
	require.Equal(t, 1, c.Status().Skipped)
}

func TestRunRequeuedItemIsRetriedNext(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kouglof, pavot)
	h.fetcher.failures[refURL(pavot)] = 1

	c := h.controller(t)
	require.NoError(t, c.Run(context.Background()))

	require.Equal(t, []string{refURL(pavot), refURL(pavot), refURL(kouglof)}, h.fetcher.fetched())
	require.Equal(t, []time.Duration{testWait}, h.clock.slept())
	require.ElementsMatch(t, []int64{pavot.RID, kouglof.RID}, h.rids(t))
	require.Empty(t, h.dead.DeadLetters())

	st := c.Status()
	require.Equal(t, 1, st.Failed)
	require.Equal(t, 2, st.Ingested)
	require.Contains(t, st.LastError, "connection reset")
}

func TestRunDeadLettersAfterRetryBudget(t *testing.T) {
	t.Parallel()

	h := newHarness(t, kouglof, pavot)
	h.fetcher.failures[refURL(pavot)] = -1

	c := h.controller(t)
	require.NoError(t, c.Run(context.Background()))

	require.Equal(t,
		[]string{refURL(pavot), refURL(pavot), refURL(pavot), refURL(kouglof)},
		h.fetcher.fetched())
	require.Equal(t, []time.Duration{testWait, testWait}, h.clock.slept())
	require.Equal(t, []int64{kouglof.RID}, h.rids(t))

	letters := h.dead.DeadLetters()
	require.Len(t, letters, 1)
	require.Equal(t, pavot, letters[0].Ref)
	require.Equal(t, refURL(pavot), letters[0].URL)
	require.Equal(t, 3, letters[0].Attempts)
	require.Contains(t, letters[0].LastError, "connection reset")
	require.Equal(t, "0x1", letters[0].RunID)
	require.Equal(t, DefaultDeadLetterTopic, h.dead.Messages()[0].Topic)

	st := c.Status()
	require.Equal(t, 3, st.Failed)
	require.Equal(t, 1, st.DeadLettered)
}

func TestRunExtractFailureWritesNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pavot)
	h.extractor.fail[pavot.RID] = extractor.ErrMalformedPage
	h.deps.Retry = fixedRetry{maxAttempts: 1}

	c := h.controller(t)
	require.NoError(t, c.Run(context.Background()))
	require.Empty(t, h.rids(t))
	require.Empty(t, h.store.Nodes(graph.KindIngredient))
	require.Len(t, h.dead.DeadLetters(), 1)
	require.Contains(t, h.dead.DeadLetters()[0].LastError, "malformed")
}

func TestRunSchemaFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pavot)
	h.deps.Store = failingSchemaStore{Store: h.store}

	c := h.controller(t)
	err := c.Run(context.Background())
	require.ErrorContains(t, err, "alter schema")
	require.Empty(t, h.fetcher.fetched())
	require.Equal(t, 1, h.queue.Len())
	require.Equal(t, StateFailed, c.Status().State)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pavot)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := h.controller(t)
	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, h.fetcher.fetched())
	require.Equal(t, 1, h.queue.Len())
	require.Equal(t, StateInterrupted, c.Status().State)
}

func TestRunArchivesFetchedPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t, pavot)
	archiver := &recordingArchiver{}
	h.deps.Archiver = archiver

	c := h.controller(t)
	require.NoError(t, c.Run(context.Background()))
	require.Equal(t, []int64{pavot.RID}, archiver.rids)

	// An archive failure fails the item like any other error.
	h2 := newHarness(t, pavot)
	h2.deps.Archiver = &recordingArchiver{err: errors.New("bucket gone")}
	h2.deps.Retry = fixedRetry{maxAttempts: 1}
	c2 := h2.controller(t)
	require.NoError(t, c2.Run(context.Background()))
	require.Empty(t, h2.rids(t))
	require.Len(t, h2.dead.DeadLetters(), 1)
}

func TestRunEndToEndAgainstRecipePage(t *testing.T) {
	t.Parallel()

	body, err := os.ReadFile("../extractor/testdata/gateau-au-pavot.html")
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.HandleFunc("/recettes/recette_gateau-au-pavot-comme-en-allemagne_57587.aspx", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(body)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	baseURL := server.URL + "/recettes/recette_"
	h := newHarness(t, pavot)
	h.cfg = Config{BaseURL: baseURL, RediscoverOnFrontierExhaustion: true}
	h.deps.Fetcher = collyfetcher.New(collyfetcher.Config{Timeout: 5 * time.Second})
	h.deps.Extractor = extractor.NewMarmiton(baseURL)
	h.deps.Retry = fixedRetry{maxAttempts: 2, delay: time.Second}

	c := h.controller(t)
	require.NoError(t, c.Run(context.Background()))

	recipes, err := h.store.ListRecipes(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, recipes, 1)
	require.Equal(t, pavot.RID, recipes[0].RID)
	require.Equal(t, "Gâteau au pavot comme en Allemagne", recipes[0].Title)
	require.Equal(t, "4.7/5", recipes[0].Rating)
	require.Equal(t, []graph.Edge{
		{UID: recipes[0].Ingredients[0].UID, Quantity: "250", Name: "g de pavot"},
		{UID: recipes[0].Ingredients[1].UID, Quantity: "1", Name: "l de lait"},
		{UID: recipes[0].Ingredients[2].UID, Quantity: "", Name: "sel"},
	}, recipes[0].Ingredients)

	// The only same-site link (the strudel) 404s until it is dead-lettered.
	letters := h.dead.DeadLetters()
	require.Len(t, letters, 1)
	require.Equal(t, strudel, letters[0].Ref)
	require.Equal(t, 2, letters[0].Attempts)
	require.Equal(t, []time.Duration{time.Second}, h.clock.slept())
}
