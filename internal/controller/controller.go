// Package controller drives the crawl: it owns the work queue, decides per
// item whether to skip, rediscover or ingest, and applies the retry policy
// to failed items.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
	"github.com/JakeFAU/recipe-graph-crawler/internal/metrics"
)

const tracerName = "github.com/JakeFAU/recipe-graph-crawler/internal/controller"

// Run states reported by Status.
const (
	StateIdle        = "idle"
	StateRunning     = "running"
	StateCompleted   = "completed"
	StateFailed      = "failed"
	StateInterrupted = "interrupted"
)

// DefaultDeadLetterTopic is used when Config.DeadLetterTopic is empty.
const DefaultDeadLetterTopic = "recipe-crawl-deadletter"

// Config controls Controller behavior.
type Config struct {
	// BaseURL is the recipe page prefix refs are resolved against.
	BaseURL string
	// RediscoverOnFrontierExhaustion refetches an already stored recipe when
	// it is the last item on the queue, so its links can refill the frontier.
	RediscoverOnFrontierExhaustion bool
	DeadLetterTopic                string
}

// RecipeInserter persists one extracted recipe.
type RecipeInserter interface {
	Insert(ctx context.Context, rec crawler.RecipeRecord) (string, error)
}

// PageArchiver keeps the raw body of a fetched page.
type PageArchiver interface {
	Archive(ctx context.Context, rid int64, page crawler.Page) (string, error)
}

// Deps are the collaborators a Controller is built from. Archiver,
// DeadLetters, IDs, Metrics and Tracer are optional.
type Deps struct {
	Store       graph.Store
	Queue       crawler.WorkQueue
	Fetcher     crawler.Fetcher
	Extractor   crawler.Extractor
	Ingestor    RecipeInserter
	Retry       crawler.RetryPolicy
	Clock       crawler.Clock
	DeadLetters crawler.Publisher
	Archiver    PageArchiver
	IDs         crawler.IDGenerator
	Metrics     *metrics.Crawl
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Status is a point-in-time view of a crawl.
type Status struct {
	RunID        string             `json:"run_id,omitempty"`
	State        string             `json:"state"`
	StartedAt    time.Time          `json:"started_at,omitzero"`
	FinishedAt   time.Time          `json:"finished_at,omitzero"`
	QueueDepth   int                `json:"queue_depth"`
	Current      *crawler.RecipeRef `json:"current,omitempty"`
	Ingested     int                `json:"ingested"`
	Skipped      int                `json:"skipped"`
	Rediscovered int                `json:"rediscovered"`
	Enqueued     int                `json:"enqueued"`
	Failed       int                `json:"failed"`
	DeadLettered int                `json:"dead_lettered"`
	LastError    string             `json:"last_error,omitempty"`
}

// Controller runs a single crawl over its queue. Run must not be called
// concurrently; Status may be called from any goroutine.
type Controller struct {
	store       graph.Store
	queue       crawler.WorkQueue
	fetcher     crawler.Fetcher
	extractor   crawler.Extractor
	ingestor    RecipeInserter
	retry       crawler.RetryPolicy
	clock       crawler.Clock
	deadLetters crawler.Publisher
	archiver    PageArchiver
	ids         crawler.IDGenerator
	metrics     *metrics.Crawl
	tracer      trace.Tracer
	logger      *zap.Logger
	cfg         Config

	attempts map[int64]int

	mu     sync.RWMutex
	status Status
}

// New validates deps and returns a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("graph store is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("work queue is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Ingestor == nil:
		return nil, fmt.Errorf("ingestor is required")
	case deps.Retry == nil:
		return nil, fmt.Errorf("retry policy is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultDeadLetterTopic
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Controller{
		store:       deps.Store,
		queue:       deps.Queue,
		fetcher:     deps.Fetcher,
		extractor:   deps.Extractor,
		ingestor:    deps.Ingestor,
		retry:       deps.Retry,
		clock:       deps.Clock,
		deadLetters: deps.DeadLetters,
		archiver:    deps.Archiver,
		ids:         deps.IDs,
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
		logger:      deps.Logger,
		cfg:         cfg,
		attempts:    make(map[int64]int),
		status:      Status{State: StateIdle, QueueDepth: deps.Queue.Len()},
	}, nil
}

// Run declares the schema, then processes items until the queue is empty or
// ctx ends. A schema failure is returned before anything is fetched. Item
// failures are retried with backoff and eventually dead-lettered; they never
// end the run.
func (c *Controller) Run(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "crawl.run")
	defer span.End()

	runID := c.newRunID()
	span.SetAttributes(attribute.String("crawl.run_id", runID))
	c.update(func(s *Status) {
		*s = Status{RunID: runID, State: StateRunning, StartedAt: c.clock.Now(), QueueDepth: c.queue.Len()}
	})
	c.logger.Info("crawl started", zap.String("run_id", runID), zap.Int("queue_depth", c.queue.Len()))

	if err := c.store.AlterSchema(ctx, graph.DefaultSchema()); err != nil {
		err = fmt.Errorf("alter schema: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "schema")
		c.finish(StateFailed, err)
		c.logger.Error("crawl aborted", zap.Error(err))
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return c.interrupted(err)
		}
		ref, err := c.queue.Pop()
		if errors.Is(err, crawler.ErrQueueEmpty) {
			break
		}
		if err != nil {
			c.finish(StateFailed, err)
			return fmt.Errorf("pop work queue: %w", err)
		}
		c.setDepth()
		c.update(func(s *Status) {
			current := ref
			s.Current = &current
		})

		itemErr := c.ProcessItem(ctx, ref)
		if itemErr == nil {
			delete(c.attempts, ref.RID)
			continue
		}
		if ctx.Err() != nil {
			c.queue.Push(ref)
			return c.interrupted(ctx.Err())
		}
		if err := c.handleFailure(ctx, ref, itemErr); err != nil {
			return c.interrupted(err)
		}
	}

	c.finish(StateCompleted, nil)
	st := c.Status()
	c.logger.Info("crawl finished",
		zap.String("run_id", runID),
		zap.Int("ingested", st.Ingested),
		zap.Int("skipped", st.Skipped),
		zap.Int("dead_lettered", st.DeadLettered),
	)
	return nil
}

// ProcessItem handles one ref. A ref already in the store is skipped unless
// rediscovery applies; otherwise its page is fetched, extracted and
// ingested. Links to recipes not yet stored are pushed in either case.
func (c *Controller) ProcessItem(ctx context.Context, ref crawler.RecipeRef) (err error) {
	ctx, span := c.tracer.Start(ctx, "crawl.item", trace.WithAttributes(
		attribute.Int64("recipe.rid", ref.RID),
		attribute.String("recipe.name", ref.Name),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "item failed")
		}
		span.End()
	}()

	seen, err := c.stored(ctx, ref.RID)
	if err != nil {
		return err
	}
	if seen {
		if !c.cfg.RediscoverOnFrontierExhaustion || c.queue.Len() > 0 {
			c.logger.Debug("recipe already stored", zap.Int64("rid", ref.RID))
			c.observe(metrics.OutcomeSkipped)
			return nil
		}
		rec, err := c.fetchAndExtract(ctx, ref)
		if err != nil {
			return err
		}
		n, err := c.enqueueUnseen(ctx, rec.OtherRecipes)
		if err != nil {
			return err
		}
		c.logger.Info("frontier refilled from stored recipe", zap.Int64("rid", ref.RID), zap.Int("enqueued", n))
		c.observe(metrics.OutcomeRediscovered)
		return nil
	}

	rec, err := c.fetchAndExtract(ctx, ref)
	if err != nil {
		return err
	}
	uid, err := c.ingestor.Insert(ctx, rec)
	if err != nil {
		return fmt.Errorf("ingest %s: %w", ref, err)
	}
	span.SetAttributes(attribute.String("recipe.uid", uid))
	if _, err := c.enqueueUnseen(ctx, rec.OtherRecipes); err != nil {
		return err
	}
	c.observe(metrics.OutcomeIngested)
	return nil
}

// Status returns a snapshot of the current or last run.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := c.status
	if st.Current != nil {
		current := *st.Current
		st.Current = &current
	}
	return st
}

func (c *Controller) stored(ctx context.Context, rid int64) (bool, error) {
	matches, err := c.store.LookupByField(ctx, graph.KindRecipe, graph.FieldRID, rid, 1)
	if err != nil {
		return false, fmt.Errorf("lookup rid %d: %w", rid, err)
	}
	return len(matches) > 0, nil
}

func (c *Controller) fetchAndExtract(ctx context.Context, ref crawler.RecipeRef) (crawler.RecipeRecord, error) {
	url := ref.URL(c.cfg.BaseURL)
	page, err := c.fetcher.Fetch(ctx, url)
	c.metrics.ObserveFetch(url, page.StatusCode, len(page.Body), page.Duration)
	if err != nil {
		return crawler.RecipeRecord{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	if c.archiver != nil {
		uri, err := c.archiver.Archive(ctx, ref.RID, page)
		if err != nil {
			return crawler.RecipeRecord{}, err
		}
		c.logger.Debug("page archived", zap.Int64("rid", ref.RID), zap.String("uri", uri))
	}
	rec, err := c.extractor.Extract(page, ref)
	if err != nil {
		return crawler.RecipeRecord{}, fmt.Errorf("extract %s: %w", url, err)
	}
	return rec, nil
}

// enqueueUnseen pushes every ref whose rid is not stored yet.
func (c *Controller) enqueueUnseen(ctx context.Context, refs []crawler.RecipeRef) (int, error) {
	pushed := 0
	for _, ref := range refs {
		seen, err := c.stored(ctx, ref.RID)
		if err != nil {
			return pushed, err
		}
		if seen {
			continue
		}
		c.queue.Push(ref)
		pushed++
	}
	if pushed > 0 {
		c.metrics.ObserveEnqueued(pushed)
		c.update(func(s *Status) { s.Enqueued += pushed })
	}
	c.setDepth()
	return pushed, nil
}

// handleFailure requeues ref on top of the stack and pauses the whole crawl,
// or dead-letters it once the retry budget is spent. It only returns an
// error when ctx ends during the pause.
func (c *Controller) handleFailure(ctx context.Context, ref crawler.RecipeRef, itemErr error) error {
	attempt := c.attempts[ref.RID] + 1
	c.attempts[ref.RID] = attempt
	c.observe(metrics.OutcomeFailed)
	c.update(func(s *Status) { s.LastError = itemErr.Error() })

	if !c.retry.ShouldRetry(itemErr, attempt) {
		delete(c.attempts, ref.RID)
		c.deadLetter(ctx, ref, attempt, itemErr)
		return nil
	}

	c.queue.Push(ref)
	c.setDepth()
	wait := c.retry.Backoff(attempt)
	c.metrics.ObserveBackoff(wait)
	c.logger.Warn("recoverable item failure, retrying",
		zap.Stringer("ref", ref),
		zap.Int("attempt", attempt),
		zap.Duration("backoff", wait),
		zap.Error(itemErr),
	)
	if err := c.clock.Sleep(ctx, wait); err != nil {
		return err
	}
	return nil
}

func (c *Controller) deadLetter(ctx context.Context, ref crawler.RecipeRef, attempts int, itemErr error) {
	msg := crawler.DeadLetter{
		Ref:       ref,
		URL:       ref.URL(c.cfg.BaseURL),
		Attempts:  attempts,
		LastError: itemErr.Error(),
		FailedAt:  c.clock.Now(),
		RunID:     c.Status().RunID,
	}
	c.observe(metrics.OutcomeDeadLettered)
	c.logger.Error("item dead-lettered",
		zap.Stringer("ref", ref),
		zap.Int("attempts", attempts),
		zap.Error(itemErr),
	)
	if c.deadLetters == nil {
		return
	}
	id, err := c.deadLetters.Publish(ctx, c.cfg.DeadLetterTopic, msg)
	if err != nil {
		c.logger.Error("publish dead letter failed", zap.Stringer("ref", ref), zap.Error(err))
		return
	}
	c.logger.Debug("dead letter published", zap.String("message_id", id))
}

func (c *Controller) observe(outcome string) {
	c.metrics.ObserveItem(outcome)
	c.update(func(s *Status) {
		switch outcome {
		case metrics.OutcomeIngested:
			s.Ingested++
		case metrics.OutcomeSkipped:
			s.Skipped++
		case metrics.OutcomeRediscovered:
			s.Rediscovered++
		case metrics.OutcomeFailed:
			s.Failed++
		case metrics.OutcomeDeadLettered:
			s.DeadLettered++
		}
	})
}

func (c *Controller) setDepth() {
	depth := c.queue.Len()
	c.metrics.SetQueueDepth(depth)
	c.update(func(s *Status) { s.QueueDepth = depth })
}

func (c *Controller) interrupted(err error) error {
	c.finish(StateInterrupted, err)
	c.logger.Warn("crawl interrupted", zap.Int("queue_depth", c.queue.Len()), zap.Error(err))
	return fmt.Errorf("crawl interrupted: %w", err)
}

func (c *Controller) finish(state string, err error) {
	now := c.clock.Now()
	depth := c.queue.Len()
	c.update(func(s *Status) {
		s.State = state
		s.FinishedAt = now
		s.Current = nil
		s.QueueDepth = depth
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

func (c *Controller) update(fn func(*Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.status)
}

func (c *Controller) newRunID() string {
	if c.ids == nil {
		return ""
	}
	id, err := c.ids.NewID()
	if err != nil {
		c.logger.Warn("run id generation failed", zap.Error(err))
		return ""
	}
	return id
}
