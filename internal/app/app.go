// Package app builds the crawler's long-lived services from configuration
// and owns their shutdown. It is the dependency container the CLI commands
// work through.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-graph-crawler/internal/api"
	"github.com/JakeFAU/recipe-graph-crawler/internal/clock/system"
	"github.com/JakeFAU/recipe-graph-crawler/internal/config"
	"github.com/JakeFAU/recipe-graph-crawler/internal/controller"
	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
	"github.com/JakeFAU/recipe-graph-crawler/internal/dataset"
	"github.com/JakeFAU/recipe-graph-crawler/internal/extractor"
	collyfetcher "github.com/JakeFAU/recipe-graph-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
	badgerstore "github.com/JakeFAU/recipe-graph-crawler/internal/graph/badger"
	dgraphstore "github.com/JakeFAU/recipe-graph-crawler/internal/graph/dgraph"
	graphmem "github.com/JakeFAU/recipe-graph-crawler/internal/graph/memory"
	pgstore "github.com/JakeFAU/recipe-graph-crawler/internal/graph/postgres"
	"github.com/JakeFAU/recipe-graph-crawler/internal/hash/sha256"
	"github.com/JakeFAU/recipe-graph-crawler/internal/id/uuid"
	"github.com/JakeFAU/recipe-graph-crawler/internal/ingest"
	"github.com/JakeFAU/recipe-graph-crawler/internal/metrics"
	pubmem "github.com/JakeFAU/recipe-graph-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/recipe-graph-crawler/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/recipe-graph-crawler/internal/publisher/redis"
	queuemem "github.com/JakeFAU/recipe-graph-crawler/internal/queue/memory"
	"github.com/JakeFAU/recipe-graph-crawler/internal/storage"
	gcsstorage "github.com/JakeFAU/recipe-graph-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/recipe-graph-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/recipe-graph-crawler/internal/storage/memory"
	"github.com/JakeFAU/recipe-graph-crawler/internal/telemetry"
)

type closer struct {
	name string
	fn   func(context.Context) error
}

// App holds the services of one process.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Crawl
	store      graph.Store
	queue      *queuemem.Stack
	resolver   *ingest.Resolver
	deadLetter crawler.Publisher
	blobs      crawler.BlobStore
	controller *controller.Controller
	server     *api.Server

	closers []closer
}

// Build constructs every service named by cfg. On error, whatever was
// already opened is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			if cerr := a.Close(context.Background()); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if a.metrics, err = metrics.New(a.registry); err != nil {
		return nil, err
	}

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.onClose("tracer", func(ctx context.Context) error { return shutdownTracer(ctx, tp) })

	ids := uuid.New()
	if a.store, err = buildStore(ctx, cfg.Store, ids, logger.Named("graph")); err != nil {
		return nil, err
	}
	a.onClose("graph store", func(context.Context) error { return a.store.Close() })

	if err := a.buildDeadLetters(ctx); err != nil {
		return nil, err
	}
	archiver, err := a.buildArchiver(ctx)
	if err != nil {
		return nil, err
	}

	a.queue = seededQueue(cfg.Crawler.Seeds)
	a.resolver = ingest.NewResolver(a.store, logger.Named("resolver"), a.metrics)
	ingestor := ingest.NewIngestor(a.store, a.resolver, cfg.Ingest.ResolveConcurrency, logger.Named("ingest"))

	deps := controller.Deps{
		Store:     a.store,
		Queue:     a.queue,
		Fetcher:   collyfetcher.New(collyfetcher.Config{UserAgent: cfg.Crawler.UserAgent, Timeout: cfg.Crawler.RequestTimeout}),
		Extractor: extractor.NewMarmiton(cfg.Crawler.BaseURL),
		Ingestor:  ingestor,
		Retry:     crawler.NewExponentialRetryPolicy(cfg.Retry.MaxAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		Clock:     system.New(),
		IDs:       ids,
		Metrics:   a.metrics,
		Logger:    logger.Named("controller"),
	}
	// Assigning a nil *Archiver or publisher to the interface would defeat the
	// controller's nil checks.
	if archiver != nil {
		deps.Archiver = archiver
	}
	if a.deadLetter != nil {
		deps.DeadLetters = a.deadLetter
	}
	if a.controller, err = controller.New(controller.Config{
		BaseURL:                        cfg.Crawler.BaseURL,
		RediscoverOnFrontierExhaustion: cfg.Crawler.RediscoverOnFrontierExhaustion,
		DeadLetterTopic:                cfg.DeadLetter.Topic,
	}, deps); err != nil {
		return nil, err
	}
	a.server = api.NewServer(a.controller, a.registry, a.metrics, logger.Named("api"))

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Backend),
		zap.String("deadletter", cfg.DeadLetter.Backend),
		zap.String("archive", cfg.Archive.Backend),
		zap.Int("seeds", len(cfg.Crawler.Seeds)),
	)
	return a, nil
}

// Crawl runs the controller to completion. When the status server is
// enabled it serves for the lifetime of the crawl.
func (a *App) Crawl(ctx context.Context) error {
	if !a.cfg.Server.Enabled {
		return a.controller.Run(ctx)
	}
	srvCtx, stop := context.WithCancel(ctx)
	defer stop()
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- a.server.ListenAndServe(srvCtx, fmt.Sprintf(":%d", a.cfg.Server.Port))
	}()

	err := a.controller.Run(ctx)
	stop()
	if serr := <-srvErr; serr != nil {
		a.logger.Warn("status server stopped with error", zap.Error(serr))
	}
	return err
}

// Exporter returns a dataset exporter over the graph store.
func (a *App) Exporter() (*dataset.Exporter, error) {
	lister, ok := a.store.(graph.RecipeLister)
	if !ok {
		return nil, fmt.Errorf("store backend %q cannot list recipes", a.cfg.Store.Backend)
	}
	return dataset.NewExporter(lister, a.cfg.Export.PageSize, a.logger.Named("dataset"))
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Controller returns the crawl controller.
func (a *App) Controller() *controller.Controller { return a.controller }

// Server returns the status server.
func (a *App) Server() *api.Server { return a.server }

// Store returns the graph store.
func (a *App) Store() graph.Store { return a.store }

// DeadLetters returns the dead-letter publisher, or nil when dead letters
// are only logged.
func (a *App) DeadLetters() crawler.Publisher { return a.deadLetter }

// Blobs returns the page archive backend, or nil when archiving is off.
func (a *App) Blobs() crawler.BlobStore { return a.blobs }

// Close releases services in reverse order of construction.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for _, c := range slices.Backward(a.closers) {
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("error closing service", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func buildStore(ctx context.Context, cfg config.StoreConfig, ids crawler.IDGenerator, logger *zap.Logger) (graph.Store, error) {
	switch cfg.Backend {
	case config.StoreMemory, "":
		logger.Info("using in-memory graph store; nothing survives a restart")
		return graphmem.New(ids), nil
	case config.StoreBadger:
		s, err := badgerstore.Open(badgerstore.Config{Path: cfg.Badger.Path, InMemory: cfg.Badger.InMemory}, ids, logger)
		if err != nil {
			return nil, fmt.Errorf("init badger store: %w", err)
		}
		return s, nil
	case config.StorePostgres:
		s, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.Postgres.DSN,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: cfg.Postgres.MaxConnLifetime,
		}, ids, logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	case config.StoreDgraph:
		s, err := dgraphstore.New(dgraphstore.Config{Address: cfg.Dgraph.Address}, logger)
		if err != nil {
			return nil, fmt.Errorf("init dgraph store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func (a *App) buildDeadLetters(ctx context.Context) error {
	cfg := a.cfg.DeadLetter
	switch cfg.Backend {
	case config.DeadLetterLog, "":
		return nil
	case config.DeadLetterMemory:
		a.deadLetter = pubmem.New()
		return nil
	case config.DeadLetterPubSub:
		p, err := gcppublisher.Dial(ctx, cfg.PubSub.ProjectID, cfg.PubSub.Topic)
		if err != nil {
			return fmt.Errorf("init pubsub dead letters: %w", err)
		}
		a.deadLetter = p
		a.onClose("pubsub publisher", func(context.Context) error { return p.Close() })
		return nil
	case config.DeadLetterRedis:
		p, err := redispublisher.New(redispublisher.Options{URL: cfg.Redis.URL, Key: cfg.Redis.Key})
		if err != nil {
			return fmt.Errorf("init redis dead letters: %w", err)
		}
		a.deadLetter = p
		a.onClose("redis publisher", func(context.Context) error { return p.Close() })
		return nil
	default:
		return fmt.Errorf("unknown dead-letter backend %q", cfg.Backend)
	}
}

func (a *App) buildArchiver(ctx context.Context) (*storage.Archiver, error) {
	cfg := a.cfg.Archive
	switch cfg.Backend {
	case config.ArchiveNone, "":
		return nil, nil
	case config.ArchiveMemory:
		a.blobs = memorystorage.NewBlobStore()
	case config.ArchiveLocal:
		s, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		a.blobs = s
	case config.ArchiveGCS:
		s, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: cfg.GCS.Bucket})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.blobs = s
		a.onClose("gcs archive", func(context.Context) error { return s.Close() })
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
	archiver, err := storage.NewArchiver(a.blobs, sha256.New(), cfg.Prefix)
	if err != nil {
		return nil, fmt.Errorf("init archiver: %w", err)
	}
	return archiver, nil
}

// seededQueue pushes seeds so the first configured seed is popped first.
func seededQueue(seeds []crawler.RecipeRef) *queuemem.Stack {
	refs := slices.Clone(seeds)
	slices.Reverse(refs)
	return queuemem.NewStack(refs...)
}

func shutdownTracer(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if err := tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}

// Export writes the dataset described by opts.
func (a *App) Export(ctx context.Context, opts dataset.Options) (dataset.Summary, error) {
	exp, err := a.Exporter()
	if err != nil {
		return dataset.Summary{}, err
	}
	return exp.Export(ctx, opts)
}
