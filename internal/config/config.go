// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
	StoreDgraph   = "dgraph"
)

// Dead-letter backends.
const (
	DeadLetterLog    = "log"
	DeadLetterMemory = "memory"
	DeadLetterPubSub = "pubsub"
	DeadLetterRedis  = "redis"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// DefaultBaseURL is the prefix recipe page URLs are built from.
const DefaultBaseURL = "https://www.marmiton.org/recettes/recette_"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Store      StoreConfig      `mapstructure:"store"`
	DeadLetter DeadLetterConfig `mapstructure:"deadletter"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Server     ServerConfig     `mapstructure:"server"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Export     ExportConfig     `mapstructure:"export"`
}

// LoggingConfig toggles zap development features and verbosity.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs what is fetched and how the frontier behaves.
type CrawlerConfig struct {
	BaseURL                        string              `mapstructure:"base_url"`
	UserAgent                      string              `mapstructure:"user_agent"`
	RequestTimeout                 time.Duration       `mapstructure:"request_timeout"`
	RediscoverOnFrontierExhaustion bool                `mapstructure:"rediscover_on_frontier_exhaustion"`
	Seeds                          []crawler.RecipeRef `mapstructure:"seeds"`
}

// RetryConfig bounds per-item retries.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// IngestConfig tunes recipe ingestion.
type IngestConfig struct {
	ResolveConcurrency int `mapstructure:"resolve_concurrency"`
}

// StoreConfig selects and configures the graph store.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend"`
	Badger   BadgerConfig   `mapstructure:"badger"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Dgraph   DgraphConfig   `mapstructure:"dgraph"`
}

// BadgerConfig locates the embedded database.
type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DgraphConfig points at a Dgraph alpha.
type DgraphConfig struct {
	Address string `mapstructure:"address"`
}

// DeadLetterConfig selects where exhausted items are published.
type DeadLetterConfig struct {
	Backend string       `mapstructure:"backend"`
	Topic   string       `mapstructure:"topic"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	Redis   RedisConfig  `mapstructure:"redis"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// RedisConfig addresses the dead-letter list.
type RedisConfig struct {
	URL string `mapstructure:"url"`
	Key string `mapstructure:"key"`
}

// ArchiveConfig sets where raw pages are persisted.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
	GCS     GCSArchiveConfig   `mapstructure:"gcs"`
}

// LocalArchiveConfig roots the filesystem archive.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSArchiveConfig names the archive bucket.
type GCSArchiveConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// ExportConfig controls the training-set export.
type ExportConfig struct {
	PageSize int    `mapstructure:"page_size"`
	Limit    int    `mapstructure:"limit"`
	Shuffles int    `mapstructure:"shuffles"`
	OutDir   string `mapstructure:"out_dir"`
	Seed     uint64 `mapstructure:"seed"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("logging.level", "CRAWLER_LOGGING_LEVEL", "LOG_LEVEL"); err != nil {
		return Config{}, fmt.Errorf("bind log level env: %w", err)
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.base_url", DefaultBaseURL)
	v.SetDefault("crawler.user_agent", "recipe-graph-crawler/0.1")
	v.SetDefault("crawler.request_timeout", "15s")
	v.SetDefault("crawler.rediscover_on_frontier_exhaustion", true)
	v.SetDefault("crawler.seeds", []map[string]any{
		{"name": "gateau-au-pavot-comme-en-allemagne", "rid": 57587},
	})
	v.SetDefault("retry.max_attempts", crawler.DefaultMaxAttempts)
	v.SetDefault("retry.base_delay", crawler.DefaultBaseDelay.String())
	v.SetDefault("retry.max_delay", crawler.DefaultMaxDelay.String())
	v.SetDefault("ingest.resolve_concurrency", 8)
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("store.badger.path", "data/graph")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.dgraph.address", "localhost:9080")
	v.SetDefault("deadletter.backend", DeadLetterLog)
	v.SetDefault("deadletter.topic", "recipe-crawl-deadletter")
	v.SetDefault("deadletter.redis.key", "recipe-crawl:deadletter")
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.local.base_dir", "data/pages")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("telemetry.service_name", "recipe-crawler")
	v.SetDefault("export.page_size", 1000)
	v.SetDefault("export.limit", 60000)
	v.SetDefault("export.shuffles", 3)
	v.SetDefault("export.out_dir", "dataset")
	v.SetDefault("export.seed", 42)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Crawler.BaseURL) == "" {
		return fmt.Errorf("crawler.base_url is required")
	}
	if c.Crawler.RequestTimeout <= 0 {
		return fmt.Errorf("crawler.request_timeout must be > 0")
	}
	if len(c.Crawler.Seeds) == 0 {
		return fmt.Errorf("crawler.seeds must name at least one recipe")
	}
	for i, seed := range c.Crawler.Seeds {
		if err := seed.Validate(); err != nil {
			return fmt.Errorf("crawler.seeds[%d]: %w", i, err)
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("retry delays must be >= 0")
	}
	if c.Ingest.ResolveConcurrency <= 0 {
		return fmt.Errorf("ingest.resolve_concurrency must be > 0")
	}
	if err := c.Store.validate(); err != nil {
		return err
	}
	if err := c.DeadLetter.validate(); err != nil {
		return err
	}
	if err := c.Archive.validate(); err != nil {
		return err
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be in 1..65535 when the server is enabled")
	}
	if c.Export.PageSize <= 0 {
		return fmt.Errorf("export.page_size must be > 0")
	}
	if c.Export.Shuffles <= 0 {
		return fmt.Errorf("export.shuffles must be > 0")
	}
	return nil
}

func (s StoreConfig) validate() error {
	switch s.Backend {
	case StoreMemory:
	case StoreBadger:
		if !s.Badger.InMemory && strings.TrimSpace(s.Badger.Path) == "" {
			return fmt.Errorf("store.badger.path is required for the badger store")
		}
	case StorePostgres:
		if strings.TrimSpace(s.Postgres.DSN) == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres store")
		}
	case StoreDgraph:
		if strings.TrimSpace(s.Dgraph.Address) == "" {
			return fmt.Errorf("store.dgraph.address is required for the dgraph store")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, badger, postgres, dgraph", s.Backend)
	}
	return nil
}

func (d DeadLetterConfig) validate() error {
	switch d.Backend {
	case DeadLetterLog, DeadLetterMemory:
	case DeadLetterPubSub:
		if d.PubSub.ProjectID == "" || d.PubSub.Topic == "" {
			return fmt.Errorf("deadletter.pubsub.project_id and deadletter.pubsub.topic are required")
		}
	case DeadLetterRedis:
		if d.Redis.URL == "" {
			return fmt.Errorf("deadletter.redis.url is required")
		}
	default:
		return fmt.Errorf("deadletter.backend %q is not one of log, memory, pubsub, redis", d.Backend)
	}
	return nil
}

func (a ArchiveConfig) validate() error {
	switch a.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if strings.TrimSpace(a.Local.BaseDir) == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if strings.TrimSpace(a.GCS.Bucket) == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not one of none, memory, local, gcs", a.Backend)
	}
	return nil
}
