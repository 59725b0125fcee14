// Package cmd defines the CLI commands of the recipe crawler.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-graph-crawler/internal/app"
	"github.com/JakeFAU/recipe-graph-crawler/internal/config"
	"github.com/JakeFAU/recipe-graph-crawler/internal/dataset"
	"github.com/JakeFAU/recipe-graph-crawler/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the part of the application the commands use. Tests inject a mock.
type App interface {
	Crawl(ctx context.Context) error
	Export(ctx context.Context, opts dataset.Options) (dataset.Summary, error)
	Config() config.Config
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// newApp is the application factory. It is a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd builds the command tree. The returned func closes whatever app
// the command run built; it runs even when the command failed.
func newRootCmd() (*cobra.Command, func(context.Context) error) {
	var (
		cfgFile string
		built   App
	)
	cmd := &cobra.Command{
		Use:   "recipecrawler",
		Short: "Crawls marmiton recipes into a graph store.",
		Long: `recipecrawler walks marmiton recipe pages depth-first from a set of seed
recipes, extracts each recipe's title, rating, ingredients and related
recipes, and ingests them into a graph store with deduplicated ingredient
nodes. The export command turns the stored graph into a text corpus.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			built = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(newCrawlCmd(), newExportCmd())

	closeApp := func(ctx context.Context) error {
		if built == nil {
			return nil
		}
		appInstance := built
		built = nil
		defer func() { _ = appInstance.Logger().Sync() }()
		return appInstance.Close(ctx)
	}
	return cmd, closeApp
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root, closeApp := newRootCmd()
	err := root.ExecuteContext(context.Background())
	if cerr := closeApp(context.Background()); cerr != nil {
		zap.L().Warn("failed to close application services", zap.Error(cerr))
	}
	if err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
