package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs the crawl until the frontier is empty",
		Long: `Crawls from the configured seeds, ingesting every reachable recipe into
the configured graph store. SIGINT or SIGTERM stops the crawl after the
current recipe is requeued.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := appInstance.Crawl(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("crawl interrupted")
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}
	logger.Info("crawl command finished")
	return nil
}
