package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-graph-crawler/internal/dataset"
)

type exportFlags struct {
	limit    int
	shuffles int
	out      string
	seed     uint64
}

func newExportCmd() *cobra.Command {
	var flags exportFlags
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Writes the stored recipes as a train/val/test text corpus",
		Long: `Reads recipes from the graph store and writes src-<split>.txt and
tgt-<split>.txt files. Each line pairs shuffled ingredient names with the
normalized recipe title. Flags override the export section of the config.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExportCommand(cmd, flags)
		},
	}
	cmd.Flags().IntVar(&flags.limit, "limit", 0, "maximum recipes to read (default from config)")
	cmd.Flags().IntVar(&flags.shuffles, "shuffles", 0, "ingredient orderings per recipe (default from config)")
	cmd.Flags().StringVar(&flags.out, "out", "", "output directory (default from config)")
	cmd.Flags().Uint64Var(&flags.seed, "seed", 0, "random seed (default from config)")
	return cmd
}

func runExportCommand(cmd *cobra.Command, flags exportFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	opts := exportOptions(cmd, appInstance, flags)
	summary, err := appInstance.Export(cmd.Context(), opts)
	if err != nil {
		return fmt.Errorf("export dataset: %w", err)
	}
	appInstance.Logger().Info("dataset exported",
		zap.String("out_dir", opts.OutDir),
		zap.Int("recipes", summary.Recipes),
		zap.Any("splits", summary.Splits),
		zap.Any("lines", summary.Lines),
	)
	return nil
}

// exportOptions starts from config and applies only the flags the user set.
func exportOptions(cmd *cobra.Command, appInstance App, flags exportFlags) dataset.Options {
	cfg := appInstance.Config().Export
	opts := dataset.Options{
		OutDir:   cfg.OutDir,
		Limit:    cfg.Limit,
		Shuffles: cfg.Shuffles,
		Seed:     cfg.Seed,
	}
	if cmd.Flags().Changed("limit") {
		opts.Limit = flags.limit
	}
	if cmd.Flags().Changed("shuffles") {
		opts.Shuffles = flags.shuffles
	}
	if cmd.Flags().Changed("out") {
		opts.OutDir = flags.out
	}
	if cmd.Flags().Changed("seed") {
		opts.Seed = flags.seed
	}
	return opts
}
