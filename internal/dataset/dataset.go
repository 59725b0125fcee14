// Package dataset exports stored recipes as a parallel text corpus for
// recipe-title generation: each line of src-<split>.txt lists a recipe's
// ingredients, and the same line of tgt-<split>.txt holds its title.
package dataset

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/recipe-graph-crawler/internal/graph"
)

// Export defaults.
const (
	DefaultPageSize = 1000
	DefaultLimit    = 60000
	DefaultShuffles = 3
)

const (
	testFraction = 0.1
	valFraction  = 0.2
	separator    = " | "
	minSourceLen = 4
)

// Split names.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// Options controls an export.
type Options struct {
	// OutDir receives src-<split>.txt and tgt-<split>.txt.
	OutDir string
	// Limit caps how many recipes are read. Non-positive uses DefaultLimit.
	Limit int
	// Shuffles is how many ingredient orderings are written per recipe.
	Shuffles int
	// Seed makes splits and orderings reproducible.
	Seed uint64
}

// Summary reports what an export wrote.
type Summary struct {
	Recipes int            `json:"recipes"`
	Splits  map[string]int `json:"splits"`
	Lines   map[string]int `json:"lines"`
}

// Exporter reads recipes page by page and writes the corpus.
type Exporter struct {
	lister   graph.RecipeLister
	pageSize int
	logger   *zap.Logger
}

// NewExporter builds an Exporter. A non-positive pageSize uses DefaultPageSize.
func NewExporter(lister graph.RecipeLister, pageSize int, logger *zap.Logger) (*Exporter, error) {
	if lister == nil {
		return nil, fmt.Errorf("recipe lister is required")
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{lister: lister, pageSize: pageSize, logger: logger}, nil
}

// Load reads up to limit recipes.
func (e *Exporter) Load(ctx context.Context, limit int) ([]graph.Node, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var out []graph.Node
	for len(out) < limit {
		first := min(e.pageSize, limit-len(out))
		page, err := e.lister.ListRecipes(ctx, first, len(out))
		if err != nil {
			return nil, fmt.Errorf("list recipes at offset %d: %w", len(out), err)
		}
		out = append(out, page...)
		e.logger.Debug("recipes page loaded", zap.Int("count", len(page)), zap.Int("total", len(out)))
		if len(page) < first {
			break
		}
	}
	return out, nil
}

// Export loads recipes, splits them and writes every split to opts.OutDir.
// Existing files are replaced.
func (e *Exporter) Export(ctx context.Context, opts Options) (Summary, error) {
	if strings.TrimSpace(opts.OutDir) == "" {
		return Summary{}, fmt.Errorf("output directory is required")
	}
	if opts.Shuffles <= 0 {
		opts.Shuffles = DefaultShuffles
	}
	recipes, err := e.Load(ctx, opts.Limit)
	if err != nil {
		return Summary{}, err
	}
	if err := os.MkdirAll(opts.OutDir, 0o750); err != nil {
		return Summary{}, fmt.Errorf("create output directory: %w", err)
	}

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)) //nolint:gosec // reproducible sampling
	train, val, test := Split(recipes, rng)
	summary := Summary{Recipes: len(recipes), Splits: map[string]int{}, Lines: map[string]int{}}
	for _, part := range []struct {
		name    string
		recipes []graph.Node
	}{
		{SplitTrain, train},
		{SplitVal, val},
		{SplitTest, test},
	} {
		n, err := writeSplit(opts.OutDir, part.name, part.recipes, opts.Shuffles, rng)
		if err != nil {
			return Summary{}, err
		}
		summary.Splits[part.name] = len(part.recipes)
		summary.Lines[part.name] = n
	}
	e.logger.Info("dataset exported",
		zap.String("dir", opts.OutDir),
		zap.Int("recipes", summary.Recipes),
		zap.Int("train_lines", summary.Lines[SplitTrain]),
		zap.Int("val_lines", summary.Lines[SplitVal]),
		zap.Int("test_lines", summary.Lines[SplitTest]),
	)
	return summary, nil
}

// Split shuffles a copy of recipes and holds out 10% for test, then 20% of
// the remainder for validation. Held-out sizes round up.
func Split(recipes []graph.Node, rng *rand.Rand) (train, val, test []graph.Node) {
	shuffled := append([]graph.Node(nil), recipes...)
	rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	nTest := int(math.Ceil(float64(len(shuffled)) * testFraction))
	test, rest := shuffled[:nTest], shuffled[nTest:]
	nVal := int(math.Ceil(float64(len(rest)) * valFraction))
	val, train = rest[:nVal], rest[nVal:]
	return train, val, test
}

// Pair renders one training example for recipe with its ingredients in a
// random order. ok is false when the title is empty or the ingredient
// string is too short to be useful.
func Pair(recipe graph.Node, rng *rand.Rand) (src, tgt string, ok bool) {
	tgt = Normalize(recipe.Title)
	edges := append([]graph.Edge(nil), recipe.Ingredients...)
	rng.Shuffle(len(edges), func(i, j int) { edges[i], edges[j] = edges[j], edges[i] })

	parts := make([]string, len(edges))
	for i, e := range edges {
		parts[i] = Normalize(e.Quantity) + " " + Normalize(e.Name)
	}
	src = strings.Join(parts, separator)
	if tgt == "" || len(src) < minSourceLen {
		return "", "", false
	}
	return src, tgt, true
}

func writeSplit(dir, name string, recipes []graph.Node, shuffles int, rng *rand.Rand) (int, error) {
	src, err := os.Create(filepath.Join(dir, "src-"+name+".txt"))
	if err != nil {
		return 0, fmt.Errorf("create src-%s: %w", name, err)
	}
	defer src.Close()
	tgt, err := os.Create(filepath.Join(dir, "tgt-"+name+".txt"))
	if err != nil {
		return 0, fmt.Errorf("create tgt-%s: %w", name, err)
	}
	defer tgt.Close()

	srcW, tgtW := bufio.NewWriter(src), bufio.NewWriter(tgt)
	lines := 0
	for _, recipe := range recipes {
		for range shuffles {
			s, t, ok := Pair(recipe, rng)
			if !ok {
				continue
			}
			if _, err := srcW.WriteString(s + "\n"); err != nil {
				return 0, fmt.Errorf("write src-%s: %w", name, err)
			}
			if _, err := tgtW.WriteString(t + "\n"); err != nil {
				return 0, fmt.Errorf("write tgt-%s: %w", name, err)
			}
			lines++
		}
	}
	if err := srcW.Flush(); err != nil {
		return 0, fmt.Errorf("flush src-%s: %w", name, err)
	}
	if err := tgtW.Flush(); err != nil {
		return 0, fmt.Errorf("flush tgt-%s: %w", name, err)
	}
	if err := src.Close(); err != nil {
		return 0, fmt.Errorf("close src-%s: %w", name, err)
	}
	if err := tgt.Close(); err != nil {
		return 0, fmt.Errorf("close tgt-%s: %w", name, err)
	}
	return lines, nil
}
