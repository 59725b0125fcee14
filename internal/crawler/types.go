// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// RecipeRef points at a recipe page, either a seed or a link found on a page.
type RecipeRef struct {
	Name string `json:"name" mapstructure:"name"`
	RID  int64  `json:"rid" mapstructure:"rid"`
}

// URL builds the page address for the ref under the given recipe base URL,
// e.g. https://www.marmiton.org/recettes/recette_<name>_<rid>.aspx.
func (r RecipeRef) URL(baseURL string) string {
	return fmt.Sprintf("%s%s_%d.aspx", baseURL, r.Name, r.RID)
}

// String renders the ref for logs.
func (r RecipeRef) String() string {
	return fmt.Sprintf("%s(%d)", r.Name, r.RID)
}

// Validate rejects refs that cannot be fetched.
func (r RecipeRef) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("recipe ref name is required")
	}
	if r.RID <= 0 {
		return fmt.Errorf("recipe ref %q: rid must be > 0", r.Name)
	}
	return nil
}

// IngredientLine pairs a free-text quantity with an ingredient name as they
// appeared on the page. Quantities are never parsed.
type IngredientLine struct {
	Quantity   string `json:"quantity"`
	Ingredient string `json:"ingredient"`
}

// RecipeRecord is the fully extracted page. It is consumed by the ingestor
// and only ever persisted as a projection into the graph store.
type RecipeRecord struct {
	RID          int64            `json:"rid"`
	Title        string           `json:"title"`
	Ingredients  []IngredientLine `json:"ingredients"`
	Steps        []string         `json:"steps"`
	Rating       string           `json:"rating"`
	OtherRecipes []RecipeRef      `json:"other_recipes"`
}

// Page is a fetched recipe page.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// DeadLetter is published for an item that exhausted its retry budget.
type DeadLetter struct {
	Ref       RecipeRef `json:"ref"`
	URL       string    `json:"url"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
	RunID     string    `json:"run_id,omitempty"`
}
