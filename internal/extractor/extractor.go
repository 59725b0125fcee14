// Package extractor turns fetched marmiton recipe pages into RecipeRecords.
package extractor

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
)

// ErrMalformedPage is returned for pages that do not look like a recipe.
var ErrMalformedPage = errors.New("malformed recipe page")

const (
	selTitle          = ".main-title"
	selIngredientItem = ".recipe-ingredients__list > .recipe-ingredients__list__item"
	selQuantity       = ".recipe-ingredient-qt"
	selIngredientName = ".ingredient"
	selStep           = ".recipe-preparation__list__item"
	selRating         = ".recipe-infos-users__rating"
)

// Marmiton extracts recipe fields with goquery selectors.
type Marmiton struct {
	baseURL string
}

// NewMarmiton builds an extractor recognising recipe links under baseURL,
// e.g. https://www.marmiton.org/recettes/recette_.
func NewMarmiton(baseURL string) *Marmiton {
	return &Marmiton{baseURL: baseURL}
}

// Extract parses page. The record's RID is taken from ref.
func (m *Marmiton) Extract(page crawler.Page, ref crawler.RecipeRef) (crawler.RecipeRecord, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page.Body))
	if err != nil {
		return crawler.RecipeRecord{}, fmt.Errorf("parse %s: %w", ref, err)
	}
	title := clean(doc.Find(selTitle).First().Text())
	if title == "" {
		return crawler.RecipeRecord{}, fmt.Errorf("%s has no title: %w", ref, ErrMalformedPage)
	}

	rec := crawler.RecipeRecord{
		RID:    ref.RID,
		Title:  title,
		Rating: clean(doc.Find(selRating).First().Text()),
	}
	doc.Find(selIngredientItem).Each(func(_ int, s *goquery.Selection) {
		name := clean(s.Find(selIngredientName).Text())
		if name == "" {
			return
		}
		rec.Ingredients = append(rec.Ingredients, crawler.IngredientLine{
			Quantity:   clean(s.Find(selQuantity).Text()),
			Ingredient: name,
		})
	})
	doc.Find(selStep).Each(func(_ int, s *goquery.Selection) {
		if step := clean(s.Text()); step != "" {
			rec.Steps = append(rec.Steps, step)
		}
	})
	rec.OtherRecipes = m.links(doc, page.URL, ref.RID)
	return rec, nil
}

func (m *Marmiton) links(doc *goquery.Document, pageURL string, self int64) []crawler.RecipeRef {
	base, _ := url.Parse(pageURL)
	seen := map[int64]bool{self: true}
	var out []crawler.RecipeRef
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if base != nil {
			if u, err := base.Parse(href); err == nil {
				href = u.String()
			}
		}
		ref, ok := ParseRecipeLink(m.baseURL, href)
		if !ok || seen[ref.RID] {
			return
		}
		seen[ref.RID] = true
		out = append(out, ref)
	})
	return out
}

// ParseRecipeLink parses "<baseURL><name>_<rid>.aspx" into a RecipeRef.
// Query strings and fragments are ignored.
func ParseRecipeLink(baseURL, href string) (crawler.RecipeRef, bool) {
	rest, ok := strings.CutPrefix(href, baseURL)
	if !ok {
		return crawler.RecipeRef{}, false
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.TrimSuffix(rest, ".aspx")
	sep := strings.LastIndexByte(rest, '_')
	if sep <= 0 {
		return crawler.RecipeRef{}, false
	}
	rid, err := strconv.ParseInt(rest[sep+1:], 10, 64)
	if err != nil || rid <= 0 {
		return crawler.RecipeRef{}, false
	}
	return crawler.RecipeRef{Name: rest[:sep], RID: rid}, true
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
