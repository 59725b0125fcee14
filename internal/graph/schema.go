package graph

import (
	"fmt"
	"strings"
)

// Predicate declares one schema field.
type Predicate struct {
	Name   string
	Type   string // string, int, [uid]
	Index  string // exact, int, or empty
	Facets bool   // edge carries facets
}

// TypeDef groups predicates under a kind.
type TypeDef struct {
	Kind   Kind
	Fields []string
}

// Schema is the store-agnostic schema declaration.
type Schema struct {
	Predicates []Predicate
	Types      []TypeDef
}

// DefaultSchema is the schema the crawl needs: an exact index on ingredient
// names, an int index on recipe ids, and ordered ingredient edges.
func DefaultSchema() Schema {
	return Schema{
		Predicates: []Predicate{
			{Name: FieldTitle, Type: "string", Index: "exact"},
			{Name: FieldRID, Type: "int", Index: "int"},
			{Name: FieldRating, Type: "string"},
			{Name: FieldIngredient, Type: "[uid]", Facets: true},
			{Name: FieldName, Type: "string", Index: "exact"},
		},
		Types: []TypeDef{
			{Kind: KindRecipe, Fields: []string{FieldTitle, FieldRID, FieldRating, FieldIngredient}},
			{Kind: KindIngredient, Fields: []string{FieldName}},
		},
	}
}

// Indexed reports whether the named predicate carries an index.
func (s Schema) Indexed(field string) bool {
	for _, p := range s.Predicates {
		if p.Name == field {
			return p.Index != ""
		}
	}
	return false
}

// Predicate returns the declaration for field.
func (s Schema) Predicate(field string) (Predicate, bool) {
	for _, p := range s.Predicates {
		if p.Name == field {
			return p, true
		}
	}
	return Predicate{}, false
}

// String renders the schema in Dgraph schema language.
func (s Schema) String() string {
	var b strings.Builder
	for _, p := range s.Predicates {
		fmt.Fprintf(&b, "%s: %s", p.Name, p.Type)
		if p.Index != "" {
			fmt.Fprintf(&b, " @index(%s)", p.Index)
		}
		b.WriteString(" .\n")
	}
	for _, t := range s.Types {
		fmt.Fprintf(&b, "type %s {\n", t.Kind)
		for _, f := range t.Fields {
			fmt.Fprintf(&b, "  %s\n", f)
		}
		b.WriteString("}\n")
	}
	return b.String()
}
