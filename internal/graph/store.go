// Package graph defines the store client contract the crawl core depends on:
// schema declaration, single-field point lookups, and scoped transactions
// that accept JSON mutation payloads. Backends live in sub-packages.
package graph

import (
	"context"
	"errors"
)

// Kind is the entity type a node belongs to.
type Kind string

// Entity kinds stored in the graph.
const (
	KindRecipe     Kind = "Recipe"
	KindIngredient Kind = "Ingredient"
)

// Predicates used by the crawl.
const (
	FieldName       = "name"
	FieldRID        = "rid"
	FieldTitle      = "title"
	FieldRating     = "rating"
	FieldIngredient = "ingredient"
)

var (
	// ErrTxnFinished is returned when a committed or discarded transaction is reused.
	ErrTxnFinished = errors.New("transaction already finished")
	// ErrNotIndexed is returned when looking up a field without an index.
	ErrNotIndexed = errors.New("field is not indexed")
	// ErrUnknownKind is returned for payloads or lookups with an unsupported kind.
	ErrUnknownKind = errors.New("unknown node kind")
	// ErrDanglingEdge is returned when an edge points at a uid the store does not hold.
	ErrDanglingEdge = errors.New("edge target does not exist")
)

// Match is one lookup hit.
type Match struct {
	UID string `json:"uid"`
}

// Store is the graph store client. Implementations must be safe for
// concurrent use; the crawl core still treats the store as single-writer.
type Store interface {
	// AlterSchema declares predicates and indexes. It is idempotent.
	AlterSchema(ctx context.Context, schema Schema) error
	// LookupByField returns at most limit nodes of kind whose field equals value.
	LookupByField(ctx context.Context, kind Kind, field string, value any, limit int) ([]Match, error)
	// NewTxn opens a read-write transaction.
	NewTxn() Txn
	// Close releases the connection.
	Close() error
}

// Txn is a scoped read-write transaction. Discard must be safe to call on
// every exit path, including after a successful Commit.
type Txn interface {
	// SetJSON applies a JSON mutation and returns the uids assigned to blank
	// nodes, keyed by blank name without the "_:" prefix.
	SetJSON(ctx context.Context, payload []byte) (map[string]string, error)
	Commit(ctx context.Context) error
	Discard(ctx context.Context) error
}

// RecipeLister is implemented by stores that can page through every recipe
// with its ingredient edges (names and quantities populated).
type RecipeLister interface {
	ListRecipes(ctx context.Context, first, offset int) ([]Node, error)
}
