// Package ingest projects extracted recipes into the graph store.
//
// A Resolver maps ingredient names to store uids through a write-through
// cache, a point lookup, and finally a create. An Ingestor resolves every
// ingredient line of a record concurrently and commits the recipe with its
// quantity-annotated edges in one transaction.
package ingest
