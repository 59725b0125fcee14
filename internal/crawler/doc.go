// Package crawler holds the domain types of the recipe crawl (refs, extracted
// records, pages, dead letters), the collaborator interfaces the controller
// is built from, and the retry policy used between failed attempts.
package crawler
