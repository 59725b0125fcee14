// Package storage archives fetched recipe pages through a crawler.BlobStore.
// Backends live in the memory, local and gcs subpackages.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
)

// DefaultPrefix is the object prefix used when none is configured.
const DefaultPrefix = "pages"

const htmlContentType = "text/html; charset=utf-8"

// Archiver writes raw page bodies to <prefix>/<rid>/<digest>.html, so a page
// refetched unchanged lands on the same object.
type Archiver struct {
	store  crawler.BlobStore
	hasher crawler.Hasher
	prefix string
}

// NewArchiver builds an archiver. An empty prefix falls back to DefaultPrefix.
func NewArchiver(store crawler.BlobStore, hasher crawler.Hasher, prefix string) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Archiver{store: store, hasher: hasher, prefix: prefix}, nil
}

// Archive stores page.Body for the recipe rid and returns the object URI.
func (a *Archiver) Archive(ctx context.Context, rid int64, page crawler.Page) (string, error) {
	digest, err := a.hasher.Hash(page.Body)
	if err != nil {
		return "", fmt.Errorf("hash page %d: %w", rid, err)
	}
	key := ObjectKey(a.prefix, rid, digest)
	uri, err := a.store.PutObject(ctx, key, htmlContentType, bytes.NewReader(page.Body))
	if err != nil {
		return "", fmt.Errorf("archive page %d: %w", rid, err)
	}
	return uri, nil
}

// ObjectKey builds the archive path for a page digest.
func ObjectKey(prefix string, rid int64, digest string) string {
	return path.Join(prefix, strconv.FormatInt(rid, 10), digest+".html")
}
