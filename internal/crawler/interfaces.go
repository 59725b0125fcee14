package crawler

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrQueueEmpty is returned when popping from an exhausted work queue.
var ErrQueueEmpty = errors.New("work queue is empty")

// Fetcher retrieves a recipe page over plain HTTP GET.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// Extractor turns a fetched page into a RecipeRecord plus the recipe links
// found on it. Implementations must not touch the store.
type Extractor interface {
	Extract(page Page, ref RecipeRef) (RecipeRecord, error)
}

// WorkQueue is the crawl frontier. Pop returns the most recently pushed ref.
type WorkQueue interface {
	Push(ref RecipeRef)
	Pop() (RecipeRef, error)
	Len() int
}

// RetryPolicy decides whether and when a failed item is retried.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Publisher pushes dead-letter events to Pub/Sub, Redis, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw page artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests for archive keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time and pauses the caller (useful for testing).
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// IDGenerator produces opaque unique identifiers (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
