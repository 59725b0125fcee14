// Package memory provides the in-process crawl frontier.
package memory

import (
	"sync"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
)

// Stack is an unbounded LIFO frontier. The most recently pushed ref is
// popped first, so a requeued ref is retried before anything else.
type Stack struct {
	mu    sync.Mutex
	items []crawler.RecipeRef
}

// NewStack constructs a stack preloaded with refs; the last ref pops first.
func NewStack(refs ...crawler.RecipeRef) *Stack {
	return &Stack{items: append([]crawler.RecipeRef(nil), refs...)}
}

// Push adds ref on top.
func (s *Stack) Push(ref crawler.RecipeRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, ref)
}

// Pop removes the top ref or returns crawler.ErrQueueEmpty.
func (s *Stack) Pop() (crawler.RecipeRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.items)
	if n == 0 {
		return crawler.RecipeRef{}, crawler.ErrQueueEmpty
	}
	ref := s.items[n-1]
	s.items[n-1] = crawler.RecipeRef{}
	s.items = s.items[:n-1]
	return ref, nil
}

// Len reports the number of queued refs.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
