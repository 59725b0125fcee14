// Package memory records dead letters in process memory, for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/recipe-graph-crawler/internal/crawler"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// DeadLetters returns the recorded payloads that are dead letters, in order.
func (p *Publisher) DeadLetters() []crawler.DeadLetter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.DeadLetter
	for _, m := range p.messages {
		switch dl := m.Payload.(type) {
		case crawler.DeadLetter:
			out = append(out, dl)
		case *crawler.DeadLetter:
			out = append(out, *dl)
		}
	}
	return out
}
