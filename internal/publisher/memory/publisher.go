// Package memory records published scrape events in-process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/crawler"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	fail     error
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

// FailWith makes subsequent publishes return err; nil restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
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

// Events returns the scrape events published to topic, skipping other
// payload types.
func (p *Publisher) Events(topic string) []crawler.ScrapeEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []crawler.ScrapeEvent
	for _, m := range p.messages {
		if m.Topic != topic {
			continue
		}
		if ev, ok := m.Payload.(crawler.ScrapeEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}
