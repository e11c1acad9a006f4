// Package memory keeps published artifacts in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// Publisher stores the current and previous artifact bytes.
type Publisher struct {
	mu       sync.RWMutex
	name     string
	current  []byte
	previous []byte
	count    int
	failNext error
}

// New creates an in-memory publisher; name is used in returned URIs.
func New(name string) *Publisher {
	if name == "" {
		name = "lyrics.db.br"
	}
	return &Publisher{name: name}
}

// FailNext makes the next Publish fail with err.
func (p *Publisher) FailNext(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = err
}

// Publish reads the artifact and makes it current.
func (p *Publisher) Publish(ctx context.Context, art lyrics.Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &lyrics.PublishError{Stage: "prepare", Err: err}
	}
	data, err := os.ReadFile(art.Path)
	if err != nil {
		return "", &lyrics.PublishError{Stage: "stage", Err: fmt.Errorf("read artifact: %w", err)}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		return "", &lyrics.PublishError{Stage: "swap", Err: err}
	}
	p.previous = p.current
	p.current = data
	p.count++
	return fmt.Sprintf("memory://%s", p.name), nil
}

// Current returns a copy of the published bytes and whether anything was published.
func (p *Publisher) Current() ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.current...), p.count > 0
}

// Previous returns the artifact that was current before the last publish.
func (p *Publisher) Previous() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.previous...)
}

// Count returns the number of successful publishes.
func (p *Publisher) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}
