// Package memory provides a fixed source registry for tests and file-driven runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// Registry returns a configurable list of sources.
type Registry struct {
	mu      sync.Mutex
	sources []lyrics.Source
	err     error
}

// New creates a Registry holding sources.
func New(sources ...lyrics.Source) *Registry {
	r := &Registry{}
	r.Set(sources...)
	return r
}

// Set replaces the listed sources.
func (r *Registry) Set(sources ...lyrics.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources = append([]lyrics.Source(nil), sources...)
}

// Fail makes subsequent listings fail with err; nil clears it.
func (r *Registry) Fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// ListSources implements lyrics.SourceRegistry.
func (r *Registry) ListSources(_ context.Context) ([]lyrics.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, &lyrics.EnumerationError{Err: r.err}
	}
	out := append([]lyrics.Source(nil), r.sources...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
