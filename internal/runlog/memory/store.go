// Package memory keeps run reports in process memory.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// Store implements lyrics.RunLog in memory.
type Store struct {
	mu   sync.RWMutex
	runs map[string]lyrics.RunReport
}

// New returns an empty Store.
func New() *Store {
	return &Store{runs: make(map[string]lyrics.RunReport)}
}

// SaveRun inserts or replaces a report.
func (s *Store) SaveRun(_ context.Context, report lyrics.RunReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	report.Failures = append([]lyrics.SourceFailure(nil), report.Failures...)
	s.runs[report.RunID] = report
	return nil
}

// GetRun returns the report for runID.
func (s *Store) GetRun(_ context.Context, runID string) (lyrics.RunReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return lyrics.RunReport{}, lyrics.ErrNotFound
	}
	return r, nil
}

// ListRuns returns up to limit reports, newest first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]lyrics.RunReport, error) {
	s.mu.RLock()
	out := make([]lyrics.RunReport, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
