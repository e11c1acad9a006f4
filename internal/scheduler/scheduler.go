// Package scheduler fans sources out to a bounded pool of fetch workers.
//
// A source whose registry marker equals its committed checkpoint marker is skipped
// without any network I/O. Every other source is fetched with retries for transient
// failures. When the context ends, in-flight fetches are abandoned and sources not
// yet started are reported as failed; they stay at their last checkpoint.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	"github.com/JakeFAU/lyricsdb/internal/metrics"
	"github.com/JakeFAU/lyricsdb/internal/policy/retry"
)

// Outcome classifies what happened to a source.
type Outcome string

// Outcomes.
const (
	Fetched Outcome = "fetched"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
)

// Result is the fetch outcome of one source.
type Result struct {
	Source    lyrics.Source
	Outcome   Outcome
	Documents []lyrics.RawDocument
	Attempts  int
	// Err is a *lyrics.FetchError when Outcome is Failed.
	Err error
}

// Handler is invoked from the worker goroutine as soon as a source completes.
type Handler func(ctx context.Context, r Result)

// CheckpointReader is the part of the checkpoint store the scheduler consults.
type CheckpointReader interface {
	GetCheckpoint(ctx context.Context, sourceID string) (*lyrics.Checkpoint, error)
}

// Config tunes the scheduler.
type Config struct {
	Concurrency int
}

// Scheduler runs fetches for a set of sources.
type Scheduler struct {
	cfg         Config
	fetcher     lyrics.SourceFetcher
	checkpoints CheckpointReader
	policy      *retry.Policy
	logger      *zap.Logger
}

// New builds a Scheduler.
func New(cfg Config, fetcher lyrics.SourceFetcher, checkpoints CheckpointReader, policy *retry.Policy, logger *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if policy == nil {
		policy = retry.New(retry.Config{})
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, fetcher: fetcher, checkpoints: checkpoints, policy: policy, logger: logger.Named("scheduler")}
}

// Run processes every source and returns one result per source, sorted by source
// ID regardless of completion order. handle may be nil.
func (s *Scheduler) Run(ctx context.Context, sources []lyrics.Source, handle Handler) []Result {
	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(sources))
	)
	record := func(r Result) {
		if handle != nil {
			handle(ctx, r)
		}
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			record(failed(src, 0, err))
			continue
		}
		g.Go(func() error {
			record(s.process(ctx, src))
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Source.ID < results[j].Source.ID })
	return results
}

func (s *Scheduler) process(ctx context.Context, src lyrics.Source) Result {
	if err := ctx.Err(); err != nil {
		return failed(src, 0, err)
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if s.unchanged(ctx, src) {
		s.logger.Debug("source unchanged, skipping", zap.String("source_id", src.ID), zap.String("marker", src.Marker))
		return Result{Source: src, Outcome: Skipped}
	}

	for attempt := 1; ; attempt++ {
		docs, err := s.fetcher.Fetch(ctx, src)
		if err == nil {
			return Result{Source: src, Outcome: Fetched, Documents: docs, Attempts: attempt}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failed(src, attempt, ctxErr)
		}
		if !s.policy.ShouldRetry(err, attempt) {
			s.logger.Warn("fetch failed",
				zap.String("source_id", src.ID), zap.Int("attempts", attempt), zap.Error(err))
			return failed(src, attempt, err)
		}
		s.logger.Debug("retrying fetch",
			zap.String("source_id", src.ID), zap.Int("attempt", attempt), zap.Error(err))
		if err := s.policy.Sleep(ctx, attempt); err != nil {
			return failed(src, attempt, err)
		}
	}
}

func (s *Scheduler) unchanged(ctx context.Context, src lyrics.Source) bool {
	if s.checkpoints == nil || src.Marker == "" {
		return false
	}
	cp, err := s.checkpoints.GetCheckpoint(ctx, src.ID)
	if err != nil {
		s.logger.Warn("checkpoint lookup failed, fetching anyway", zap.String("source_id", src.ID), zap.Error(err))
		return false
	}
	return cp != nil && cp.Marker == src.Marker
}

// failed normalizes err into a *lyrics.FetchError carrying the attempt count.
func failed(src lyrics.Source, attempts int, err error) Result {
	var fe *lyrics.FetchError
	if errors.As(err, &fe) {
		cp := *fe
		cp.SourceID = src.ID
		cp.Attempts = attempts
		return Result{Source: src, Outcome: Failed, Attempts: attempts, Err: &cp}
	}
	return Result{
		Source:   src,
		Outcome:  Failed,
		Attempts: attempts,
		Err: &lyrics.FetchError{
			SourceID:  src.ID,
			Transient: retry.Transient(err),
			Attempts:  attempts,
			Err:       fmt.Errorf("fetch abandoned: %w", err),
		},
	}
}
