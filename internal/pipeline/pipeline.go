// Package pipeline implements RunOnce, the single entry point of a crawl-and-compile
// run. Scheduled and manual triggers both call it.
//
// A run enumerates sources, fetches changed ones under a deadline, parses and merges
// their documents, applies the merge decisions to the store, advances checkpoints
// for sources whose writes are durable, and finally exports and publishes a
// snapshot. Only enumeration, export and publish failures abort a run; per-source
// failures are collected in the RunReport.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	"github.com/JakeFAU/lyricsdb/internal/merge"
	"github.com/JakeFAU/lyricsdb/internal/metrics"
	"github.com/JakeFAU/lyricsdb/internal/policy/retry"
	"github.com/JakeFAU/lyricsdb/internal/scheduler"
)

// DefaultEvent is the notification event announcing a published snapshot.
const DefaultEvent = "snapshot.published"

// ErrRunInProgress is returned when RunOnce is called while another run is active.
var ErrRunInProgress = errors.New("pipeline: a run is already in progress")

// Config tunes a run.
type Config struct {
	Concurrency int
	// Deadline bounds the fetch stage; zero means no deadline.
	Deadline time.Duration
	Retry    retry.Config
	// Event names the notification sent after publishing.
	Event string
	// TextDedup skips new tracks whose lyric text is already stored under
	// another identity.
	TextDedup bool
}

// Deps are the collaborators of a run. Notifier and RunLog are optional.
type Deps struct {
	Registry    lyrics.SourceRegistry
	Ledger      lyrics.SourceLedger
	Checkpoints lyrics.CheckpointStore
	Tracks      lyrics.TrackStore
	Fetcher     lyrics.SourceFetcher
	Parser      lyrics.Parser
	Exporter    lyrics.SnapshotExporter
	Publisher   lyrics.ArtifactPublisher
	Notifier    lyrics.Notifier
	RunLog      lyrics.RunLog
	IDs         lyrics.IDGenerator
	Clock       lyrics.Clock
	Logger      *zap.Logger
}

// Pipeline runs the crawl-and-compile engine.
type Pipeline struct {
	cfg       Config
	deps      Deps
	scheduler *scheduler.Scheduler
	tracer    trace.Tracer
	logger    *zap.Logger
	running   sync.Mutex
	active    atomic.Bool
}

// New validates deps and builds a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("pipeline: registry is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("pipeline: source ledger is required")
	case deps.Checkpoints == nil:
		return nil, fmt.Errorf("pipeline: checkpoint store is required")
	case deps.Tracks == nil:
		return nil, fmt.Errorf("pipeline: track store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("pipeline: fetcher is required")
	case deps.Parser == nil:
		return nil, fmt.Errorf("pipeline: parser is required")
	case deps.Exporter == nil:
		return nil, fmt.Errorf("pipeline: snapshot exporter is required")
	case deps.Publisher == nil:
		return nil, fmt.Errorf("pipeline: publisher is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("pipeline: id generator is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("pipeline: clock is required")
	}
	if cfg.Event == "" {
		cfg.Event = DefaultEvent
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sched := scheduler.New(
		scheduler.Config{Concurrency: cfg.Concurrency},
		deps.Fetcher,
		deps.Checkpoints,
		retry.New(cfg.Retry),
		logger,
	)
	return &Pipeline{
		cfg:       cfg,
		deps:      deps,
		scheduler: sched,
		tracer:    otel.Tracer("github.com/JakeFAU/lyricsdb/internal/pipeline"),
		logger:    logger.Named("pipeline"),
	}, nil
}

// run holds the mutable state of one RunOnce call.
type run struct {
	report lyrics.RunReport
	engine *merge.Engine

	mu        sync.Mutex
	parseErrs map[string][]error
}

// RunOnce executes one complete run. The returned error is the run-fatal error, if
// any; per-source failures only show up in the report. A run in which every source
// failed returns a nil error with status anomaly.
func (p *Pipeline) RunOnce(ctx context.Context) (lyrics.RunReport, error) {
	if !p.running.TryLock() {
		return lyrics.RunReport{}, ErrRunInProgress
	}
	defer p.running.Unlock()
	p.active.Store(true)
	defer p.active.Store(false)

	runID, err := p.deps.IDs.NewID()
	if err != nil {
		return lyrics.RunReport{}, fmt.Errorf("generate run id: %w", err)
	}
	r := &run{
		report:    lyrics.RunReport{RunID: runID, StartedAt: p.deps.Clock.Now(), Status: lyrics.RunRunning},
		engine:    merge.NewEngine(merge.Options{TextDedup: p.cfg.TextDedup}, p.logger),
		parseErrs: make(map[string][]error),
	}
	ctx, span := p.tracer.Start(ctx, "RunOnce", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()

	logger := p.logger.With(zap.String("run_id", runID))
	logger.Info("run started")
	p.saveRun(ctx, r.report, logger)

	runErr := p.execute(ctx, r, logger)
	return p.finish(ctx, r, runErr, span, logger)
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool {
	return p.active.Load()
}

func (p *Pipeline) execute(ctx context.Context, r *run, logger *zap.Logger) error {
	sources, err := p.deps.Registry.ListSources(ctx)
	if err != nil {
		var ee *lyrics.EnumerationError
		if !errors.As(err, &ee) {
			err = &lyrics.EnumerationError{Err: err}
		}
		return err
	}
	r.report.SourcesTotal = len(sources)

	stale, err := p.deps.Ledger.RecordSources(ctx, r.report.RunID, sources)
	if err != nil {
		return fmt.Errorf("record sources: %w", err)
	}
	r.report.Stale = stale
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
	}
	r.engine.SetSources(ids)
	logger.Info("sources enumerated", zap.Int("sources", len(sources)), zap.Int("stale", stale))

	results := p.fetch(ctx, r, sources)
	if err := ctx.Err(); err != nil {
		return err
	}

	resolution, applied, err := p.write(ctx, r)
	if err != nil {
		return err
	}
	p.settle(ctx, r, results, resolution, applied, logger)

	return p.publish(ctx, r, logger)
}

// fetch runs the scheduler under the fetch deadline, parsing and offering each
// source's documents from the worker that fetched them.
func (p *Pipeline) fetch(ctx context.Context, r *run, sources []lyrics.Source) []scheduler.Result {
	ctx, span := p.tracer.Start(ctx, "fetch")
	defer span.End()

	fetchCtx := ctx
	if p.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, p.cfg.Deadline)
		defer cancel()
	}
	return p.scheduler.Run(fetchCtx, sources, func(_ context.Context, res scheduler.Result) {
		if res.Outcome != scheduler.Fetched {
			return
		}
		clean := true
		for _, doc := range res.Documents {
			rec, err := p.deps.Parser.Parse(doc)
			if err != nil {
				clean = false
				r.mu.Lock()
				r.parseErrs[res.Source.ID] = append(r.parseErrs[res.Source.ID], err)
				r.mu.Unlock()
				continue
			}
			r.engine.Offer(rec)
		}
		if clean {
			r.engine.Refresh(res.Source.ID)
		}
	})
}

// write resolves the merge decisions and applies them.
func (p *Pipeline) write(ctx context.Context, r *run) (merge.Resolution, lyrics.ApplyResult, error) {
	ctx, span := p.tracer.Start(ctx, "write")
	defer span.End()

	resolution, err := r.engine.Resolve(ctx, p.deps.Tracks)
	if err != nil {
		return merge.Resolution{}, lyrics.ApplyResult{}, err
	}
	applied, err := p.deps.Tracks.Apply(ctx, resolution.Decisions)
	if err != nil {
		return merge.Resolution{}, lyrics.ApplyResult{}, err
	}
	r.report.Inserted = applied.Inserted
	r.report.Updated = applied.Updated
	r.report.Unchanged = applied.Unchanged
	span.SetAttributes(
		attribute.Int("tracks.inserted", applied.Inserted),
		attribute.Int("tracks.updated", applied.Updated),
		attribute.Int("tracks.unchanged", applied.Unchanged),
	)
	return resolution, applied, nil
}

// settle classifies every source and, for those whose records are all durable,
// stores their claims and then advances their checkpoints.
func (p *Pipeline) settle(
	ctx context.Context,
	r *run,
	results []scheduler.Result,
	resolution merge.Resolution,
	applied lyrics.ApplyResult,
	logger *zap.Logger,
) {
	ctx, span := p.tracer.Start(ctx, "checkpoint")
	defer span.End()

	blocked := make(map[string]error)
	for _, we := range applied.Failed {
		for _, id := range we.Identities {
			blocked[id] = we
		}
	}
	for id, err := range resolution.Errors {
		blocked[id] = fmt.Errorf("read stored track %q: %w", id, err)
	}

	for _, res := range results {
		id := res.Source.ID
		switch res.Outcome {
		case scheduler.Skipped:
			r.report.Skipped++
			metrics.ObserveSource(string(lyrics.SourceSkipped))
			p.markSource(ctx, id, lyrics.SourceSkipped, nil, logger)
			continue
		case scheduler.Failed:
			p.fail(ctx, r, id, lyrics.StageFetch, res.Err, logger)
			continue
		}

		if errs := r.parseErrs[id]; len(errs) > 0 {
			r.report.Rejected += len(errs)
			for _, err := range errs {
				r.report.AddFailure(id, lyrics.StageParse, err)
				logger.Warn("document rejected",
					zap.String("source_id", id), zap.String("stage", lyrics.StageParse), zap.Error(err))
			}
			r.report.Failed++
			metrics.ObserveSource(string(lyrics.SourceFailed))
			p.markSource(ctx, id, lyrics.SourceFailed, errs[0], logger)
			continue
		}

		if err := resolution.SourceErrors[id]; err != nil {
			p.fail(ctx, r, id, lyrics.StageWrite, fmt.Errorf("read earlier claims: %w", err), logger)
			continue
		}
		if err := durable(resolution.Identities[id], resolution.Earlier[id], applied.Committed, blocked); err != nil {
			p.fail(ctx, r, id, lyrics.StageWrite, err, logger)
			continue
		}
		if err := p.deps.Tracks.ReplaceClaims(ctx, id, resolution.Claims[id]); err != nil {
			p.fail(ctx, r, id, lyrics.StageWrite, err, logger)
			continue
		}
		if err := p.deps.Checkpoints.CommitCheckpoint(ctx, id, res.Source.Marker, resolution.Fingerprints[id]); err != nil {
			p.fail(ctx, r, id, lyrics.StageCheckpoint, err, logger)
			continue
		}
		r.report.Succeeded++
		metrics.ObserveSource(string(lyrics.SourceSucceeded))
		p.markSource(ctx, id, lyrics.SourceSucceeded, nil, logger)
	}
}

func (p *Pipeline) fail(ctx context.Context, r *run, sourceID, stage string, err error, logger *zap.Logger) {
	r.report.Failed++
	r.report.AddFailure(sourceID, stage, err)
	metrics.ObserveSource(string(lyrics.SourceFailed))
	logger.Warn("source failed", zap.String("source_id", sourceID), zap.String("stage", stage), zap.Error(err))
	p.markSource(ctx, sourceID, lyrics.SourceFailed, err, logger)
}

func (p *Pipeline) markSource(ctx context.Context, sourceID string, status lyrics.SourceStatus, cause error, logger *zap.Logger) {
	errText := ""
	if cause != nil {
		errText = cause.Error()
	}
	if err := p.deps.Ledger.UpdateSourceStatus(ctx, sourceID, status, errText); err != nil {
		logger.Warn("update source status failed", zap.String("source_id", sourceID), zap.Error(err))
	}
}

// durable reports why a source's identities are not all committed, or nil. An
// identity the source claimed before only has to have been resolved cleanly.
func durable(identities, earlier []string, committed map[string]struct{}, blocked map[string]error) error {
	for _, id := range earlier {
		if err, ok := blocked[id]; ok {
			return err
		}
	}
	for _, id := range identities {
		if err, ok := blocked[id]; ok {
			return err
		}
		if _, ok := committed[id]; !ok {
			return fmt.Errorf("track %q was not committed", id)
		}
	}
	return nil
}

// publish exports a snapshot, swaps it into place and announces it.
func (p *Pipeline) publish(ctx context.Context, r *run, logger *zap.Logger) error {
	ctx, span := p.tracer.Start(ctx, "publish")
	defer span.End()

	art, err := p.deps.Exporter.Export(ctx)
	if err != nil {
		return &lyrics.PublishError{Stage: "export", Err: err}
	}
	uri, err := p.deps.Publisher.Publish(ctx, art)
	if err != nil {
		var pe *lyrics.PublishError
		if !errors.As(err, &pe) {
			err = &lyrics.PublishError{Stage: "publish", Err: err}
		}
		return err
	}
	r.report.ArtifactURI = uri
	r.report.ArtifactSHA256 = art.SHA256
	span.SetAttributes(attribute.String("artifact.uri", uri), attribute.Int64("artifact.bytes", art.Size))

	if p.deps.Notifier != nil {
		payload := map[string]any{
			"run_id":      r.report.RunID,
			"uri":         uri,
			"sha256":      art.SHA256,
			"size":        art.Size,
			"raw_size":    art.RawSize,
			"track_count": art.TrackCount,
			"created_at":  art.CreatedAt.Format(time.RFC3339),
		}
		if _, err := p.deps.Notifier.Publish(ctx, p.cfg.Event, payload); err != nil {
			logger.Warn("snapshot notification failed", zap.Error(err))
		}
	}
	return nil
}

func (p *Pipeline) finish(
	ctx context.Context,
	r *run,
	runErr error,
	span trace.Span,
	logger *zap.Logger,
) (lyrics.RunReport, error) {
	r.report.Finalize(p.deps.Clock.Now(), runErr)
	duration := r.report.FinishedAt.Sub(r.report.StartedAt)
	metrics.ObserveRun(string(r.report.Status), duration)

	span.SetAttributes(
		attribute.String("run.status", string(r.report.Status)),
		attribute.Int("sources.succeeded", r.report.Succeeded),
		attribute.Int("sources.skipped", r.report.Skipped),
		attribute.Int("sources.failed", r.report.Failed),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	// The run log must record terminal state even when ctx was canceled.
	p.saveRun(context.WithoutCancel(ctx), r.report, logger)

	fields := []zap.Field{
		zap.String("status", string(r.report.Status)),
		zap.Duration("duration", duration),
		zap.Int("sources", r.report.SourcesTotal),
		zap.Int("succeeded", r.report.Succeeded),
		zap.Int("skipped", r.report.Skipped),
		zap.Int("failed", r.report.Failed),
		zap.Int("inserted", r.report.Inserted),
		zap.Int("updated", r.report.Updated),
		zap.Int("unchanged", r.report.Unchanged),
	}
	switch r.report.Status {
	case lyrics.RunSucceeded:
		logger.Info("run finished", fields...)
	case lyrics.RunAnomaly:
		logger.Warn("run finished: every source failed", fields...)
	default:
		logger.Error("run aborted", append(fields, zap.Error(runErr))...)
	}
	return r.report, runErr
}

func (p *Pipeline) saveRun(ctx context.Context, report lyrics.RunReport, logger *zap.Logger) {
	if p.deps.RunLog == nil {
		return
	}
	if err := p.deps.RunLog.SaveRun(ctx, report); err != nil {
		logger.Warn("save run report failed", zap.Error(err))
	}
}
