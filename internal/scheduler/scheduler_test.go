package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	"github.com/JakeFAU/lyricsdb/internal/policy/retry"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(ctx context.Context, src lyrics.Source, call int) ([]lyrics.RawDocument, error)
}

func (f *fakeFetcher) Fetch(ctx context.Context, src lyrics.Source) ([]lyrics.RawDocument, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[src.ID]++
	call := f.calls[src.ID]
	f.mu.Unlock()
	return f.fn(ctx, src, call)
}

func (f *fakeFetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type checkpoints map[string]*lyrics.Checkpoint

func (c checkpoints) GetCheckpoint(_ context.Context, id string) (*lyrics.Checkpoint, error) {
	return c[id], nil
}

func okDoc(_ context.Context, src lyrics.Source, _ int) ([]lyrics.RawDocument, error) {
	return []lyrics.RawDocument{{SourceID: src.ID, Path: "a.lrc"}}, nil
}

func fastPolicy(retries int) *retry.Policy {
	return retry.New(retry.Config{MaxRetries: retries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
}

func TestRunSortsResultsByID(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: okDoc}
	s := New(Config{Concurrency: 3}, f, nil, fastPolicy(0), nil)

	sources := []lyrics.Source{{ID: "c/c"}, {ID: "a/a"}, {ID: "b/b"}, {ID: "d/d"}}
	results := s.Run(context.Background(), sources, nil)

	require.Len(t, results, 4)
	for i, want := range []string{"a/a", "b/b", "c/c", "d/d"} {
		assert.Equal(t, want, results[i].Source.ID)
		assert.Equal(t, Fetched, results[i].Outcome)
		assert.Len(t, results[i].Documents, 1)
		assert.Equal(t, 1, results[i].Attempts)
	}
}

func TestRunSkipsUnchangedMarker(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: okDoc}
	cps := checkpoints{
		"a/a": {SourceID: "a/a", Marker: "m1"},
		"b/b": {SourceID: "b/b", Marker: "old"},
		"c/c": {SourceID: "c/c", Marker: ""},
	}
	s := New(Config{Concurrency: 2}, f, cps, fastPolicy(0), nil)

	results := s.Run(context.Background(), []lyrics.Source{
		{ID: "a/a", Marker: "m1"},
		{ID: "b/b", Marker: "new"},
		{ID: "c/c", Marker: ""},
	}, nil)

	require.Len(t, results, 3)
	assert.Equal(t, Skipped, results[0].Outcome)
	assert.Zero(t, f.count("a/a"))
	assert.Equal(t, Fetched, results[1].Outcome)
	// An empty marker never counts as unchanged.
	assert.Equal(t, Fetched, results[2].Outcome)
	assert.Equal(t, 1, f.count("c/c"))
}

func TestRunRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: func(ctx context.Context, src lyrics.Source, call int) ([]lyrics.RawDocument, error) {
		if call < 3 {
			return nil, &lyrics.FetchError{SourceID: src.ID, Status: 503, Transient: true, Err: errors.New("unavailable")}
		}
		return okDoc(ctx, src, call)
	}}
	s := New(Config{Concurrency: 1}, f, nil, fastPolicy(3), nil)

	results := s.Run(context.Background(), []lyrics.Source{{ID: "a/a"}}, nil)
	require.Len(t, results, 1)
	assert.Equal(t, Fetched, results[0].Outcome)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestRunStopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: func(_ context.Context, src lyrics.Source, _ int) ([]lyrics.RawDocument, error) {
		if src.ID == "bad/bad" {
			return nil, &lyrics.FetchError{SourceID: src.ID, Status: 404, Err: errors.New("not found")}
		}
		return []lyrics.RawDocument{{SourceID: src.ID}}, nil
	}}
	s := New(Config{Concurrency: 2}, f, nil, fastPolicy(3), nil)

	results := s.Run(context.Background(), []lyrics.Source{{ID: "bad/bad"}, {ID: "good/good"}}, nil)
	require.Len(t, results, 2)

	assert.Equal(t, Failed, results[0].Outcome)
	assert.Equal(t, 1, f.count("bad/bad"))
	var fe *lyrics.FetchError
	require.ErrorAs(t, results[0].Err, &fe)
	assert.Equal(t, 404, fe.Status)
	assert.Equal(t, 1, fe.Attempts)

	assert.Equal(t, Fetched, results[1].Outcome)
}

func TestRunExhaustsRetries(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: func(_ context.Context, src lyrics.Source, _ int) ([]lyrics.RawDocument, error) {
		return nil, &lyrics.FetchError{SourceID: src.ID, Status: 500, Transient: true, Err: errors.New("boom")}
	}}
	s := New(Config{Concurrency: 1}, f, nil, fastPolicy(2), nil)

	results := s.Run(context.Background(), []lyrics.Source{{ID: "a/a"}}, nil)
	require.Len(t, results, 1)
	assert.Equal(t, Failed, results[0].Outcome)
	assert.Equal(t, 3, f.count("a/a"))
	assert.Equal(t, 3, results[0].Attempts)
}

func TestRunBoundsConcurrency(t *testing.T) {
	t.Parallel()

	var inFlight, peak atomic.Int32
	f := &fakeFetcher{fn: func(ctx context.Context, src lyrics.Source, call int) ([]lyrics.RawDocument, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return okDoc(ctx, src, call)
	}}
	s := New(Config{Concurrency: 2}, f, nil, fastPolicy(0), nil)

	var sources []lyrics.Source
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		sources = append(sources, lyrics.Source{ID: id + "/x"})
	}
	results := s.Run(context.Background(), sources, nil)
	require.Len(t, results, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRunDeadlineFailsRemainingSources(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: func(ctx context.Context, _ lyrics.Source, _ int) ([]lyrics.RawDocument, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	s := New(Config{Concurrency: 1}, f, nil, fastPolicy(0), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	results := s.Run(ctx, []lyrics.Source{{ID: "a/a"}, {ID: "b/b"}, {ID: "c/c"}}, nil)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, Failed, r.Outcome, r.Source.ID)
		assert.ErrorIs(t, r.Err, context.DeadlineExceeded, r.Source.ID)
		var fe *lyrics.FetchError
		require.ErrorAs(t, r.Err, &fe)
		assert.Equal(t, r.Source.ID, fe.SourceID)
	}
	assert.Equal(t, 1, f.count("a/a"))
}

func TestRunInvokesHandlerForEverySource(t *testing.T) {
	t.Parallel()

	f := &fakeFetcher{fn: okDoc}
	cps := checkpoints{"a/a": {Marker: "m"}}
	s := New(Config{Concurrency: 4}, f, cps, fastPolicy(0), nil)

	var mu sync.Mutex
	seen := map[string]Outcome{}
	s.Run(context.Background(), []lyrics.Source{{ID: "a/a", Marker: "m"}, {ID: "b/b", Marker: "m"}}, func(_ context.Context, r Result) {
		mu.Lock()
		seen[r.Source.ID] = r.Outcome
		mu.Unlock()
	})

	assert.Equal(t, map[string]Outcome{"a/a": Skipped, "b/b": Fetched}, seen)
}
