package merge

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

func record(identity, source, fp string, synced bool, lines int) lyrics.LyricRecord {
	rec := lyrics.LyricRecord{Identity: identity, SourceID: source, Fingerprint: fp, Synced: synced}
	for i := 0; i < lines; i++ {
		rec.Lines = append(rec.Lines, lyrics.Line{TimeCs: int64(i * 100), Text: fmt.Sprintf("line %d", i)})
	}
	return rec
}

func stored(rec lyrics.LyricRecord) *lyrics.StoredTrack {
	return &lyrics.StoredTrack{
		Identity:    rec.Identity,
		Synced:      rec.Synced,
		LineCount:   rec.ContentLines(),
		Fingerprint: rec.Fingerprint,
		SourceID:    rec.SourceID,
	}
}

type fakeStore struct {
	tracks      map[string]*lyrics.StoredTrack
	claims      []lyrics.LyricRecord
	text        map[string]string
	trackErrs   map[string]error
	claimedErrs map[string]error
}

func (f *fakeStore) GetTrack(_ context.Context, identity string) (*lyrics.StoredTrack, error) {
	if err := f.trackErrs[identity]; err != nil {
		return nil, err
	}
	return f.tracks[identity], nil
}

func (f *fakeStore) Claims(_ context.Context, identity string) ([]lyrics.LyricRecord, error) {
	var out []lyrics.LyricRecord
	for _, c := range f.claims {
		if c.Identity == identity {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (f *fakeStore) ClaimedIdentities(_ context.Context, sourceID string) ([]string, error) {
	if err := f.claimedErrs[sourceID]; err != nil {
		return nil, err
	}
	var out []string
	for _, c := range f.claims {
		if c.SourceID == sourceID {
			out = append(out, c.Identity)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeStore) TextOwner(_ context.Context, textFingerprint string) (string, error) {
	return f.text[textFingerprint], nil
}

func TestRankBeats(t *testing.T) {
	t.Parallel()

	base := Rank{Synced: true, Lines: 10, Fingerprint: "bb", SourceID: "o/b"}
	assert.True(t, base.Beats(Rank{Synced: false, Lines: 50, Fingerprint: "aa", SourceID: "o/a"}))
	assert.True(t, base.Beats(Rank{Synced: true, Lines: 9, Fingerprint: "aa", SourceID: "o/a"}))
	assert.True(t, base.Beats(Rank{Synced: true, Lines: 10, Fingerprint: "cc", SourceID: "o/a"}))
	assert.True(t, base.Beats(Rank{Synced: true, Lines: 10, Fingerprint: "bb", SourceID: "o/c"}))
	assert.False(t, base.Beats(base))
	assert.False(t, base.Beats(Rank{Synced: true, Lines: 10, Fingerprint: "aa", SourceID: "o/z"}))
}

func TestMergeDecisions(t *testing.T) {
	t.Parallel()

	rec := record("a\tt", "o/one", "f1", true, 5)

	d := Merge(rec, nil)
	assert.Equal(t, lyrics.DecisionInsert, d.Kind)

	d = Merge(rec, stored(rec))
	assert.Equal(t, lyrics.DecisionSkip, d.Kind)
	assert.Equal(t, ReasonUnchanged, d.Reason)

	// Same source, different content: the source owns its track.
	worse := record("a\tt", "o/one", "f0", false, 1)
	d = Merge(worse, stored(rec))
	assert.Equal(t, lyrics.DecisionUpdate, d.Kind)

	// Other source must outrank the stored track.
	other := record("a\tt", "o/two", "f2", true, 4)
	d = Merge(other, stored(rec))
	assert.Equal(t, lyrics.DecisionSkip, d.Kind)
	assert.Equal(t, ReasonOutranked, d.Reason)

	better := record("a\tt", "o/two", "f3", true, 9)
	d = Merge(better, stored(rec))
	assert.Equal(t, lyrics.DecisionUpdate, d.Kind)
	assert.Equal(t, "o/two", d.Record.SourceID)
}

func TestEngineDeterministicUnderShuffle(t *testing.T) {
	t.Parallel()

	recs := []lyrics.LyricRecord{
		record("x\ta", "o/1", "f1", false, 20),
		record("x\ta", "o/2", "f2", true, 3),
		record("x\ta", "o/3", "f0", true, 3),
		record("y\tb", "o/4", "f4", true, 7),
		record("y\tb", "o/5", "f5", true, 8),
		record("z\tc", "o/6", "f6", false, 2),
	}
	want := []string{"o/3", "o/5", "o/6"}

	for seed := int64(0); seed < 20; seed++ {
		shuffled := append([]lyrics.LyricRecord(nil), recs...)
		rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		e := NewEngine(Options{}, zap.NewNop())
		var wg sync.WaitGroup
		for _, rec := range shuffled {
			wg.Add(1)
			go func(r lyrics.LyricRecord) {
				defer wg.Done()
				e.Offer(r)
			}(rec)
		}
		wg.Wait()

		res, err := e.Resolve(context.Background(), &fakeStore{})
		require.NoError(t, err)
		require.Len(t, res.Decisions, 3)
		var got []string
		for _, d := range res.Decisions {
			assert.Equal(t, lyrics.DecisionInsert, d.Kind)
			got = append(got, d.Record.SourceID)
		}
		assert.Equal(t, want, got, "seed %d", seed)
		assert.Equal(t, []string{"x\ta"}, res.Identities["o/2"])
		assert.Equal(t, []string{"f2"}, res.Fingerprints["o/2"])
	}
}

func TestResolveLookupFailureIsolated(t *testing.T) {
	t.Parallel()

	e := NewEngine(Options{}, nil)
	e.Offer(record("a\t1", "o/a", "fa", true, 2))
	e.Offer(record("b\t2", "o/b", "fb", true, 2))

	boom := errors.New("disk I/O error")
	res, err := e.Resolve(context.Background(), &fakeStore{trackErrs: map[string]error{"a\t1": boom}})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, "b\t2", res.Decisions[0].Record.Identity)
	assert.ErrorIs(t, res.Errors["a\t1"], boom)
}

func TestResolveHonoursCancellation(t *testing.T) {
	t.Parallel()

	e := NewEngine(Options{}, nil)
	e.Offer(record("a\t1", "o/a", "fa", true, 2))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Resolve(ctx, &fakeStore{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupersedeFollowsWinner(t *testing.T) {
	t.Parallel()

	best := record("a\tt", "o/two", "f2", true, 2)
	assert.Equal(t, lyrics.DecisionInsert, Supersede(best, nil).Kind)
	assert.Equal(t, lyrics.DecisionSkip, Supersede(best, stored(best)).Kind)

	// A weaker winner still replaces a track nobody claims any more.
	d := Supersede(best, stored(record("a\tt", "o/one", "f1", true, 9)))
	assert.Equal(t, lyrics.DecisionUpdate, d.Kind)
	assert.Equal(t, "o/two", d.Record.SourceID)
}

func TestResolveMatchesFreshRunWhenOwnerDegrades(t *testing.T) {
	t.Parallel()

	const id = "x\ta"
	richA := record(id, "o/a", "fa3", true, 3)
	b := record(id, "o/b", "fb2", true, 2)
	poorA := record(id, "o/a", "fa1", true, 1)

	// o/a owned the track; only o/a changed since.
	store := &fakeStore{
		tracks: map[string]*lyrics.StoredTrack{id: stored(richA)},
		claims: []lyrics.LyricRecord{richA, b},
	}
	incremental := NewEngine(Options{}, nil)
	incremental.SetSources([]string{"o/a", "o/b"})
	incremental.Offer(poorA)
	incremental.Refresh("o/a")
	res, err := incremental.Resolve(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, lyrics.DecisionUpdate, res.Decisions[0].Kind)
	assert.Equal(t, []lyrics.LyricRecord{poorA}, res.Claims["o/a"])

	fresh := NewEngine(Options{}, nil)
	fresh.Offer(poorA)
	fresh.Offer(b)
	want, err := fresh.Resolve(context.Background(), &fakeStore{})
	require.NoError(t, err)
	require.Len(t, want.Decisions, 1)

	assert.Equal(t, want.Decisions[0].Record.SourceID, res.Decisions[0].Record.SourceID)
	assert.Equal(t, want.Decisions[0].Record.Fingerprint, res.Decisions[0].Record.Fingerprint)
}

func TestResolveIgnoresClaimsOfVanishedSources(t *testing.T) {
	t.Parallel()

	const id = "x\ta"
	gone := record(id, "o/gone", "fg", true, 9)
	offer := record(id, "o/a", "fa", true, 2)
	store := &fakeStore{
		tracks: map[string]*lyrics.StoredTrack{id: stored(gone)},
		claims: []lyrics.LyricRecord{gone},
	}

	e := NewEngine(Options{}, nil)
	e.SetSources([]string{"o/a"})
	e.Offer(offer)
	e.Refresh("o/a")
	res, err := e.Resolve(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, lyrics.DecisionUpdate, res.Decisions[0].Kind)
	assert.Equal(t, "o/a", res.Decisions[0].Record.SourceID)
}

func TestResolveReranksIdentityDroppedBySource(t *testing.T) {
	t.Parallel()

	const id = "x\ta"
	a := record(id, "o/a", "fa", true, 5)
	b := record(id, "o/b", "fb", true, 2)
	store := &fakeStore{
		tracks: map[string]*lyrics.StoredTrack{id: stored(a)},
		claims: []lyrics.LyricRecord{a, b},
	}

	// o/a was re-read and now only carries another song.
	e := NewEngine(Options{}, nil)
	e.SetSources([]string{"o/a", "o/b"})
	e.Offer(record("y\tz", "o/a", "fy", true, 3))
	e.Refresh("o/a")
	res, err := e.Resolve(context.Background(), store)
	require.NoError(t, err)

	require.Len(t, res.Decisions, 2)
	assert.Equal(t, id, res.Decisions[0].Record.Identity)
	assert.Equal(t, lyrics.DecisionUpdate, res.Decisions[0].Kind)
	assert.Equal(t, "o/b", res.Decisions[0].Record.SourceID)
	assert.Equal(t, []string{id}, res.Earlier["o/a"])
	assert.Equal(t, []string{"y\tz"}, res.Identities["o/a"])
}

func TestResolveUnclaimedTrackStillCompetes(t *testing.T) {
	t.Parallel()

	const id = "y\tb"
	legacy := &lyrics.StoredTrack{Identity: id, SourceID: "o/old", Synced: true, LineCount: 5, Fingerprint: "fo"}
	weak := record(id, "o/new", "fn", true, 2)

	e := NewEngine(Options{}, nil)
	e.SetSources([]string{"o/old", "o/new"})
	e.Offer(weak)
	e.Refresh("o/new")
	res, err := e.Resolve(context.Background(), &fakeStore{tracks: map[string]*lyrics.StoredTrack{id: legacy}})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, lyrics.DecisionSkip, res.Decisions[0].Kind)
	assert.Equal(t, ReasonOutranked, res.Decisions[0].Reason)

	// Once its owner is no longer enumerated the track stops competing.
	e = NewEngine(Options{}, nil)
	e.SetSources([]string{"o/new"})
	e.Offer(weak)
	e.Refresh("o/new")
	res, err = e.Resolve(context.Background(), &fakeStore{tracks: map[string]*lyrics.StoredTrack{id: legacy}})
	require.NoError(t, err)
	require.Len(t, res.Decisions, 1)
	assert.Equal(t, lyrics.DecisionUpdate, res.Decisions[0].Kind)
}

func TestResolveEarlierClaimsFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("database is locked")
	e := NewEngine(Options{}, nil)
	e.Offer(record("a\t1", "o/a", "fa", true, 2))
	e.Refresh("o/a")
	res, err := e.Resolve(context.Background(), &fakeStore{claimedErrs: map[string]error{"o/a": boom}})
	require.NoError(t, err)
	assert.ErrorIs(t, res.SourceErrors["o/a"], boom)
	require.Len(t, res.Decisions, 1)
}

func TestResolveTextDedup(t *testing.T) {
	t.Parallel()

	withText := func(rec lyrics.LyricRecord, tfp string) lyrics.LyricRecord {
		rec.TextFingerprint = tfp
		return rec
	}
	known := withText(record("a\tcover", "o/a", "fa", true, 4), "t-known")
	strong := withText(record("b\tsong", "o/b", "fb", true, 6), "t-shared")
	weak := withText(record("c\tsong live", "o/c", "fc", true, 3), "t-shared")
	plain := withText(record("d\tother", "o/d", "fd", true, 3), "t-other")
	store := &fakeStore{text: map[string]string{"t-known": "z\toriginal"}}

	e := NewEngine(Options{TextDedup: true}, nil)
	for _, rec := range []lyrics.LyricRecord{weak, known, plain, strong} {
		e.Offer(rec)
	}
	res, err := e.Resolve(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, res.Decisions, 4)

	got := map[string]lyrics.MergeDecision{}
	for _, d := range res.Decisions {
		got[d.Record.Identity] = d
	}
	assert.Equal(t, ReasonDuplicate, got["a\tcover"].Reason)
	assert.Equal(t, lyrics.DecisionInsert, got["b\tsong"].Kind)
	assert.Equal(t, lyrics.DecisionSkip, got["c\tsong live"].Kind)
	assert.Equal(t, ReasonDuplicate, got["c\tsong live"].Reason)
	assert.Equal(t, lyrics.DecisionInsert, got["d\tother"].Kind)

	off := NewEngine(Options{}, nil)
	for _, rec := range []lyrics.LyricRecord{weak, known, plain, strong} {
		off.Offer(rec)
	}
	res, err = off.Resolve(context.Background(), store)
	require.NoError(t, err)
	for _, d := range res.Decisions {
		assert.Equal(t, lyrics.DecisionInsert, d.Kind, d.Record.Identity)
	}
}
