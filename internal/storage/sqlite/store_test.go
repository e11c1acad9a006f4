package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/clock/system"
	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T, batchSize, retries int) *Store {
	t.Helper()
	s, err := Open(context.Background(), Options{
		Path:         filepath.Join(t.TempDir(), "lyrics.db"),
		BatchSize:    batchSize,
		WriteRetries: retries,
		RetryDelay:   time.Millisecond,
		Clock:        system.Fixed{At: testNow},
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func rec(identity, source, fp string) lyrics.LyricRecord {
	return lyrics.LyricRecord{
		Identity:     identity,
		Title:        "Title " + identity,
		Artist:       "Artist",
		Lines:        []lyrics.Line{{TimeCs: 100, Text: "one"}, {TimeCs: 200, Text: ""}, {TimeCs: 300, Text: "two"}},
		Synced:       true,
		Lang:         "en",
		SourceID:     source,
		SourceMarker: "m1",
		Fingerprint:  fp,
	}
}

func TestOpenAppliesMigrationsOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "lyrics.db")
	s, err := Open(context.Background(), Options{Path: path})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(context.Background(), Options{Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var n int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n))
	assert.Equal(t, 2, n)
	assert.Equal(t, path, s.Path())
	require.NoError(t, s.Ping(context.Background()))
}

func TestCheckpointRoundTripAndIdempotence(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10, 0)
	ctx := context.Background()

	cp, err := s.GetCheckpoint(ctx, "o/r")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, s.CommitCheckpoint(ctx, "o/r", "m1", []string{"fb", "fa"}))
	cp, err = s.GetCheckpoint(ctx, "o/r")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "m1", cp.Marker)
	assert.Equal(t, []string{"fa", "fb"}, cp.Fingerprints)
	assert.True(t, cp.CommittedAt.Equal(testNow))

	// Re-committing identical values leaves the row untouched.
	s.clock = system.Fixed{At: testNow.Add(time.Hour)}
	require.NoError(t, s.CommitCheckpoint(ctx, "o/r", "m1", []string{"fa", "fb"}))
	cp, err = s.GetCheckpoint(ctx, "o/r")
	require.NoError(t, err)
	assert.True(t, cp.CommittedAt.Equal(testNow))

	require.NoError(t, s.CommitCheckpoint(ctx, "o/r", "m2", nil))
	cp, err = s.GetCheckpoint(ctx, "o/r")
	require.NoError(t, err)
	assert.Equal(t, "m2", cp.Marker)
	assert.Empty(t, cp.Fingerprints)
	assert.True(t, cp.CommittedAt.Equal(testNow.Add(time.Hour)))
}

func TestApplyInsertUpdateSkip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 2, 0)
	ctx := context.Background()

	res, err := s.Apply(ctx, []lyrics.MergeDecision{
		{Kind: lyrics.DecisionInsert, Record: rec("a", "o/a", "f1")},
		{Kind: lyrics.DecisionInsert, Record: rec("b", "o/b", "f2")},
		{Kind: lyrics.DecisionInsert, Record: rec("c", "o/c", "f3")},
		{Kind: lyrics.DecisionSkip, Record: rec("d", "o/d", "f4"), Reason: "unchanged"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
	assert.Equal(t, 1, res.Unchanged)
	assert.Len(t, res.Committed, 4)
	assert.Empty(t, res.Failed)

	got, err := s.GetTrack(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "f1", got.Fingerprint)
	assert.Equal(t, 2, got.LineCount)
	assert.True(t, got.Synced)
	assert.Len(t, got.Lines, 3)

	var lrcText string
	require.NoError(t, s.db.QueryRow("SELECT lrc FROM tracks WHERE identity = 'a'").Scan(&lrcText))
	assert.Equal(t, "[00:01.00]one\n[00:02.00]\n[00:03.00]two\n", lrcText)

	updated := rec("a", "o/x", "f9")
	updated.Lines = []lyrics.Line{{TimeCs: 0, Text: "only"}}
	res, err = s.Apply(ctx, []lyrics.MergeDecision{{Kind: lyrics.DecisionUpdate, Record: updated}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	got, err = s.GetTrack(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "o/x", got.SourceID)
	assert.Equal(t, []lyrics.Line{{TimeCs: 0, Text: "only"}}, got.Lines)

	n, err := s.CountTracks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	missing, err := s.GetTrack(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestApplyIsolatesFailedBatch(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 2, 2)
	ctx := context.Background()
	_, err := s.db.Exec(`CREATE TRIGGER reject_bad BEFORE INSERT ON tracks
		WHEN NEW.identity = 'bad' BEGIN SELECT RAISE(ABORT, 'rejected'); END`)
	require.NoError(t, err)

	res, err := s.Apply(ctx, []lyrics.MergeDecision{
		{Kind: lyrics.DecisionInsert, Record: rec("a", "o/a", "f1")},
		{Kind: lyrics.DecisionInsert, Record: rec("bad", "o/b", "f2")},
		{Kind: lyrics.DecisionInsert, Record: rec("c", "o/c", "f3")},
	})
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, 0, res.Failed[0].Batch)
	assert.Equal(t, 3, res.Failed[0].Attempts)
	assert.ElementsMatch(t, []string{"a", "bad"}, res.Failed[0].Identities)
	assert.Equal(t, 1, res.Inserted)
	assert.Contains(t, res.Committed, "c")
	assert.NotContains(t, res.Committed, "a")

	// The failed batch rolled back as a whole.
	got, err := s.GetTrack(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRecordSourcesMarksStale(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10, 0)
	ctx := context.Background()

	stale, err := s.RecordSources(ctx, "run-1", []lyrics.Source{{ID: "o/a", Marker: "1"}, {ID: "o/b", Marker: "1"}})
	require.NoError(t, err)
	assert.Zero(t, stale)

	require.NoError(t, s.UpdateSourceStatus(ctx, "o/a", lyrics.SourceSucceeded, ""))
	status, err := s.SourceStatus(ctx, "o/a")
	require.NoError(t, err)
	assert.Equal(t, lyrics.SourceSucceeded, status)

	stale, err = s.RecordSources(ctx, "run-2", []lyrics.Source{{ID: "o/a", Marker: "2"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stale)

	status, err = s.SourceStatus(ctx, "o/b")
	require.NoError(t, err)
	assert.Equal(t, lyrics.SourceStale, status)
	status, err = s.SourceStatus(ctx, "o/a")
	require.NoError(t, err)
	assert.Equal(t, lyrics.SourcePending, status)
}

func TestVacuumInto(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, 10, 0)
	ctx := context.Background()
	_, err := s.Apply(ctx, []lyrics.MergeDecision{{Kind: lyrics.DecisionInsert, Record: rec("a", "o/a", "f1")}})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "copy.db")
	require.NoError(t, s.VacuumInto(ctx, dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(data[:16]))

	assert.Error(t, s.VacuumInto(ctx, dest), "existing destination must not be overwritten")
}

func TestClaimsReplaceAndRead(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, 10, 0)
	ctx := context.Background()

	a1 := rec("song", "org/a", "fa")
	a1.FetchedAt = testNow
	a1.TextFingerprint = "ta"
	b1 := rec("song", "org/b", "fb")
	b1.FetchedAt = testNow
	other := rec("other", "org/a", "fo")
	other.FetchedAt = testNow
	require.NoError(t, s.ReplaceClaims(ctx, "org/b", []lyrics.LyricRecord{b1}))
	require.NoError(t, s.ReplaceClaims(ctx, "org/a", []lyrics.LyricRecord{a1, other}))

	claims, err := s.Claims(ctx, "song")
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, a1, claims[0])
	assert.Equal(t, "org/b", claims[1].SourceID)

	ids, err := s.ClaimedIdentities(ctx, "org/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"other", "song"}, ids)

	// A later commit of org/a drops what it no longer offers.
	require.NoError(t, s.ReplaceClaims(ctx, "org/a", []lyrics.LyricRecord{other}))
	ids, err = s.ClaimedIdentities(ctx, "org/a")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, ids)
	claims, err = s.Claims(ctx, "song")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "org/b", claims[0].SourceID)

	require.NoError(t, s.ReplaceClaims(ctx, "org/b", nil))
	claims, err = s.Claims(ctx, "song")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestTextOwner(t *testing.T) {
	t.Parallel()
	s := openTestStore(t, 10, 0)
	ctx := context.Background()

	b := rec("b", "org/b", "fb")
	b.TextFingerprint = "shared"
	a := rec("a", "org/a", "fa")
	a.TextFingerprint = "shared"
	_, err := s.Apply(ctx, []lyrics.MergeDecision{
		{Kind: lyrics.DecisionInsert, Record: b},
		{Kind: lyrics.DecisionInsert, Record: a},
	})
	require.NoError(t, err)

	track, err := s.GetTrack(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "shared", track.TextFingerprint)

	owner, err := s.TextOwner(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "a", owner)

	owner, err = s.TextOwner(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, owner)

	owner, err = s.TextOwner(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, owner)
}
