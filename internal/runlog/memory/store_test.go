package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

func TestStoreSaveGetList(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.SaveRun(ctx, lyrics.RunReport{RunID: id, StartedAt: base.Add(time.Duration(i) * time.Minute), Status: lyrics.RunRunning}))
	}
	require.NoError(t, s.SaveRun(ctx, lyrics.RunReport{RunID: "r2", StartedAt: base.Add(time.Minute), Status: lyrics.RunSucceeded}))

	got, err := s.GetRun(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, lyrics.RunSucceeded, got.Status)

	_, err = s.GetRun(ctx, "nope")
	require.ErrorIs(t, err, lyrics.ErrNotFound)

	list, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r3", list[0].RunID)
	assert.Equal(t, "r2", list[1].RunID)
}
