package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithPool(mock, "")
	require.NoError(t, err)
	return s, mock
}

func sampleReport() lyrics.RunReport {
	return lyrics.RunReport{
		RunID:      "0190-run",
		StartedAt:  time.Unix(1700000000, 0).UTC(),
		FinishedAt: time.Unix(1700000060, 0).UTC(),
		Status:     lyrics.RunSucceeded,
		Inserted:   2,
		Failures:   []lyrics.SourceFailure{{SourceID: "org/a", Stage: lyrics.StageFetch, Error: "404"}},
	}
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, "runs; DROP TABLE x")
	require.Error(t, err)
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS lyricsdb_runs").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunUpserts(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rep := sampleReport()
	body, err := json.Marshal(rep)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO lyricsdb_runs").
		WithArgs(rep.RunID, rep.StartedAt, &rep.FinishedAt, "succeeded", body).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveRun(context.Background(), rep))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunRequiresID(t *testing.T) {
	t.Parallel()

	s, _ := newMockStore(t)
	require.Error(t, s.SaveRun(context.Background(), lyrics.RunReport{}))
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rep := sampleReport()
	body, err := json.Marshal(rep)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT report FROM lyricsdb_runs WHERE run_id").
		WithArgs(rep.RunID).
		WillReturnRows(mock.NewRows([]string{"report"}).AddRow(body))
	mock.ExpectQuery("SELECT report FROM lyricsdb_runs WHERE run_id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	got, err := s.GetRun(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, rep, got)

	_, err = s.GetRun(context.Background(), "missing")
	require.ErrorIs(t, err, lyrics.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	a := sampleReport()
	b := sampleReport()
	b.RunID = "0191-run"
	ab, err := json.Marshal(a)
	require.NoError(t, err)
	bb, err := json.Marshal(b)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT report FROM lyricsdb_runs ORDER BY").
		WithArgs(20).
		WillReturnRows(mock.NewRows([]string{"report"}).AddRow(bb).AddRow(ab))

	got, err := s.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0191-run", got[0].RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsQueryError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT report").WithArgs(5).WillReturnError(errors.New("conn reset"))

	_, err := s.ListRuns(context.Background(), 5)
	require.ErrorContains(t, err, "list runs")
}
