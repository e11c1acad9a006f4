package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/config"
	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	runlogMemory "github.com/JakeFAU/lyricsdb/internal/runlog/memory"
)

func seedRuns(t *testing.T, n int) (*runlogMemory.Store, []string) {
	t.Helper()
	store := runlogMemory.New()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ids := make([]string, 0, n)
	for i := range n {
		id := uuid.Must(uuid.NewV7()).String()
		ids = append(ids, id)
		require.NoError(t, store.SaveRun(context.Background(), lyrics.RunReport{
			RunID:     id,
			StartedAt: base.Add(time.Duration(i) * time.Hour),
			Status:    lyrics.RunSucceeded,
			Succeeded: i,
		}))
	}
	return store, ids
}

func TestRunHandlerListRuns(t *testing.T) {
	t.Parallel()

	store, ids := seedRuns(t, 3)
	server := NewServer(newFakeRunner(), store, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []lyrics.RunReport `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 2)
	require.Equal(t, ids[2], body.Runs[0].RunID)
	require.Equal(t, ids[1], body.Runs[1].RunID)
}

func TestRunHandlerListRunsInvalidLimit(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(runlogMemory.New(), zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs?limit=-1", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHandlerListRunsEmpty(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(runlogMemory.New(), zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"runs":[]}`, rec.Body.String())
}

func TestRunHandlerLatestRun(t *testing.T) {
	t.Parallel()

	store, ids := seedRuns(t, 2)
	server := NewServer(newFakeRunner(), store, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), ids[1])

	empty := NewServer(newFakeRunner(), runlogMemory.New(), nil, config.Config{}, zap.NewNop())
	rec = httptest.NewRecorder()
	empty.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/latest", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunHandlerGetRun(t *testing.T) {
	t.Parallel()

	store, ids := seedRuns(t, 1)
	server := NewServer(newFakeRunner(), store, nil, config.Config{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+ids[0], nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"succeeded"`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/"+uuid.NewString(), nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/runs/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHandlerUnavailableAndErrors(t *testing.T) {
	t.Parallel()

	handler := NewRunHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	broken := NewRunHandler(failingRunLog{err: errors.New("connection refused")}, zap.NewNop())
	rec = httptest.NewRecorder()
	broken.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	id := uuid.NewString()
	req := withRunIDParam(httptest.NewRequest(http.MethodGet, "/v1/runs/"+id, nil), id)
	rec = httptest.NewRecorder()
	broken.GetRun(rec, req)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type failingRunLog struct {
	err error
}

func (f failingRunLog) SaveRun(context.Context, lyrics.RunReport) error { return f.err }

func (f failingRunLog) GetRun(context.Context, string) (lyrics.RunReport, error) {
	return lyrics.RunReport{}, f.err
}

func (f failingRunLog) ListRuns(context.Context, int) ([]lyrics.RunReport, error) {
	return nil, f.err
}

func withRunIDParam(r *http.Request, id string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("run_id", id)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}
