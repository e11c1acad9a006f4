package lyrics

import (
	"context"
	"errors"
	"sort"
	"time"
)

// RunStatus is the terminal state of a run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunAnomaly   RunStatus = "anomaly"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Failure stages reported in SourceFailure.Stage.
const (
	StageFetch      = "fetch"
	StageParse      = "parse"
	StageWrite      = "write"
	StageCheckpoint = "checkpoint"
)

// SourceFailure records one per-source error surfaced by a run.
type SourceFailure struct {
	SourceID string `json:"source_id"`
	Stage    string `json:"stage"`
	Error    string `json:"error"`
}

// RunReport summarises one invocation of the pipeline.
type RunReport struct {
	RunID          string          `json:"run_id"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	Status         RunStatus       `json:"status"`
	SourcesTotal   int             `json:"sources_total"`
	Succeeded      int             `json:"succeeded"`
	Skipped        int             `json:"skipped"`
	Failed         int             `json:"failed"`
	Stale          int             `json:"stale"`
	Inserted       int             `json:"inserted"`
	Updated        int             `json:"updated"`
	Unchanged      int             `json:"unchanged"`
	Rejected       int             `json:"rejected"`
	Failures       []SourceFailure `json:"failures,omitempty"`
	ArtifactURI    string          `json:"artifact_uri,omitempty"`
	ArtifactSHA256 string          `json:"artifact_sha256,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// AddFailure appends a per-source failure.
func (r *RunReport) AddFailure(sourceID, stage string, err error) {
	if err == nil {
		return
	}
	r.Failures = append(r.Failures, SourceFailure{SourceID: sourceID, Stage: stage, Error: err.Error()})
}

// Finalize stamps the finish time and derives the terminal status. runErr is the
// run-fatal error, if any.
func (r *RunReport) Finalize(finishedAt time.Time, runErr error) {
	r.FinishedAt = finishedAt
	sort.SliceStable(r.Failures, func(i, j int) bool {
		if r.Failures[i].SourceID != r.Failures[j].SourceID {
			return r.Failures[i].SourceID < r.Failures[j].SourceID
		}
		return r.Failures[i].Stage < r.Failures[j].Stage
	})
	switch {
	case runErr != nil && errors.Is(runErr, context.Canceled):
		r.Status = RunCanceled
		r.Error = runErr.Error()
	case runErr != nil:
		r.Status = RunFailed
		r.Error = runErr.Error()
	case r.Failed > 0 && r.Succeeded == 0 && r.Skipped == 0:
		r.Status = RunAnomaly
	default:
		r.Status = RunSucceeded
	}
}
