package lyrics

import (
	"context"
	"time"
)

// SourceRegistry enumerates the crawl targets for a run.
type SourceRegistry interface {
	ListSources(ctx context.Context) ([]Source, error)
}

// SourceFetcher retrieves the raw lyric documents of one source.
type SourceFetcher interface {
	Fetch(ctx context.Context, source Source) ([]RawDocument, error)
}

// Parser converts a raw document into a canonical record.
type Parser interface {
	Parse(doc RawDocument) (LyricRecord, error)
}

// CheckpointStore persists per-source progress.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, sourceID string) (*Checkpoint, error)
	CommitCheckpoint(ctx context.Context, sourceID, marker string, fingerprints []string) error
}

// TrackStore reads and writes stored tracks, and remembers what each source last
// claimed so a track can be re-ranked without refetching every claimant.
type TrackStore interface {
	GetTrack(ctx context.Context, identity string) (*StoredTrack, error)
	Apply(ctx context.Context, decisions []MergeDecision) (ApplyResult, error)
	// Claims returns the last committed record of every source claiming identity.
	Claims(ctx context.Context, identity string) ([]LyricRecord, error)
	// ClaimedIdentities lists the identities sourceID claimed at its last commit.
	ClaimedIdentities(ctx context.Context, sourceID string) ([]string, error)
	// ReplaceClaims swaps the claims of sourceID for records.
	ReplaceClaims(ctx context.Context, sourceID string, records []LyricRecord) error
	// TextOwner returns the identity of a stored track with the given text
	// fingerprint, or "" when there is none.
	TextOwner(ctx context.Context, textFingerprint string) (string, error)
}

// SourceLedger records registry state for each run.
type SourceLedger interface {
	RecordSources(ctx context.Context, runID string, sources []Source) (stale int, err error)
	UpdateSourceStatus(ctx context.Context, sourceID string, status SourceStatus, errText string) error
}

// SnapshotExporter produces a verified compressed export of the store.
type SnapshotExporter interface {
	Export(ctx context.Context) (Artifact, error)
}

// ArtifactPublisher atomically replaces the externally visible artifact.
type ArtifactPublisher interface {
	Publish(ctx context.Context, artifact Artifact) (string, error)
}

// Notifier announces a published snapshot.
type Notifier interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RunLog persists run reports.
type RunLog interface {
	SaveRun(ctx context.Context, report RunReport) error
	GetRun(ctx context.Context, runID string) (RunReport, error)
	ListRuns(ctx context.Context, limit int) ([]RunReport, error)
}

// Hasher computes digests for fingerprints and artifact integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ApplyResult summarises a writer pass. Failed carries one WriteError per failed batch.
type ApplyResult struct {
	Inserted  int
	Updated   int
	Unchanged int
	// Committed holds the identities whose writes are durable.
	Committed map[string]struct{}
	Failed    []*WriteError
}
