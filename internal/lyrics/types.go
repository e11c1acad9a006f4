package lyrics

import (
	"time"
)

// SourceStatus represents the crawl state of a source within a run.
type SourceStatus string

// Source status values persisted in the sources table.
const (
	SourcePending    SourceStatus = "pending"
	SourceInProgress SourceStatus = "in_progress"
	SourceSucceeded  SourceStatus = "succeeded"
	SourceSkipped    SourceStatus = "skipped"
	SourceFailed     SourceStatus = "failed"
	SourceStale      SourceStatus = "stale"
)

// Format tags the syntax of a fetched lyric file.
type Format string

// Supported lyric file formats.
const (
	FormatLRC  Format = "lrc"
	FormatText Format = "text"
)

// Source is one remote repository treated as a unit of crawl work.
type Source struct {
	// ID is the stable locator, "owner/repo".
	ID string `json:"id"`
	// Marker is the upstream revision token reported by the registry.
	Marker string `json:"marker"`
	// Branch is the ref raw files are read from.
	Branch string `json:"branch,omitempty"`
	// Status is the crawl state within the current run.
	Status SourceStatus `json:"status"`
}

// Hint carries track metadata supplied outside the lyric file itself.
type Hint struct {
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	Album      string `json:"album,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// RawDocument is one fetched file. It lives for a single fetch-to-parse pass and
// is owned by the worker that fetched it.
type RawDocument struct {
	SourceID     string
	SourceMarker string
	Path         string
	Format       Format
	Body         []byte
	Synced       bool
	Hint         Hint
	FetchedAt    time.Time
}

// Line is one timed lyric line. TimeCs is in centiseconds.
type Line struct {
	TimeCs int64  `json:"t"`
	Text   string `json:"text"`
}

// LyricRecord is the canonical, comparable representation of one track's lyrics.
type LyricRecord struct {
	Identity     string
	Title        string
	Artist       string
	Album        string
	DurationMs   int64
	Lines        []Line
	Synced       bool
	Lang         string
	SourceID     string
	SourceMarker string
	Fingerprint  string
	// TextFingerprint identifies the lyric text regardless of metadata and timing.
	TextFingerprint string
	FetchedAt       time.Time
}

// ContentLines counts lines that carry text.
func (r LyricRecord) ContentLines() int {
	n := 0
	for _, l := range r.Lines {
		if l.Text != "" {
			n++
		}
	}
	return n
}

// StoredTrack is the persisted, authoritative lyric content for one identity.
type StoredTrack struct {
	Identity        string
	Title           string
	Artist          string
	Album           string
	DurationMs      int64
	Lang            string
	Synced          bool
	LineCount       int
	Lines           []Line
	Fingerprint     string
	TextFingerprint string
	SourceID        string
	SourceMarker    string
	UpdatedAt       time.Time
}

// Checkpoint is the durable marker of the last successfully processed state of a source.
type Checkpoint struct {
	SourceID     string
	Marker       string
	Fingerprints []string
	CommittedAt  time.Time
}

// DecisionKind enumerates merge outcomes.
type DecisionKind string

// Merge decision kinds.
const (
	DecisionInsert DecisionKind = "insert"
	DecisionUpdate DecisionKind = "update"
	DecisionSkip   DecisionKind = "skip"
)

// MergeDecision is the outcome of comparing a record against stored state.
type MergeDecision struct {
	Kind   DecisionKind
	Record LyricRecord
	// Reason explains a skip ("unchanged", "outranked").
	Reason string
}

// Artifact describes a compressed snapshot of the store.
type Artifact struct {
	Path       string
	SHA256     string
	Size       int64
	RawSize    int64
	TrackCount int64
	CreatedAt  time.Time
}
