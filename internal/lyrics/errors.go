package lyrics

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that a requested record does not exist.
var ErrNotFound = errors.New("lyrics: record not found")

// EnumerationError reports that the source registry could not be listed. It is run-fatal
// and always raised before any fetch work begins.
type EnumerationError struct {
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerate sources: %v", e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// FetchError reports a per-source fetch failure after retries were exhausted or a
// permanent condition was hit.
type FetchError struct {
	SourceID  string
	URL       string
	Status    int
	Transient bool
	Attempts  int
	Err       error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.SourceID, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.SourceID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseErrorKind classifies why a document was rejected.
type ParseErrorKind string

// Parse error kinds.
const (
	ParseUnparseable ParseErrorKind = "unparseable"
	ParseLowQuality  ParseErrorKind = "low_quality"
)

// ParseError reports a per-document parse failure.
type ParseError struct {
	SourceID string
	Path     string
	Kind     ParseErrorKind
	Detail   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %s: %s", e.SourceID, e.Path, e.Kind, e.Detail)
}

// WriteError reports a failed writer batch after batch-level retries.
type WriteError struct {
	Batch      int
	Identities []string
	Attempts   int
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch %d (%d tracks) after %d attempt(s): %v", e.Batch, len(e.Identities), e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// PublishError reports that the new artifact could not be made visible. The previously
// published artifact remains authoritative.
type PublishError struct {
	Stage string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish (%s): %v", e.Stage, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a FetchError marked as retryable.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}
