package sqlite

import (
	"context"
	"fmt"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// RecordSources upserts the enumerated sources for runID as pending and marks every
// source absent from this enumeration as stale. Stale sources are never deleted.
// It returns the number of stale sources.
func (s *Store) RecordSources(ctx context.Context, runID string, sources []lyrics.Source) (int, error) {
	now := formatTime(s.clock.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record sources: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sources (source_id, marker, branch, status, last_error, first_seen, last_seen, last_run_id)
		VALUES (?, ?, ?, ?, '', ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			marker = excluded.marker,
			branch = excluded.branch,
			status = excluded.status,
			last_error = '',
			last_seen = excluded.last_seen,
			last_run_id = excluded.last_run_id`)
	if err != nil {
		return 0, fmt.Errorf("prepare source upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, src := range sources {
		if _, err := stmt.ExecContext(ctx, src.ID, src.Marker, src.Branch, string(lyrics.SourcePending), now, now, runID); err != nil {
			return 0, fmt.Errorf("upsert source %s: %w", src.ID, err)
		}
	}

	res, err := tx.ExecContext(ctx, "UPDATE sources SET status = ? WHERE last_run_id != ?", string(lyrics.SourceStale), runID)
	if err != nil {
		return 0, fmt.Errorf("mark stale sources: %w", err)
	}
	stale, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count stale sources: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit record sources: %w", err)
	}
	return int(stale), nil
}

// UpdateSourceStatus sets the crawl status of one source.
func (s *Store) UpdateSourceStatus(ctx context.Context, sourceID string, status lyrics.SourceStatus, errText string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE sources SET status = ?, last_error = ? WHERE source_id = ?",
		string(status), errText, sourceID)
	if err != nil {
		return fmt.Errorf("update source status %s: %w", sourceID, err)
	}
	return nil
}

// SourceStatus returns the recorded status of one source.
func (s *Store) SourceStatus(ctx context.Context, sourceID string) (lyrics.SourceStatus, error) {
	var status string
	if err := s.db.QueryRowContext(ctx, "SELECT status FROM sources WHERE source_id = ?", sourceID).Scan(&status); err != nil {
		return "", fmt.Errorf("get source status %s: %w", sourceID, err)
	}
	return lyrics.SourceStatus(status), nil
}
