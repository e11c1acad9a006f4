package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// GetCheckpoint returns the checkpoint for sourceID, or nil if none was committed.
func (s *Store) GetCheckpoint(ctx context.Context, sourceID string) (*lyrics.Checkpoint, error) {
	var (
		cp          lyrics.Checkpoint
		fpJSON      string
		committedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT source_id, marker, fingerprints, committed_at FROM checkpoints WHERE source_id = ?", sourceID,
	).Scan(&cp.SourceID, &cp.Marker, &fpJSON, &committedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s: %w", sourceID, err)
	}
	if err := json.Unmarshal([]byte(fpJSON), &cp.Fingerprints); err != nil {
		return nil, fmt.Errorf("decode checkpoint fingerprints %s: %w", sourceID, err)
	}
	cp.CommittedAt = parseTime(committedAt)
	return &cp, nil
}

// CommitCheckpoint records that sourceID was fully processed at marker. Committing
// the same marker and fingerprints again changes nothing.
func (s *Store) CommitCheckpoint(ctx context.Context, sourceID, marker string, fingerprints []string) error {
	fps := append([]string{}, fingerprints...)
	sort.Strings(fps)
	fpJSON, err := json.Marshal(fps)
	if err != nil {
		return fmt.Errorf("encode checkpoint fingerprints: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (source_id, marker, fingerprints, committed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			marker = excluded.marker,
			fingerprints = excluded.fingerprints,
			committed_at = excluded.committed_at
		WHERE checkpoints.marker != excluded.marker OR checkpoints.fingerprints != excluded.fingerprints`,
		sourceID, marker, string(fpJSON), formatTime(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", sourceID, err)
	}
	return nil
}
