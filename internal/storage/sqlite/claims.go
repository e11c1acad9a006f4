package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

const claimColumns = `source_id, identity, title, artist, album, duration_ms, lang, synced,
	fingerprint, text_fingerprint, source_marker, lines, fetched_at`

// Claims returns the last committed record of every source claiming identity,
// ordered by source ID.
func (s *Store) Claims(ctx context.Context, identity string) ([]lyrics.LyricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+claimColumns+" FROM claims WHERE identity = ? ORDER BY source_id", identity)
	if err != nil {
		return nil, fmt.Errorf("query claims %q: %w", identity, err)
	}
	defer func() { _ = rows.Close() }()

	var out []lyrics.LyricRecord
	for rows.Next() {
		var (
			r         lyrics.LyricRecord
			synced    int
			linesJSON string
			fetchedAt string
		)
		if err := rows.Scan(&r.SourceID, &r.Identity, &r.Title, &r.Artist, &r.Album, &r.DurationMs, &r.Lang, &synced,
			&r.Fingerprint, &r.TextFingerprint, &r.SourceMarker, &linesJSON, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scan claim %q: %w", identity, err)
		}
		if err := json.Unmarshal([]byte(linesJSON), &r.Lines); err != nil {
			return nil, fmt.Errorf("decode claim lines %s/%q: %w", r.SourceID, identity, err)
		}
		r.Synced = synced != 0
		r.FetchedAt = parseTime(fetchedAt)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims %q: %w", identity, err)
	}
	return out, nil
}

// ClaimedIdentities lists the identities sourceID claimed at its last commit, sorted.
func (s *Store) ClaimedIdentities(ctx context.Context, sourceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT identity FROM claims WHERE source_id = ? ORDER BY identity", sourceID)
	if err != nil {
		return nil, fmt.Errorf("query claimed identities %s: %w", sourceID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan claimed identity %s: %w", sourceID, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed identities %s: %w", sourceID, err)
	}
	return out, nil
}

// ReplaceClaims swaps every claim of sourceID for records in one transaction.
func (s *Store) ReplaceClaims(ctx context.Context, sourceID string, records []lyrics.LyricRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin claims %s: %w", sourceID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM claims WHERE source_id = ?", sourceID); err != nil {
		return fmt.Errorf("clear claims %s: %w", sourceID, err)
	}
	insert, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO claims ("+claimColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare claim insert: %w", err)
	}
	defer func() { _ = insert.Close() }()

	for _, r := range records {
		lines := r.Lines
		if lines == nil {
			lines = []lyrics.Line{}
		}
		linesJSON, err := json.Marshal(lines)
		if err != nil {
			return fmt.Errorf("encode claim lines %s/%q: %w", sourceID, r.Identity, err)
		}
		synced := 0
		if r.Synced {
			synced = 1
		}
		if _, err := insert.ExecContext(ctx, sourceID, r.Identity, r.Title, r.Artist, r.Album, r.DurationMs, r.Lang, synced,
			r.Fingerprint, r.TextFingerprint, r.SourceMarker, string(linesJSON), formatTime(r.FetchedAt)); err != nil {
			return fmt.Errorf("insert claim %s/%q: %w", sourceID, r.Identity, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit claims %s: %w", sourceID, err)
	}
	return nil
}

// TextOwner returns the smallest identity of a stored track whose lyric text
// fingerprint is textFingerprint, or "" when no track has it.
func (s *Store) TextOwner(ctx context.Context, textFingerprint string) (string, error) {
	if textFingerprint == "" {
		return "", nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity FROM tracks WHERE text_fingerprint = ? ORDER BY identity LIMIT 1", textFingerprint)
	if err != nil {
		return "", fmt.Errorf("query text owner: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var identity string
	if rows.Next() {
		if err := rows.Scan(&identity); err != nil {
			return "", fmt.Errorf("scan text owner: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate text owner: %w", err)
	}
	return identity, nil
}
