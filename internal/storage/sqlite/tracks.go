package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/lrc"
	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// GetTrack loads a stored track and its lines. It returns nil when the identity is unknown.
func (s *Store) GetTrack(ctx context.Context, identity string) (*lyrics.StoredTrack, error) {
	var (
		t         lyrics.StoredTrack
		synced    int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT identity, title, artist, album, duration_ms, lang, synced, line_count,
		       fingerprint, text_fingerprint, source_id, source_marker, updated_at
		FROM tracks WHERE identity = ?`, identity,
	).Scan(&t.Identity, &t.Title, &t.Artist, &t.Album, &t.DurationMs, &t.Lang, &synced, &t.LineCount,
		&t.Fingerprint, &t.TextFingerprint, &t.SourceID, &t.SourceMarker, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get track %q: %w", identity, err)
	}
	t.Synced = synced != 0
	t.UpdatedAt = parseTime(updatedAt)

	rows, err := s.db.QueryContext(ctx, "SELECT time_cs, text FROM track_lines WHERE identity = ? ORDER BY seq", identity)
	if err != nil {
		return nil, fmt.Errorf("get track lines %q: %w", identity, err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var l lyrics.Line
		if err := rows.Scan(&l.TimeCs, &l.Text); err != nil {
			return nil, fmt.Errorf("scan track line %q: %w", identity, err)
		}
		t.Lines = append(t.Lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate track lines %q: %w", identity, err)
	}
	return &t, nil
}

// Apply persists insert and update decisions in batched transactions. Skip
// decisions write nothing and count as committed. A batch that still fails after
// its retries is reported in ApplyResult.Failed; the other batches are unaffected.
// The returned error is non-nil only when ctx ends.
func (s *Store) Apply(ctx context.Context, decisions []lyrics.MergeDecision) (lyrics.ApplyResult, error) {
	res := lyrics.ApplyResult{Committed: make(map[string]struct{}, len(decisions))}

	var writes []lyrics.MergeDecision
	for _, d := range decisions {
		if d.Kind == lyrics.DecisionSkip {
			res.Unchanged++
			res.Committed[d.Record.Identity] = struct{}{}
			continue
		}
		writes = append(writes, d)
	}

	for batch, start := 0, 0; start < len(writes); batch, start = batch+1, start+s.batchSize {
		end := min(start+s.batchSize, len(writes))
		chunk := writes[start:end]

		attempts, err := s.writeBatchWithRetry(ctx, batch, chunk)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, fmt.Errorf("apply: %w", ctxErr)
			}
			ids := make([]string, len(chunk))
			for i, d := range chunk {
				ids[i] = d.Record.Identity
			}
			s.logger.Error("write batch failed",
				zap.Int("batch", batch), zap.Int("size", len(chunk)), zap.Int("attempts", attempts), zap.Error(err))
			res.Failed = append(res.Failed, &lyrics.WriteError{Batch: batch, Identities: ids, Attempts: attempts, Err: err})
			continue
		}
		for _, d := range chunk {
			res.Committed[d.Record.Identity] = struct{}{}
			if d.Kind == lyrics.DecisionInsert {
				res.Inserted++
			} else {
				res.Updated++
			}
		}
	}
	return res, nil
}

func (s *Store) writeBatchWithRetry(ctx context.Context, batch int, chunk []lyrics.MergeDecision) (int, error) {
	var lastErr error
	attempt := 0
	for attempt < s.writeRetries+1 {
		attempt++
		lastErr = s.writeBatch(ctx, chunk)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt > s.writeRetries {
			break
		}
		s.logger.Warn("retrying write batch", zap.Int("batch", batch), zap.Int("attempt", attempt), zap.Error(lastErr))
		timer := time.NewTimer(s.retryDelay * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return attempt, lastErr
}

func (s *Store) writeBatch(ctx context.Context, chunk []lyrics.MergeDecision) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx, `
		INSERT INTO tracks (identity, title, artist, album, duration_ms, lang, synced, line_count,
		                    fingerprint, text_fingerprint, source_id, source_marker, lrc, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			title = excluded.title,
			artist = excluded.artist,
			album = excluded.album,
			duration_ms = excluded.duration_ms,
			lang = excluded.lang,
			synced = excluded.synced,
			line_count = excluded.line_count,
			fingerprint = excluded.fingerprint,
			text_fingerprint = excluded.text_fingerprint,
			source_id = excluded.source_id,
			source_marker = excluded.source_marker,
			lrc = excluded.lrc,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare track upsert: %w", err)
	}
	defer func() { _ = upsert.Close() }()

	deleteLines, err := tx.PrepareContext(ctx, "DELETE FROM track_lines WHERE identity = ?")
	if err != nil {
		return fmt.Errorf("prepare line delete: %w", err)
	}
	defer func() { _ = deleteLines.Close() }()

	insertLine, err := tx.PrepareContext(ctx, "INSERT INTO track_lines (identity, seq, time_cs, text) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare line insert: %w", err)
	}
	defer func() { _ = insertLine.Close() }()

	now := formatTime(s.clock.Now())
	for _, d := range chunk {
		r := d.Record
		synced := 0
		if r.Synced {
			synced = 1
		}
		if _, err := upsert.ExecContext(ctx, r.Identity, r.Title, r.Artist, r.Album, r.DurationMs, r.Lang, synced,
			r.ContentLines(), r.Fingerprint, r.TextFingerprint, r.SourceID, r.SourceMarker,
			lrc.Render(r.Lines, r.Synced), now); err != nil {
			return fmt.Errorf("upsert track %q: %w", r.Identity, err)
		}
		if _, err := deleteLines.ExecContext(ctx, r.Identity); err != nil {
			return fmt.Errorf("clear lines %q: %w", r.Identity, err)
		}
		for seq, l := range r.Lines {
			if _, err := insertLine.ExecContext(ctx, r.Identity, seq, l.TimeCs, l.Text); err != nil {
				return fmt.Errorf("insert line %q/%d: %w", r.Identity, seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch (%d tracks): %w", len(chunk), err)
	}
	return nil
}
