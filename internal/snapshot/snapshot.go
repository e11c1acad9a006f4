// Package snapshot exports the lyric store as a verified, brotli-compressed
// SQLite file.
//
// Export copies the live database with VACUUM INTO, checks the copy's integrity,
// compresses it, and then decompresses the result again to prove it reproduces the
// raw copy byte for byte before handing the artifact to a publisher.
package snapshot

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver for verification reads

	digest "github.com/JakeFAU/lyricsdb/internal/hash/sha256"
	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	"github.com/JakeFAU/lyricsdb/internal/metrics"
)

// DefaultName is the artifact file name.
const DefaultName = "lyrics.db.br"

// sqliteHeader opens every SQLite database file.
var sqliteHeader = []byte("SQLite format 3\x00")

// ErrVerify reports an artifact that failed its integrity checks.
var ErrVerify = errors.New("snapshot verification failed")

// Source produces a consistent copy of the live database.
type Source interface {
	VacuumInto(ctx context.Context, dest string) error
}

// Config controls export.
type Config struct {
	// WorkDir holds the raw copy while compressing and the finished artifact.
	WorkDir string
	// Quality is the brotli level, 0 to 11.
	Quality int
	// Name is the artifact file name within WorkDir.
	Name string
	// Exclude lists tables dropped from the exported copy. Nil means DefaultExclude.
	Exclude []string
}

// DefaultExclude drops the per-run source ledger and the per-source claims so
// unchanged content exports to identical bytes.
var DefaultExclude = []string{"sources", "claims"}

var validTable = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Exporter implements lyrics.SnapshotExporter.
type Exporter struct {
	cfg    Config
	src    Source
	hasher *digest.Hasher
	clock  lyrics.Clock
	logger *zap.Logger
}

// New validates cfg and builds an Exporter.
func New(cfg Config, src Source, clock lyrics.Clock, logger *zap.Logger) (*Exporter, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("snapshot: work dir is required")
	}
	if cfg.Quality < brotli.BestSpeed || cfg.Quality > brotli.BestCompression {
		return nil, fmt.Errorf("snapshot: quality %d out of range [%d,%d]", cfg.Quality, brotli.BestSpeed, brotli.BestCompression)
	}
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Exclude == nil {
		cfg.Exclude = DefaultExclude
	}
	for _, t := range cfg.Exclude {
		if !validTable.MatchString(t) {
			return nil, fmt.Errorf("snapshot: invalid excluded table %q", t)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, src: src, hasher: digest.New(), clock: clock, logger: logger.Named("snapshot")}, nil
}

// Export builds and verifies a compressed snapshot in the work directory.
func (e *Exporter) Export(ctx context.Context) (lyrics.Artifact, error) {
	if err := os.MkdirAll(e.cfg.WorkDir, 0o750); err != nil {
		return lyrics.Artifact{}, fmt.Errorf("create work dir: %w", err)
	}
	tmpDir, err := os.MkdirTemp(e.cfg.WorkDir, "export-*")
	if err != nil {
		return lyrics.Artifact{}, fmt.Errorf("create export dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	rawPath := filepath.Join(tmpDir, "lyrics.db")
	if err := e.src.VacuumInto(ctx, rawPath); err != nil {
		return lyrics.Artifact{}, fmt.Errorf("copy database: %w", err)
	}
	tracks, err := prepare(ctx, rawPath, e.cfg.Exclude)
	if err != nil {
		return lyrics.Artifact{}, err
	}
	rawSum, rawSize, err := e.hasher.HashFile(rawPath)
	if err != nil {
		return lyrics.Artifact{}, fmt.Errorf("hash raw copy: %w", err)
	}

	outPath := filepath.Join(e.cfg.WorkDir, e.cfg.Name)
	if err := e.compress(ctx, rawPath, outPath); err != nil {
		return lyrics.Artifact{}, err
	}
	if err := e.verify(outPath, rawSum, rawSize); err != nil {
		_ = os.Remove(outPath)
		return lyrics.Artifact{}, err
	}
	sum, size, err := e.hasher.HashFile(outPath)
	if err != nil {
		return lyrics.Artifact{}, fmt.Errorf("hash artifact: %w", err)
	}

	metrics.SetSnapshotBytes(rawSize, size)
	e.logger.Info("snapshot exported",
		zap.String("path", outPath),
		zap.Int64("raw_bytes", rawSize),
		zap.Int64("compressed_bytes", size),
		zap.Int64("tracks", tracks),
		zap.String("sha256", sum),
	)
	return lyrics.Artifact{
		Path:       outPath,
		SHA256:     sum,
		Size:       size,
		RawSize:    rawSize,
		TrackCount: tracks,
		CreatedAt:  e.clock.Now(),
	}, nil
}

// prepare drops excluded tables from the raw copy, compacts it, runs an integrity
// check and counts its tracks.
func prepare(ctx context.Context, path string, exclude []string) (int64, error) {
	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return 0, fmt.Errorf("open raw copy: %w", err)
	}
	defer func() { _ = db.Close() }()
	db.SetMaxOpenConns(1)

	if len(exclude) > 0 {
		for _, t := range exclude {
			if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS "`+t+`"`); err != nil {
				return 0, fmt.Errorf("drop %s from raw copy: %w", t, err)
			}
		}
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			return 0, fmt.Errorf("compact raw copy: %w", err)
		}
	}

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return 0, fmt.Errorf("check raw copy: %w", err)
	}
	if result != "ok" {
		return 0, fmt.Errorf("%w: quick_check: %s", ErrVerify, result)
	}
	var n int64
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tracks").Scan(&n); err != nil {
		return 0, fmt.Errorf("count raw copy tracks: %w", err)
	}
	return n, nil
}

// compress writes a brotli stream of src to dst through a temp file in the same directory.
func (e *Exporter) compress(ctx context.Context, src, dst string) (err error) {
	in, err := os.Open(src) // #nosec G304 -- path is created by Export
	if err != nil {
		return fmt.Errorf("open raw copy: %w", err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.CreateTemp(filepath.Dir(dst), ".compress-*")
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	tmp := out.Name()
	defer func() {
		if err != nil {
			_ = out.Close()
			_ = os.Remove(tmp)
		}
	}()

	w := brotli.NewWriterLevel(out, e.cfg.Quality)
	if _, err = io.Copy(w, ctxReader{ctx: ctx, r: in}); err != nil {
		return fmt.Errorf("compress: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("flush compressor: %w", err)
	}
	if err = out.Sync(); err != nil {
		return fmt.Errorf("sync artifact: %w", err)
	}
	if err = out.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err = os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// verify decompresses path and checks it reproduces the raw copy.
func (e *Exporter) verify(path, rawSum string, rawSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: artifact is empty", ErrVerify)
	}

	f, err := os.Open(path) // #nosec G304 -- path is created by Export
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	br := brotli.NewReader(f)
	head := make([]byte, len(sqliteHeader))
	if _, err := io.ReadFull(br, head); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrVerify, err)
	}
	if !bytes.Equal(head, sqliteHeader) {
		return fmt.Errorf("%w: missing SQLite header", ErrVerify)
	}
	sum, n, err := e.hasher.HashReader(io.MultiReader(bytes.NewReader(head), br))
	if err != nil {
		return fmt.Errorf("%w: decompress: %v", ErrVerify, err)
	}
	if n != rawSize {
		return fmt.Errorf("%w: decompressed %d bytes, want %d", ErrVerify, n, rawSize)
	}
	if sum != rawSum {
		return fmt.Errorf("%w: decompressed digest mismatch", ErrVerify)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
