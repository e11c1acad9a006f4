// Package local publishes snapshot artifacts to a directory on the local filesystem.
//
// The new artifact is staged next to the destination as NAME.tmp and fsynced, the
// current artifact is copied aside to NAME.prev, and the staged file is renamed over
// NAME. Readers therefore see either the old or the new artifact, never a partial one.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	digest "github.com/JakeFAU/lyricsdb/internal/hash/sha256"
	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// Config captures the parameters for the local publisher.
type Config struct {
	// Dir is the directory the artifact is published into.
	Dir string
	// Name is the published file name.
	Name string
}

// Publisher implements lyrics.ArtifactPublisher on the local filesystem.
type Publisher struct {
	dir    string
	name   string
	hasher *digest.Hasher
	logger *zap.Logger
}

// New creates the destination directory if needed and checks it is writable.
func New(cfg Config, logger *zap.Logger) (*Publisher, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("publish directory is required")
	}
	if strings.TrimSpace(cfg.Name) == "" || strings.ContainsRune(cfg.Name, filepath.Separator) {
		return nil, fmt.Errorf("invalid artifact name %q", cfg.Name)
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create publish directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat publish directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("publish path is not a directory")
	}

	probe := filepath.Join(cfg.Dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("publish directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{dir: cfg.Dir, name: cfg.Name, hasher: digest.New(), logger: logger.Named("publish.local")}, nil
}

// Path returns the published artifact path.
func (p *Publisher) Path() string {
	return filepath.Join(p.dir, p.name)
}

// Publish atomically replaces the published artifact with art and returns its file:// URI.
func (p *Publisher) Publish(ctx context.Context, art lyrics.Artifact) (string, error) {
	final := p.Path()
	tmp := final + ".tmp"
	prev := final + ".prev"

	if filepath.Clean(art.Path) == filepath.Clean(final) {
		return "", &lyrics.PublishError{Stage: "prepare", Err: fmt.Errorf("artifact already at destination %s", final)}
	}
	if err := ctx.Err(); err != nil {
		return "", &lyrics.PublishError{Stage: "prepare", Err: err}
	}

	if err := copyFile(art.Path, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", &lyrics.PublishError{Stage: "stage", Err: err}
	}
	sum, size, err := p.hasher.HashFile(tmp)
	if err == nil && (size != art.Size || sum != art.SHA256) {
		err = fmt.Errorf("staged copy is %d bytes (%s), want %d bytes (%s)", size, sum, art.Size, art.SHA256)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return "", &lyrics.PublishError{Stage: "verify", Err: err}
	}

	if _, err := os.Stat(final); err == nil {
		if err := copyFile(final, prev+".tmp"); err != nil {
			_ = os.Remove(tmp)
			_ = os.Remove(prev + ".tmp")
			return "", &lyrics.PublishError{Stage: "backup", Err: err}
		}
		if err := os.Rename(prev+".tmp", prev); err != nil {
			_ = os.Remove(tmp)
			return "", &lyrics.PublishError{Stage: "backup", Err: err}
		}
	}

	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return "", &lyrics.PublishError{Stage: "swap", Err: err}
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", &lyrics.PublishError{Stage: "swap", Err: err}
	}
	syncDir(p.dir)

	uri := "file://" + final
	p.logger.Info("artifact published", zap.String("uri", uri), zap.Int64("bytes", art.Size), zap.String("sha256", art.SHA256))
	return uri, nil
}

// copyFile copies src to dst and fsyncs dst.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src) // #nosec G304 -- paths come from the exporter and publisher config
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644) // #nosec G302,G304 -- artifact is world readable
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", dst, cerr)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", dst, err)
	}
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 -- configured directory
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
