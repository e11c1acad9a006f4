// Package gcs publishes snapshot artifacts to a Google Cloud Storage bucket.
//
// The artifact is uploaded to a temporary object with a CRC32C the server checks,
// the current object is copied aside to OBJECT.prev, and the temporary object is
// copied over the final name. Server-side copies are atomic, so readers of the final
// object never observe a partial upload.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

const contentType = "application/x-brotli"

// Config captures the destination of the published artifact.
type Config struct {
	Bucket string
	// Prefix is an optional object name prefix ("releases/").
	Prefix string
	// Object is the artifact name below Prefix.
	Object string
}

// ObjectInfo is what the publisher needs to know about an uploaded object.
type ObjectInfo struct {
	Size   int64
	CRC32C uint32
}

// Bucket is the object-store surface the publisher drives.
type Bucket interface {
	Upload(ctx context.Context, object string, r io.Reader, crc uint32) (ObjectInfo, error)
	Exists(ctx context.Context, object string) (bool, error)
	Copy(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, object string) error
}

// Publisher implements lyrics.ArtifactPublisher on GCS.
type Publisher struct {
	bucket Bucket
	name   string
	object string
	logger *zap.Logger
}

// New creates a GCS publisher backed by client.
func New(client *storage.Client, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return NewWithBucket(&clientBucket{handle: client.Bucket(cfg.Bucket)}, cfg, logger)
}

// NewWithBucket creates a publisher over an arbitrary Bucket implementation.
func NewWithBucket(b Bucket, cfg Config, logger *zap.Logger) (*Publisher, error) {
	if b == nil {
		return nil, fmt.Errorf("bucket is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		return nil, fmt.Errorf("object name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		bucket: b,
		name:   cfg.Bucket,
		object: path.Join(strings.Trim(cfg.Prefix, "/"), cfg.Object),
		logger: logger.Named("publish.gcs"),
	}, nil
}

// Object returns the final object name.
func (p *Publisher) Object() string {
	return p.object
}

// Publish uploads art and swaps it into place, returning its gs:// URI.
func (p *Publisher) Publish(ctx context.Context, art lyrics.Artifact) (string, error) {
	crc, err := fileCRC32C(art.Path)
	if err != nil {
		return "", &lyrics.PublishError{Stage: "prepare", Err: err}
	}

	tmp := p.object + ".tmp"
	f, err := os.Open(art.Path) // #nosec G304 -- path comes from the exporter
	if err != nil {
		return "", &lyrics.PublishError{Stage: "prepare", Err: fmt.Errorf("open artifact: %w", err)}
	}
	info, err := p.bucket.Upload(ctx, tmp, f, crc)
	_ = f.Close()
	if err != nil {
		return "", &lyrics.PublishError{Stage: "upload", Err: err}
	}
	if info.Size != art.Size || info.CRC32C != crc {
		p.cleanup(ctx, tmp)
		return "", &lyrics.PublishError{
			Stage: "verify",
			Err:   fmt.Errorf("uploaded object is %d bytes crc %08x, want %d bytes crc %08x", info.Size, info.CRC32C, art.Size, crc),
		}
	}

	exists, err := p.bucket.Exists(ctx, p.object)
	if err != nil {
		p.cleanup(ctx, tmp)
		return "", &lyrics.PublishError{Stage: "backup", Err: err}
	}
	if exists {
		if err := p.bucket.Copy(ctx, p.object, p.object+".prev"); err != nil {
			p.cleanup(ctx, tmp)
			return "", &lyrics.PublishError{Stage: "backup", Err: err}
		}
	}

	if err := p.bucket.Copy(ctx, tmp, p.object); err != nil {
		p.cleanup(ctx, tmp)
		return "", &lyrics.PublishError{Stage: "swap", Err: err}
	}
	p.cleanup(ctx, tmp)

	uri := fmt.Sprintf("gs://%s/%s", p.name, p.object)
	p.logger.Info("artifact published", zap.String("uri", uri), zap.Int64("bytes", art.Size), zap.String("sha256", art.SHA256))
	return uri, nil
}

func (p *Publisher) cleanup(ctx context.Context, object string) {
	if err := p.bucket.Delete(context.WithoutCancel(ctx), object); err != nil {
		p.logger.Warn("failed to delete temporary object", zap.String("object", object), zap.Error(err))
	}
}

func fileCRC32C(name string) (uint32, error) {
	f, err := os.Open(name) // #nosec G304 -- path comes from the exporter
	if err != nil {
		return 0, fmt.Errorf("open artifact: %w", err)
	}
	defer func() { _ = f.Close() }()
	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	if _, err := io.Copy(h, f); err != nil {
		return 0, fmt.Errorf("checksum artifact: %w", err)
	}
	return h.Sum32(), nil
}

// clientBucket adapts a storage.BucketHandle to Bucket.
type clientBucket struct {
	handle *storage.BucketHandle
}

func (b *clientBucket) Upload(ctx context.Context, object string, r io.Reader, crc uint32) (ObjectInfo, error) {
	w := b.handle.Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CRC32C = crc
	w.SendCRC32C = true
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return ObjectInfo{}, fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return ObjectInfo{}, fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("close writer: %w", err)
	}
	attrs := w.Attrs()
	return ObjectInfo{Size: attrs.Size, CRC32C: attrs.CRC32C}, nil
}

func (b *clientBucket) Exists(ctx context.Context, object string) (bool, error) {
	_, err := b.handle.Object(object).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat object %s: %w", object, err)
	}
	return true, nil
}

func (b *clientBucket) Copy(ctx context.Context, src, dst string) error {
	if _, err := b.handle.Object(dst).CopierFrom(b.handle.Object(src)).Run(ctx); err != nil {
		return fmt.Errorf("copy %s to %s: %w", src, dst, err)
	}
	return nil
}

func (b *clientBucket) Delete(ctx context.Context, object string) error {
	err := b.handle.Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object %s: %w", object, err)
	}
	return nil
}
