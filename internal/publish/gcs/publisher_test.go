package gcs

import (
	"context"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

type fakeBucket struct {
	mu        sync.Mutex
	objects   map[string][]byte
	corrupt   bool
	copyErr   error
	deletions []string
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}}
}

func (b *fakeBucket) Upload(_ context.Context, object string, r io.Reader, _ uint32) (ObjectInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, err
	}
	if b.corrupt {
		data = append(data, 'x')
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[object] = data
	return ObjectInfo{Size: int64(len(data)), CRC32C: crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))}, nil
}

func (b *fakeBucket) Exists(_ context.Context, object string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[object]
	return ok, nil
}

func (b *fakeBucket) Copy(_ context.Context, src, dst string) error {
	if b.copyErr != nil {
		return b.copyErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[src]
	if !ok {
		return errors.New("no such object")
	}
	b.objects[dst] = append([]byte(nil), data...)
	return nil
}

func (b *fakeBucket) Delete(_ context.Context, object string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, object)
	b.deletions = append(b.deletions, object)
	return nil
}

func writeArtifact(t *testing.T, content string) lyrics.Artifact {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lyrics.db.br")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return lyrics.Artifact{Path: path, Size: int64(len(content)), SHA256: "sum"}
}

func TestNewWithBucketValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithBucket(nil, Config{Object: "a"}, nil)
	require.Error(t, err)
	_, err = NewWithBucket(newFakeBucket(), Config{}, nil)
	require.Error(t, err)
	_, err = New(nil, Config{Bucket: "b", Object: "a"}, nil)
	require.Error(t, err)

	p, err := NewWithBucket(newFakeBucket(), Config{Bucket: "b", Prefix: "/releases/", Object: "lyrics.db.br"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "releases/lyrics.db.br", p.Object())
}

func TestPublishSwapsAndKeepsPrevious(t *testing.T) {
	t.Parallel()

	b := newFakeBucket()
	p, err := NewWithBucket(b, Config{Bucket: "bkt", Object: "lyrics.db.br"}, nil)
	require.NoError(t, err)

	uri, err := p.Publish(context.Background(), writeArtifact(t, "v1"))
	require.NoError(t, err)
	assert.Equal(t, "gs://bkt/lyrics.db.br", uri)

	_, err = p.Publish(context.Background(), writeArtifact(t, "v2"))
	require.NoError(t, err)

	assert.Equal(t, "v2", string(b.objects["lyrics.db.br"]))
	assert.Equal(t, "v1", string(b.objects["lyrics.db.br.prev"]))
	_, tmpLeft := b.objects["lyrics.db.br.tmp"]
	assert.False(t, tmpLeft)
}

func TestPublishVerifyFailureKeepsCurrent(t *testing.T) {
	t.Parallel()

	b := newFakeBucket()
	b.objects["lyrics.db.br"] = []byte("current")
	b.corrupt = true
	p, err := NewWithBucket(b, Config{Bucket: "bkt", Object: "lyrics.db.br"}, nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), writeArtifact(t, "new"))
	var pe *lyrics.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "verify", pe.Stage)
	assert.Equal(t, "current", string(b.objects["lyrics.db.br"]))
	assert.Contains(t, b.deletions, "lyrics.db.br.tmp")
}

func TestPublishCopyFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBucket()
	b.copyErr = errors.New("quota")
	p, err := NewWithBucket(b, Config{Bucket: "bkt", Object: "lyrics.db.br"}, nil)
	require.NoError(t, err)

	_, err = p.Publish(context.Background(), writeArtifact(t, "new"))
	var pe *lyrics.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "swap", pe.Stage)
	_, ok := b.objects["lyrics.db.br"]
	assert.False(t, ok)
}

func TestPublishMissingArtifact(t *testing.T) {
	t.Parallel()

	p, err := NewWithBucket(newFakeBucket(), Config{Bucket: "bkt", Object: "lyrics.db.br"}, nil)
	require.NoError(t, err)
	_, err = p.Publish(context.Background(), lyrics.Artifact{Path: filepath.Join(t.TempDir(), "none")})
	var pe *lyrics.PublishError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "prepare", pe.Stage)
}
