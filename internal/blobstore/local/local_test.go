package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vbonduro/ailab/internal/blobstore"
)

var _ blobstore.BlobStore = (*LocalBlobStore)(nil)

func TestLocalBlobStorePutAndGet(t *testing.T) {
	tmpdir := t.TempDir()
	store, err := NewLocalBlobStore(tmpdir)
	require.NoError(t, err)

	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "history/device-1", []byte(`{"version":1}`)))

	data, err := store.Get(ctx, "history/device-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"version":1}`), data)

	_, err = os.Stat(filepath.Join(tmpdir, "history", "device-1.json"))
	assert.NoError(t, err)
}

func TestLocalBlobStorePutOverwrites(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", []byte("first")))
	require.NoError(t, store.Put(ctx, "k", []byte("second")))

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestLocalBlobStoreDelete(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "k", []byte("data")))

	// Delete
	require.NoError(t, store.Delete(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	assert.ErrorIs(t, store.Delete(ctx, "k"), blobstore.ErrNotFound)
}

func TestLocalBlobStoreGetMissing(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "history/nobody")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestLocalBlobStorePathTraversal(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = store.Get(ctx, "../../etc/passwd")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, blobstore.ErrNotFound)

	assert.Error(t, store.Put(ctx, "../escape", []byte("x")))
	assert.Error(t, store.Delete(ctx, "../../etc/passwd"))
	assert.Error(t, store.Put(ctx, "", []byte("x")))
}
