package backend

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	payload := []byte("hello blob")
	require.NoError(t, b.Put(ctx, "2024/1/2/3/0/uid123", bytes.NewReader(payload), false))

	r, err := b.Get(ctx, "2024/1/2/3/0/uid123")
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStagedWriteIsInvisibleUntilCommitted(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "2024/1/2/3/0/uid123", bytes.NewReader([]byte("staged")), true))

	exists, err := b.FileExists(ctx, "2024/1/2/3/0/uid123")
	require.NoError(t, err)
	assert.False(t, exists, "staged write must not be visible")

	_, err = b.Get(ctx, "2024/1/2/3/0/uid123")
	assert.True(t, IsNotFound(err))

	require.NoError(t, b.MakePermanent(ctx, "2024/1/2/3/0/uid123"))

	exists, err = b.FileExists(ctx, "2024/1/2/3/0/uid123")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGetMissingFileIsNotFound(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Get(context.Background(), "nope/uid")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, ErrNotFound, CodeOf(err))
}

func TestUnlinkWithPruneRemovesEmptyAncestors(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "2024/1/2/3/0/uid1", bytes.NewReader([]byte("a")), false))
	require.NoError(t, b.Put(ctx, "2024/1/2/9/0/uid2", bytes.NewReader([]byte("b")), false))

	require.NoError(t, b.Unlink(ctx, "2024/1/2/3/0/uid1", true))

	// The emptied bucket chain is gone.
	_, err := os.Stat(filepath.Join(b.Root(), "2024", "1", "2", "3"))
	assert.True(t, os.IsNotExist(err))

	// The shared ancestor still holds the sibling bucket and survives.
	_, err = os.Stat(filepath.Join(b.Root(), "2024", "1", "2"))
	assert.NoError(t, err)

	// Root is never removed.
	_, err = os.Stat(b.Root())
	assert.NoError(t, err)
}

func TestUnlinkWithoutPruneKeepsDirectories(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "2024/1/2/3/0/uid1", bytes.NewReader([]byte("a")), false))
	require.NoError(t, b.Unlink(ctx, "2024/1/2/3/0/uid1", false))

	_, err := os.Stat(filepath.Join(b.Root(), "2024", "1", "2", "3", "0"))
	assert.NoError(t, err)
}

func TestUnlinkMissingFile(t *testing.T) {
	b := newTestBackend(t)

	err := b.Unlink(context.Background(), "2024/1/2/3/0/ghost", false)
	assert.True(t, IsNotFound(err))
}

func TestWalkEnumeratesFiles(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.Put(ctx, "2024/1/2/3/0/uid1", bytes.NewReader([]byte("a")), false))
	require.NoError(t, b.Put(ctx, "2024/1/2/3/0/uid2", bytes.NewReader([]byte("b")), false))
	require.NoError(t, b.Put(ctx, "2024/1/2/9/30/uid3", bytes.NewReader([]byte("c")), false))

	found := make(map[string][]string)
	require.NoError(t, b.Walk(ctx, func(subpath string, files []string) error {
		found[subpath] = files
		return nil
	}))

	require.Len(t, found, 2)
	assert.ElementsMatch(t, []string{"uid1", "uid2"}, found["2024/1/2/3/0"])
	assert.ElementsMatch(t, []string{"uid3"}, found["2024/1/2/9/30"])
}
