package backend

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestImage(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.raw")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
	return path
}

func TestFileReadWriteRoundTrip(t *testing.T) {
	path := newTestImage(t, 1<<20)
	f, err := OpenFile(path, true)
	require.NoError(t, err)
	defer f.Close()

	ctx := context.Background()
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	require.NoError(t, f.WriteAt(ctx, payload, 8192, true))

	out := make([]byte, len(payload))
	require.NoError(t, f.ReadAt(ctx, out, 8192))
	assert.Equal(t, payload, out)
}

func TestFileReadBeyondSizeFails(t *testing.T) {
	path := newTestImage(t, 1024)
	f, err := OpenFile(path, false)
	require.NoError(t, err)
	defer f.Close()

	buf := make([]byte, 10)
	err = f.ReadAt(context.Background(), buf, 1020)
	assert.Error(t, err)
}

func TestFileZeroThenRead(t *testing.T) {
	path := newTestImage(t, 1<<20)
	f, err := OpenFile(path, true)
	require.NoError(t, err)
	defer f.Close()

	ctx := context.Background()
	ones := make([]byte, 65536)
	for i := range ones {
		ones[i] = 0xFF
	}
	require.NoError(t, f.WriteAt(ctx, ones, 0, true))
	require.NoError(t, f.Zero(ctx, 0, 65536, true, false))

	out := make([]byte, 65536)
	require.NoError(t, f.ReadAt(ctx, out, 0))
	for _, b := range out {
		require.Equal(t, byte(0), b)
	}
}

func TestFileMaxWritersIsOne(t *testing.T) {
	path := newTestImage(t, 4096)
	f, err := OpenFile(path, true)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, 1, f.MaxWriters())
	assert.GreaterOrEqual(t, f.MaxReaders(), 1)
}

func TestFileExtentsCoverWholeImage(t *testing.T) {
	path := newTestImage(t, 1<<20)
	f, err := OpenFile(path, true)
	require.NoError(t, err)
	defer f.Close()

	extents, err := f.Extents(context.Background(), ContextZero)
	require.NoError(t, err)
	require.NotEmpty(t, extents)

	var total int64
	for i, e := range extents {
		assert.Equal(t, total, e.Start, "extents must be contiguous and ascending")
		total += e.Length
		if i > 0 {
			prev := extents[i-1]
			assert.False(t, prev.Zero == e.Zero && prev.Hole == e.Hole, "adjacent extents with identical flags must be merged")
		}
	}
	assert.Equal(t, f.Size(), total, "extents must cover [0, size)")
}
