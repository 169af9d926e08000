package httpapi

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackendRegistryUpgradesReadOnlyToWritable(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "image")
	require.NoError(t, err)
	require.NoError(t, f.Truncate(100))
	require.NoError(t, f.Close())

	reg := NewBackendRegistry()
	url := "file://" + f.Name()

	b, err := reg.Open("t1", url, false)
	require.NoError(t, err)

	err = b.WriteAt(context.Background(), []byte("x"), 0, false)
	assert.Error(t, err, "a read-only-opened backend must reject writes")

	b2, err := reg.Open("t1", url, true)
	require.NoError(t, err)

	err = b2.WriteAt(context.Background(), []byte("x"), 0, false)
	assert.NoError(t, err, "registry should reopen the backend read-write on demand")
}
