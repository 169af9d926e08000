package filelock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockSucceedsThenBlocksASecondHolder(t *testing.T) {
	dir := t.TempDir()

	first := NewForDir(dir)
	acquired, err := first.TryLock()
	require.NoError(t, err)
	assert.True(t, acquired)

	second := NewForDir(dir)
	acquired2, err := second.TryLock()
	require.NoError(t, err)
	assert.False(t, acquired2)

	require.NoError(t, first.Unlock())

	acquired3, err := second.TryLock()
	require.NoError(t, err)
	assert.True(t, acquired3)
	require.NoError(t, second.Unlock())
}

func TestWithLockRunsAndReleases(t *testing.T) {
	dir := t.TempDir()
	lock := NewForDir(dir)

	ran := false
	err := lock.WithLock(func() error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	other := NewForDir(dir)
	acquired, err := other.TryLock()
	require.NoError(t, err)
	assert.True(t, acquired, "lock should be released after WithLock returns")
	require.NoError(t, other.Unlock())
}
