package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyCap(t *testing.T) {
	assert.Equal(t, 8, concurrencyCap(0, 0))
	assert.Equal(t, 4, concurrencyCap(4, 0))
	assert.Equal(t, 2, concurrencyCap(8, 2))
	assert.Equal(t, 1, concurrencyCap(-1, 1))
	assert.Equal(t, 8, concurrencyCap(100, 100))
}

func TestRunWorkersProcessesAllItems(t *testing.T) {
	items := make([]workItem, 20)
	for i := range items {
		items[i] = workItem{Start: int64(i), Length: 1}
	}

	var processed atomic.Int64
	err := runWorkers(context.Background(), 4, items, func(_ context.Context, item workItem) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(20), processed.Load())
}

func TestRunWorkersFailsFastAndCancelsPeers(t *testing.T) {
	items := make([]workItem, 50)
	for i := range items {
		items[i] = workItem{Start: int64(i), Length: 1}
	}

	boom := errors.New("boom")
	var started atomic.Int64
	err := runWorkers(context.Background(), 4, items, func(ctx context.Context, item workItem) error {
		started.Add(1)
		if item.Start == 5 {
			return boom
		}
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
}
