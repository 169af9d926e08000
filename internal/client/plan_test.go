package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ovirt/imageio/internal/backend"
)

func TestPlanFromExtentsSplitsDataIntoChunks(t *testing.T) {
	extents := []backend.Extent{
		{Start: 0, Length: chunkSize*2 + 1024, Zero: false},
	}
	items := planFromExtents(extents)

	require := assert.New(t)
	require.Len(items, 3)
	require.Equal(workItem{Start: 0, Length: chunkSize, Kind: workData}, items[0])
	require.Equal(workItem{Start: chunkSize, Length: chunkSize, Kind: workData}, items[1])
	require.Equal(workItem{Start: chunkSize * 2, Length: 1024, Kind: workData}, items[2])
}

func TestPlanFromExtentsKeepsZeroRunsWhole(t *testing.T) {
	extents := []backend.Extent{
		{Start: 0, Length: 4096, Zero: false},
		{Start: 4096, Length: chunkSize * 10, Zero: true, Hole: true},
	}
	items := planFromExtents(extents)

	assert.Len(t, items, 2)
	assert.Equal(t, workData, items[0].Kind)
	assert.Equal(t, workZero, items[1].Kind)
	assert.Equal(t, int64(chunkSize*10), items[1].Length)
}

func TestPlanFromExtentsSkipsEmptyExtents(t *testing.T) {
	extents := []backend.Extent{
		{Start: 0, Length: 0, Zero: false},
		{Start: 0, Length: 100, Zero: false},
	}
	items := planFromExtents(extents)
	assert.Len(t, items, 1)
}
