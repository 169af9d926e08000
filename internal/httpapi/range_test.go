package httpapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeHeaderBasic(t *testing.T) {
	r, err := parseRangeHeader("bytes=256-256", 1000)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(256), r.Start)
	assert.Equal(t, int64(256), r.End)
}

func TestParseRangeHeaderAbsentMeansWholeImageNil(t *testing.T) {
	r, err := parseRangeHeader("", 1000)
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestParseRangeHeaderOpenEnded(t *testing.T) {
	r, err := parseRangeHeader("bytes=900-", 1000)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(900), r.Start)
	assert.Equal(t, int64(999), r.End)
}

func TestParseRangeHeaderSuffix(t *testing.T) {
	r, err := parseRangeHeader("bytes=-100", 1000)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, int64(900), r.Start)
	assert.Equal(t, int64(999), r.End)
}

func TestParseRangeHeaderOutOfBounds(t *testing.T) {
	_, err := parseRangeHeader("bytes=0-1000", 1000)
	assert.Error(t, err)
}

func TestParseRangeHeaderRejectsMultiRange(t *testing.T) {
	_, err := parseRangeHeader("bytes=0-10,20-30", 1000)
	assert.Error(t, err)
}

func TestParseContentRangeReadsStartOnly(t *testing.T) {
	start, err := parseContentRange("bytes 4096-8191/*")
	require.NoError(t, err)
	assert.Equal(t, int64(4096), start)
}

func TestParseContentRangeEmptyDefaultsZero(t *testing.T) {
	start, err := parseContentRange("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
}
