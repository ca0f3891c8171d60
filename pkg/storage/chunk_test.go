package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectivePartSize(t *testing.T) {
	// small file, no request: default
	assert.Equal(t, DefaultPartSize, EffectivePartSize(100<<20, 0))
	// explicit request wins when legal
	assert.Equal(t, int64(8<<20), EffectivePartSize(100<<20, 8<<20))
	// requests below the backend minimum are raised
	assert.Equal(t, MinPartSize, EffectivePartSize(100<<20, 1<<20))
	// requests above the backend maximum are clamped
	assert.Equal(t, MaxPartSize, EffectivePartSize(0, 6<<30))
	// huge files force bigger parts so the upload fits the part budget
	size := EffectivePartSize(MaxFileSize, 0)
	assert.Greater(t, size, DefaultPartSize)
	assert.LessOrEqual(t, TotalParts(MaxFileSize, size), MaxParts)
}

func TestTotalParts(t *testing.T) {
	assert.Equal(t, 1, TotalParts(0, DefaultPartSize))
	assert.Equal(t, 1, TotalParts(1, DefaultPartSize))
	assert.Equal(t, 1, TotalParts(DefaultPartSize, DefaultPartSize))
	assert.Equal(t, 2, TotalParts(DefaultPartSize+1, DefaultPartSize))
	// 2 GiB in 5 MiB parts
	assert.Equal(t, 410, TotalParts(2<<30, 5<<20))
}

func TestPartSizingRoundTrip(t *testing.T) {
	for _, fileSize := range []int64{1, 5 << 20, 1 << 30, 5 << 40} {
		size := EffectivePartSize(fileSize, 0)
		n := TotalParts(fileSize, size)
		assert.LessOrEqual(t, n, MaxParts, "fileSize=%d", fileSize)
		assert.GreaterOrEqual(t, int64(n)*size, fileSize, "fileSize=%d", fileSize)
	}
}
