package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gxp-io/fleet/go/fleet"
)

func TestBitsetTracking(t *testing.T) {
	var b bitset
	require.False(t, b.has(0))
	require.Equal(t, 0, b.count())
	require.Equal(t, []int{0, 1, 2}, b.missingBelow(3))

	b.set(0)
	b.set(2)
	b.set(130) // forces growth past two words
	require.True(t, b.has(0))
	require.False(t, b.has(1))
	require.True(t, b.has(130))
	require.Equal(t, 3, b.count())
	require.Equal(t, []int{1}, b.missingBelow(3))

	b.set(0) // idempotent
	require.Equal(t, 3, b.count())

	b.clear(130)
	require.False(t, b.has(130))
	require.Equal(t, 2, b.count())
	b.clear(4096) // beyond allocated words
	require.Equal(t, 2, b.count())

	b.set(1)
	require.Nil(t, b.missingBelow(3))
}

func TestAssemblyCompletion(t *testing.T) {
	var a = &assembly{
		capture: &fleet.Capture{},
		chunks:  make(map[int][]byte),
		maxSeen: -1,
	}

	// Unknown count: never complete, gaps run to the highest id seen.
	require.False(t, a.complete())
	require.Empty(t, a.gaps())

	a.bits.set(0)
	a.bits.set(3)
	a.maxSeen = 3
	require.False(t, a.complete())
	require.Equal(t, []int{1, 2}, a.gaps())

	// Count learned: gaps run to the declared count.
	a.capture.TotalChunks = 6
	require.Equal(t, []int{1, 2, 4, 5}, a.gaps())
	require.False(t, a.complete())

	for _, id := range []int{1, 2, 4, 5} {
		a.bits.set(id)
	}
	require.True(t, a.complete())
	require.Empty(t, a.gaps())
}

func TestJPEGMarkers(t *testing.T) {
	require.True(t, isJPEG([]byte{0xFF, 0xD8, 0x00, 0x11, 0xFF, 0xD9}))
	require.True(t, isJPEG([]byte{0xFF, 0xD8, 0xFF, 0xD9}))
	require.False(t, isJPEG([]byte{0xFF, 0xD8, 0xFF}))
	require.False(t, isJPEG([]byte{0x89, 0x50, 0x4E, 0x47, 0xFF, 0xD9})) // PNG magic
	require.False(t, isJPEG([]byte{0xFF, 0xD8, 0x00, 0x00}))
	require.False(t, isJPEG(nil))
}
