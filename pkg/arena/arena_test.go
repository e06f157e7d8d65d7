package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArena_AllocZeroedAndDisjoint(t *testing.T) {
	a := NewArenaSize(256)

	first := a.Alloc(16)
	require.Len(t, first, 16)
	for i := range first {
		assert.Zero(t, first[i])
	}
	for i := range first {
		first[i] = 0xFF
	}

	second := a.Alloc(16)
	require.Len(t, second, 16)
	for i := range second {
		assert.Zero(t, second[i], "allocation must not alias earlier one")
	}
}

func TestArena_GrowsPastChunk(t *testing.T) {
	a := NewArenaSize(64)

	for i := 0; i < 10; i++ {
		buf := a.Alloc(48)
		require.Len(t, buf, 48)
	}
	assert.Greater(t, a.BytesAllocated(), 64)
}

func TestArena_OversizedRequest(t *testing.T) {
	a := NewArenaSize(64)

	big := a.Alloc(1024)
	require.Len(t, big, 1024)

	// The current chunk cursor is untouched by the dedicated chunk.
	small := a.Alloc(8)
	require.Len(t, small, 8)
}

func TestArena_ResetReleasesExtraChunks(t *testing.T) {
	a := NewArenaSize(64)
	for i := 0; i < 10; i++ {
		a.Alloc(48)
	}
	grown := a.BytesAllocated()
	require.Greater(t, grown, 64)

	a.Reset()
	assert.Equal(t, 64, a.BytesAllocated())

	// Memory handed out before Reset is stale; fresh allocations are zeroed.
	buf := a.Alloc(64)
	for i := range buf {
		assert.Zero(t, buf[i])
	}
}

func TestPool_ReusesArenas(t *testing.T) {
	p := NewPool()

	a := p.Get()
	require.NotNil(t, a)
	a.Alloc(128 * 1024) // force growth
	p.Put(a)

	b := p.Get()
	require.NotNil(t, b)
	// Whatever arena comes back is reset to its base footprint.
	buf := b.Alloc(32)
	for i := range buf {
		assert.Zero(t, buf[i])
	}
}
