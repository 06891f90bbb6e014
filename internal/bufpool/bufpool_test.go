package bufpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFittingShift(t *testing.T) {
	cases := []struct {
		size  uint64
		shift uint
	}{
		{1, 0}, {2, 1}, {3, 2}, {4, 2}, {5, 3}, {1024, 10}, {1025, 11},
	}
	for _, c := range cases {
		assert.Equal(t, c.shift, fittingShift(c.size), "size %d", c.size)
	}
}

func TestGetReturnsExactPayloadLength(t *testing.T) {
	p := New(10, 20, 4, Panic)
	b := p.Get(1000)
	assert.Len(t, b.Bytes(), 1000)
	assert.Equal(t, 1024, cap(b.Bytes()), "backed by the next power of two")
	b.Free()
}

func TestBuffersAreReused(t *testing.T) {
	p := New(10, 20, 4, Panic)
	b := p.Get(512) // below min shift, clamped up to 1<<10
	first := &b.Bytes()[0]
	b.Free()

	b2 := p.Get(1024)
	assert.Same(t, first, &b2.Bytes()[0], "freed buffer comes back")
	b2.Free()
}

func TestZeroSize(t *testing.T) {
	p := New(10, 20, 4, Panic)
	b := p.Get(0)
	assert.Empty(t, b.Bytes())
	b.Free() // must not panic
}

func TestNoFitBehaviors(t *testing.T) {
	t.Run("Allocate", func(t *testing.T) {
		p := New(10, 12, 4, Allocate)
		b := p.Get(1 << 20)
		assert.Len(t, b.Bytes(), 1<<20)
		b.Free()
	})
	t.Run("AllocateSmaller", func(t *testing.T) {
		p := New(10, 12, 4, AllocateSmaller)
		b := p.Get(1 << 20)
		assert.Len(t, b.Bytes(), 1<<12)
		b.Free()
	})
	t.Run("Panic", func(t *testing.T) {
		p := New(10, 12, 4, Panic)
		require.Panics(t, func() { p.Get(1 << 20) })
	})
}

func TestDoubleFreeIsHarmless(t *testing.T) {
	p := New(10, 12, 4, Panic)
	b := p.Get(1024)
	b.Free()
	b.Free()
}
