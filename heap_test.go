package lamellar

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeapAlloc(t *testing.T) {
	h := newSymmetricHeap(64)

	a, ok := h.alloc(3)
	require.True(t, ok)
	require.Equal(t, h.baseAddr(), a)

	b, ok := h.alloc(8)
	require.True(t, ok)
	require.Equal(t, h.baseAddr()+heapAlign, b, "allocations are aligned")
	require.Equal(t, 16, h.allocatedBytes())

	_, ok = h.alloc(0)
	require.False(t, ok)
	_, ok = h.alloc(128)
	require.False(t, ok, "larger than the heap")
}

func TestHeapExhaustion(t *testing.T) {
	h := newSymmetricHeap(32)
	for range 4 {
		_, ok := h.alloc(8)
		require.True(t, ok)
	}
	_, ok := h.alloc(1)
	require.False(t, ok)
}

func TestHeapReleaseCoalesces(t *testing.T) {
	h := newSymmetricHeap(32)
	a, _ := h.alloc(8)
	b, _ := h.alloc(8)
	c, _ := h.alloc(8)
	_, _ = h.alloc(8)

	require.NoError(t, h.release(a))
	require.NoError(t, h.release(c))
	_, ok := h.alloc(16)
	require.False(t, ok, "free spans are not contiguous yet")

	require.NoError(t, h.release(b))
	big, ok := h.alloc(24)
	require.True(t, ok, "released neighbours were merged")
	require.Equal(t, a, big)
}

func TestHeapReleaseUnknown(t *testing.T) {
	h := newSymmetricHeap(32)
	a, _ := h.alloc(8)

	require.ErrorIs(t, h.release(a+1), ErrUnknownAddr)
	require.ErrorIs(t, h.release(0), ErrUnknownAddr)
	require.NoError(t, h.release(a))
	require.ErrorIs(t, h.release(a), ErrUnknownAddr, "double free")
	require.Zero(t, h.allocatedBytes())
}

func TestHeapBounds(t *testing.T) {
	h := newSymmetricHeap(16)

	require.NoError(t, h.write(8, []byte("abcdefgh")))
	dst := make([]byte, 8)
	require.NoError(t, h.read(8, dst))
	require.Equal(t, "abcdefgh", string(dst))

	require.ErrorIs(t, h.write(12, []byte("abcdefgh")), ErrHeapBounds)
	require.ErrorIs(t, h.read(-1, dst), ErrHeapBounds)

	off, err := h.offset(h.baseAddr()+4, 4)
	require.NoError(t, err)
	require.Equal(t, 4, off)

	_, err = h.offset(h.baseAddr()+12, 8)
	require.ErrorIs(t, err, ErrHeapBounds)
	_, err = h.offset(h.baseAddr()-1, 1)
	require.ErrorIs(t, err, ErrHeapBounds)
}

func TestHeapBoundsOverflow(t *testing.T) {
	h := newSymmetricHeap(64)
	buf := make([]byte, 8)

	require.ErrorIs(t, h.write(math.MaxInt-2, buf), ErrHeapBounds)
	require.ErrorIs(t, h.read(math.MaxInt-2, buf), ErrHeapBounds)
	require.ErrorIs(t, h.check(8, math.MaxInt), ErrHeapBounds)

	_, err := h.offset(h.baseAddr()+uintptr(math.MaxInt-2), 8)
	require.ErrorIs(t, err, ErrHeapBounds)
	_, err = h.offset(^uintptr(0), 8)
	require.ErrorIs(t, err, ErrHeapBounds)
}

func TestHeapAllocHuge(t *testing.T) {
	h := newSymmetricHeap(64)

	_, ok := h.alloc(math.MaxInt)
	require.False(t, ok)
	_, ok = h.alloc(math.MaxInt - heapAlign + 2)
	require.False(t, ok)
	require.Zero(t, h.allocatedBytes())

	a, ok := h.alloc(64)
	require.True(t, ok, "the free list is untouched")
	require.Equal(t, h.baseAddr(), a)
}
