package lamellar

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/btree"
)

const heapAlign = 8

// span is a contiguous range of the heap, ordered by offset.
type span struct {
	off  int
	size int
}

func spanLess(a, b span) bool {
	return a.off < b.off
}

// symmetricHeap is the local partition of the global address space.
// Every PE allocates in the same order, so a given offset designates the
// matching region everywhere.
type symmetricHeap struct {
	lk        sync.RWMutex
	mem       []byte
	base      uintptr
	free      *btree.BTreeG[span]
	used      map[int]int
	allocated int
}

func newSymmetricHeap(size int) *symmetricHeap {
	mem := make([]byte, size)
	h := &symmetricHeap{
		mem:  mem,
		base: uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		free: btree.NewG[span](8, spanLess),
		used: make(map[int]int),
	}
	h.free.ReplaceOrInsert(span{off: 0, size: size})
	return h
}

func (h *symmetricHeap) baseAddr() uintptr {
	return h.base
}

// alloc is first-fit over the free list.
func (h *symmetricHeap) alloc(size int) (uintptr, bool) {
	if size <= 0 || size > len(h.mem) {
		return 0, false
	}
	size = (size + heapAlign - 1) &^ (heapAlign - 1)

	h.lk.Lock()
	defer h.lk.Unlock()

	var found span
	var ok bool
	h.free.Ascend(func(s span) bool {
		if s.size >= size {
			found, ok = s, true
			return false
		}
		return true
	})
	if !ok {
		return 0, false
	}

	h.free.Delete(found)
	if found.size > size {
		h.free.ReplaceOrInsert(span{off: found.off + size, size: found.size - size})
	}
	h.used[found.off] = size
	h.allocated += size
	return h.base + uintptr(found.off), true
}

// release gives a region back to the free list, merging it with its
// neighbours.
func (h *symmetricHeap) release(addr uintptr) error {
	if addr < h.base {
		return fmt.Errorf("%w: %#x", ErrUnknownAddr, addr)
	}
	off := int(addr - h.base)

	h.lk.Lock()
	defer h.lk.Unlock()

	size, ok := h.used[off]
	if !ok {
		return fmt.Errorf("%w: %#x", ErrUnknownAddr, addr)
	}
	delete(h.used, off)
	h.allocated -= size

	merged := span{off: off, size: size}
	h.free.DescendLessOrEqual(span{off: off}, func(prev span) bool {
		if prev.off+prev.size == off {
			h.free.Delete(prev)
			merged = span{off: prev.off, size: prev.size + size}
		}
		return false
	})
	if next, ok := h.free.Get(span{off: off + size}); ok {
		h.free.Delete(next)
		merged.size += next.size
	}
	h.free.ReplaceOrInsert(merged)
	return nil
}

// offset translates a local address into a heap offset valid for n bytes.
func (h *symmetricHeap) offset(addr uintptr, n int) (int, error) {
	if addr < h.base {
		return 0, fmt.Errorf("%w: %#x", ErrHeapBounds, addr)
	}
	off := int(addr - h.base)
	if err := h.check(off, n); err != nil {
		return 0, err
	}
	return off, nil
}

func (h *symmetricHeap) check(off, n int) error {
	if off < 0 || n < 0 || off > len(h.mem) || n > len(h.mem)-off {
		return fmt.Errorf("%w: offset %d length %d size %d", ErrHeapBounds, off, n, len(h.mem))
	}
	return nil
}

func (h *symmetricHeap) write(off int, src []byte) error {
	if err := h.check(off, len(src)); err != nil {
		return err
	}
	h.lk.Lock()
	copy(h.mem[off:], src)
	h.lk.Unlock()
	return nil
}

func (h *symmetricHeap) read(off int, dst []byte) error {
	if err := h.check(off, len(dst)); err != nil {
		return err
	}
	h.lk.RLock()
	copy(dst, h.mem[off:off+len(dst)])
	h.lk.RUnlock()
	return nil
}

func (h *symmetricHeap) size() int {
	return len(h.mem)
}

func (h *symmetricHeap) allocatedBytes() int {
	h.lk.RLock()
	defer h.lk.RUnlock()
	return h.allocated
}
