// Package region implements the shared memory region: the backing byte
// segments, the virtual address space transactions operate on, the lock
// table, the global version clock, and the dynamic segment allocator.
//
// # Virtual addressing
//
// A shared address is a 64-bit virtual address whose top 16 bits select a
// segment slot and whose bottom 48 bits are the byte offset inside that
// segment:
//
//	[Slot:16][Offset:48]
//
// Slot 0 is never used, so the zero address stays invalid. Slot 1 is the
// region's first allocated segment; Start() returns its base. Dynamic
// segments take the next free slot. Address arithmetic (start + i) works
// within a segment exactly like pointer arithmetic on a real allocation.
//
// Segment resolution on the read/write path is lock-free: slots are a fixed
// array of atomic pointers, so a transaction never touches the allocator
// mutex unless it is itself allocating.
package region

import (
	"sync"
	"sync/atomic"

	"github.com/pingcap/errors"
	"github.com/sirupsen/logrus"

	"github.com/kolkov/tl2stm/internal/stm/clock"
	"github.com/kolkov/tl2stm/internal/stm/locktable"
)

const (
	// offsetBits is the number of address bits carrying the in-segment offset.
	offsetBits = 48

	// offsetMask extracts the offset from a virtual address.
	offsetMask = (uintptr(1) << offsetBits) - 1

	// MaxSegments is the number of segment slots (2^16).
	// Slot pointers: 64K x 8 bytes = 512KB fixed per region.
	MaxSegments = 1 << 16

	// firstSlot is the slot of the region's first allocated segment.
	firstSlot = 1
)

// segment is one contiguous allocation of shared memory.
//
// prev/next link dynamic segments into the allocator list, guarded by the
// region's segment mutex. The first segment is not on the list; it lives and
// dies with the region itself.
type segment struct {
	prev, next *segment
	slot       uint16
	data       []byte
}

// Region owns everything shared between the transactions running on it.
type Region struct {
	size  int
	align int

	// Locks maps every shared word onto a versioned spin lock.
	Locks *locktable.Table

	// Clock is the global version clock ordering commits on this region.
	Clock clock.Clock

	// Committers counts transactions currently inside the commit phase.
	// The protocol engine uses it for admission control.
	Committers atomic.Int64

	// slots resolves the segment portion of a virtual address without
	// locking. Entries are published once (by New for the first segment, by
	// Alloc for dynamic ones) and cleared at Destroy.
	slots [MaxSegments]atomic.Pointer[segment]

	// segMu guards the dynamic segment list and slot assignment. It is the
	// only blocking point in the whole system and is held just long enough
	// to link a segment in.
	segMu    sync.Mutex
	allocs   *segment
	nextSlot uint32
}

// New creates a region with one first non-freeable segment of the requested
// size and alignment. The segment is zero-filled and every lock starts free
// at version 0.
//
// size must be a positive multiple of align; align must be a power of two.
func New(size, align int) (*Region, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, errors.Errorf("region: alignment %d is not a power of two", align)
	}
	if size <= 0 || size%align != 0 {
		return nil, errors.Errorf("region: size %d is not a positive multiple of alignment %d", size, align)
	}

	r := &Region{
		size:     size,
		align:    align,
		Locks:    locktable.New(),
		nextSlot: firstSlot + 1,
	}
	first := &segment{slot: firstSlot, data: make([]byte, size)}
	r.slots[firstSlot].Store(first)

	logrus.WithFields(logrus.Fields{
		"size":  size,
		"align": align,
	}).Debug("stm: region created")
	return r, nil
}

// Destroy tears the region down: every dynamic segment is unlinked and
// released along with the first segment. The caller guarantees no in-flight
// transaction touches the region anymore.
func (r *Region) Destroy() {
	r.segMu.Lock()
	freed := 0
	for s := r.allocs; s != nil; s = s.next {
		r.slots[s.slot].Store(nil)
		s.data = nil
		freed++
	}
	r.allocs = nil
	r.segMu.Unlock()

	r.slots[firstSlot].Store(nil)

	logrus.WithField("segments", freed).Debug("stm: region destroyed")
}

// Start returns the virtual address of the first byte of the first segment.
//
//go:nosplit
func (r *Region) Start() uintptr {
	return uintptr(firstSlot) << offsetBits
}

// Size returns the size in bytes of the first segment.
func (r *Region) Size() int {
	return r.size
}

// Align returns the alignment of all memory accesses on this region.
func (r *Region) Align() int {
	return r.align
}

// Slice resolves the n bytes at virtual address addr to their backing
// storage. It reports false if addr does not fall inside a live segment or
// the range runs off the segment's end.
//
// Slice is on the hot path of every transactional read and write; it does a
// shift, a bounds check, and one atomic pointer load.
//
//go:nosplit
func (r *Region) Slice(addr uintptr, n int) ([]byte, bool) {
	slot := addr >> offsetBits
	off := addr & offsetMask
	if slot == 0 || slot >= MaxSegments {
		return nil, false
	}
	seg := r.slots[slot].Load()
	if seg == nil || off+uintptr(n) > uintptr(len(seg.data)) {
		return nil, false
	}
	return seg.data[off : off+uintptr(n)], true
}

// Alloc creates a zero-filled dynamic segment of the given size and links it
// at the head of the segment list. It returns the virtual address of the
// segment's first byte.
//
// size must be a positive multiple of the region's alignment. The returned
// address is aligned by construction: every segment starts at offset 0 of its
// own slot. Allocation is the only operation that may block, on the segment
// mutex.
func (r *Region) Alloc(size int) (uintptr, error) {
	if size <= 0 || size%r.align != 0 {
		return 0, errors.Errorf("region: alloc size %d is not a positive multiple of alignment %d", size, r.align)
	}

	r.segMu.Lock()
	if r.nextSlot >= MaxSegments {
		r.segMu.Unlock()
		return 0, errors.New("region: out of segment slots")
	}
	sn := &segment{
		slot: uint16(r.nextSlot),
		data: make([]byte, size),
	}
	r.nextSlot++

	sn.next = r.allocs
	if sn.next != nil {
		sn.next.prev = sn
	}
	r.allocs = sn
	r.slots[sn.slot].Store(sn)
	r.segMu.Unlock()

	addr := uintptr(sn.slot) << offsetBits
	logrus.WithFields(logrus.Fields{
		"slot": sn.slot,
		"size": size,
	}).Debug("stm: segment allocated")
	return addr, nil
}

// SegmentCount returns the number of live dynamic segments. Diagnostic only.
func (r *Region) SegmentCount() int {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	n := 0
	for s := r.allocs; s != nil; s = s.next {
		n++
	}
	return n
}
