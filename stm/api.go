// Package stm provides the public API for the TL2 software transactional
// memory runtime.
//
// See doc.go for detailed documentation and examples.
package stm

import (
	"github.com/kolkov/tl2stm/internal/stm/engine"
	"github.com/kolkov/tl2stm/internal/stm/region"
)

// Addr is a virtual address inside a region's shared memory.
//
// Addresses are opaque: they are obtained from Start or Alloc and support
// offset arithmetic (addr + i) within a single segment, like pointer
// arithmetic on a real allocation. The zero Addr is never a valid shared
// address.
type Addr uintptr

// AllocStatus is the result of a transactional allocation.
type AllocStatus int

const (
	// AllocSuccess means the segment was allocated and its address returned.
	AllocSuccess AllocStatus = iota

	// AllocNomem means no segment was allocated: the size was not a positive
	// multiple of Align, or the region ran out of segment slots. This is not
	// a transactional abort; the transaction may continue.
	AllocNomem

	// AllocAbort means the transaction must abort because of the allocation.
	// Reserved by the interface; this implementation never returns it.
	AllocAbort
)

// Region is a shared memory region transactions run against.
//
// A Region owns its byte segments, lock table, version clock, and segment
// allocator. It is safe for concurrent use from any number of threads.
type Region struct {
	r *region.Region
}

// Tx is a transaction handle.
//
// Exactly one thread may operate on a given Tx at a time. A Tx is consumed by
// End, and by any Read or Write that returns false; a consumed handle must
// not be used again.
type Tx struct {
	t *engine.Txn
}

// Create allocates a new shared memory region with one first non-freeable
// zero-filled segment of the requested size and alignment.
//
// size must be a positive multiple of align; align must be a power of two.
func Create(size, align int) (*Region, error) {
	r, err := region.New(size, align)
	if err != nil {
		return nil, err
	}
	return &Region{r: r}, nil
}

// Destroy frees the region's segments. No transaction may be in flight.
func (r *Region) Destroy() {
	r.r.Destroy()
}

// Start returns the address of the first byte of the region's first segment.
func (r *Region) Start() Addr {
	return Addr(r.r.Start())
}

// Size returns the size in bytes of the region's first segment.
func (r *Region) Size() int {
	return r.r.Size()
}

// Align returns the alignment, in bytes, of all memory accesses on the
// region. Reads, writes, and allocations must use sizes that are positive
// multiples of this value and addresses aligned to it.
func (r *Region) Align() int {
	return r.r.Align()
}

// Begin starts a new transaction. readOnly transactions use the cheaper
// speculative-read-only protocol and always commit at End.
func (r *Region) Begin(readOnly bool) *Tx {
	return &Tx{t: engine.Begin(r.r, readOnly)}
}

// End ends the transaction, attempting to commit it. It returns true iff the
// whole transaction committed; on false the transaction aborted with no
// observable effect. Either way the handle is consumed.
func (r *Region) End(tx *Tx) bool {
	return engine.Commit(r.r, tx.t)
}

// Read copies len(dst) bytes from the shared address src into the private
// buffer dst. len(dst) must be a positive multiple of Align and src must be
// aligned.
//
// A false return means the transaction aborted: the handle is consumed and
// dst must be discarded.
func (r *Region) Read(tx *Tx, src Addr, dst []byte) bool {
	return engine.Read(r.r, tx.t, uintptr(src), dst)
}

// Write buffers len(src) bytes from the private buffer src as a pending
// store to the shared address dst. len(src) must be a positive multiple of
// Align and dst must be aligned. Nothing is visible to other transactions
// until End commits.
//
// A false return means the transaction aborted and the handle is consumed.
func (r *Region) Write(tx *Tx, src []byte, dst Addr) bool {
	return engine.Write(r.r, tx.t, src, uintptr(dst))
}

// Alloc allocates a zero-filled shared segment of the given size, usable by
// every transaction on the region. size must be a positive multiple of
// Align.
//
// Segments live until Destroy; see Free.
func (r *Region) Alloc(_ *Tx, size int) (Addr, AllocStatus) {
	addr, err := r.r.Alloc(size)
	if err != nil {
		return 0, AllocNomem
	}
	return Addr(addr), AllocSuccess
}

// Free marks a previously allocated segment for deallocation. Segments are
// actually released at Destroy, so Free is a no-op that always succeeds.
func (r *Region) Free(_ *Tx, _ Addr) bool {
	return true
}

// Diagnostics is a point-in-time snapshot of the region's internal gauges.
// On a quiescent region LocksHeld and ActiveCommitters are both zero.
type Diagnostics struct {
	// LocksHeld is the number of versioned locks currently held.
	LocksHeld int

	// Segments is the number of dynamically allocated segments.
	Segments int

	// ActiveCommitters is the number of transactions inside the commit
	// phase right now.
	ActiveCommitters int
}

// Diagnostics samples the region's gauges. The snapshot is not atomic across
// the three fields; it is meant for reporting and sanity checks, not for
// synchronization.
func (r *Region) Diagnostics() Diagnostics {
	return Diagnostics{
		LocksHeld:        r.r.Locks.HeldCount(),
		Segments:         r.r.SegmentCount(),
		ActiveCommitters: int(r.r.Committers.Load()),
	}
}
