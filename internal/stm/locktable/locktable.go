// Package locktable maps shared-memory addresses onto a fixed array of
// versioned spin locks.
//
// A shared word at virtual address A is protected by the lock at index
// A mod Size. Two distinct addresses may map to the same lock; that false
// sharing is intentional and correct. It trades occasional spurious conflict
// aborts for a bounded, allocation-free lock footprint, exactly like a
// fixed-size shadow array trades collisions for predictability.
package locktable

import "github.com/kolkov/tl2stm/internal/stm/vlock"

const (
	// SizeBits is the log2 of the lock array size.
	SizeBits = 20

	// Size is the number of versioned locks in a table (2^20 = 1,048,576).
	// Memory: 1M x 8 bytes = 8MB fixed per region.
	Size = 1 << SizeBits

	// mask extracts the lock index from an address. Size is a power of two,
	// so the mask is exactly the modulus.
	mask = Size - 1
)

// Table is a fixed array of versioned locks covering a whole region.
//
// The zero value is ready to use: every lock starts free at version 0.
// All operations are lock-free; the table itself has no internal mutex.
type Table struct {
	locks [Size]vlock.VLock
}

// New allocates a lock table with every lock free at version 0.
func New() *Table {
	return &Table{}
}

// IndexOf computes the lock index protecting the word at addr.
//
//go:nosplit
func IndexOf(addr uintptr) uint32 {
	return uint32(addr & mask)
}

// Lock returns the lock at index idx. idx must be < Size.
//
//go:nosplit
func (t *Table) Lock(idx uint32) *vlock.VLock {
	return &t.locks[idx]
}

// ForAddr returns the lock protecting the word at addr.
//
//go:nosplit
func (t *Table) ForAddr(addr uintptr) *vlock.VLock {
	return &t.locks[addr&mask]
}

// HeldCount walks the table and counts locks whose lock bit is currently set.
//
// This is a diagnostic for tooling and tests, never used on the protocol hot
// path. The count is a point-in-time approximation under concurrency.
func (t *Table) HeldCount() int {
	held := 0
	for i := range t.locks {
		if t.locks[i].Observe().Locked() {
			held++
		}
	}
	return held
}
