// Package vlock implements the versioned spin lock word at the heart of the
// TL2 commit protocol.
//
// A versioned lock packs two things into a single 64-bit atomic word:
//   - Bit 0: the lock bit (1 = held, 0 = free)
//   - Bits 1..63: the version of the last committed writer
//
// While the lock bit is clear, the version bits carry the commit version of
// the most recent transaction that wrote to any word mapped to this lock.
// While the lock bit is set, readers must not trust anything they copied from
// locations covered by this lock.
//
// This encoding enables the speculative read pattern: observe the word, copy
// the data, observe again, and keep the copy only if both observations are
// identical, unlocked, and not newer than the reader's snapshot.
package vlock

import "sync/atomic"

// Word is a snapshot of a lock's packed state.
//
// Layout: [Version:63][LockBit:1].
//
// Example: 0x15 represents version=10, locked; 0x14 represents version=10, free.
type Word uint64

const lockBit uint64 = 1

// Locked reports whether the lock bit is set in this snapshot.
//
//go:nosplit
func (w Word) Locked() bool {
	return uint64(w)&lockBit != 0
}

// Version extracts the version number from this snapshot.
//
//go:nosplit
func (w Word) Version() uint64 {
	return uint64(w) >> 1
}

// Pack builds the released word carrying version v.
//
//go:nosplit
func Pack(v uint64) Word {
	return Word(v << 1)
}

// VLock is a single versioned spin lock.
//
// The zero value is a free lock at version 0, which is exactly the state a
// freshly created region requires, so a lock table can be used without
// explicit initialization.
//
// Memory ordering: Go's sync/atomic operations are sequentially consistent,
// which subsumes the acquire semantics needed on Observe/TryAcquire and the
// release semantics needed on Release/SetAndRelease. The atomic loads and
// stores double as compiler barriers, so data copies bracketed by two Observe
// calls cannot be hoisted across them.
type VLock struct {
	state atomic.Uint64
}

// Init resets the lock to free at version 0.
func (l *VLock) Init() {
	l.state.Store(0)
}

// TryAcquire attempts to set the lock bit.
//
// It performs a single observation followed by a single compare-and-swap;
// there is no retry loop. If the lock is already held, or another thread wins
// the CAS, TryAcquire returns false and the caller decides what to do about
// it (in the commit protocol: abort). This fail-fast shape is what keeps the
// commit phase non-blocking.
//
//go:nosplit
func (l *VLock) TryAcquire() bool {
	w := l.state.Load()
	if Word(w).Locked() {
		return false
	}
	return l.state.CompareAndSwap(w, w|lockBit)
}

// Release clears the lock bit, preserving the version.
//
// The caller must hold the lock. Subtracting one is valid because the lock
// bit is known to be set and nobody else can clear it concurrently.
//
//go:nosplit
func (l *VLock) Release() {
	l.state.Add(^uint64(0))
}

// SetAndRelease publishes version v and releases the lock in a single atomic
// store. The caller must hold the lock. Because the store writes v<<1, the
// lock bit comes out clear and any later Observe sees the new version.
//
//go:nosplit
func (l *VLock) SetAndRelease(v uint64) {
	l.state.Store(uint64(Pack(v)))
}

// Observe loads the whole packed word, version and lock bit together.
//
// Readers use this to bracket speculative copies; validators use it to check
// read-set entries against their snapshot.
//
//go:nosplit
func (l *VLock) Observe() Word {
	return Word(l.state.Load())
}
