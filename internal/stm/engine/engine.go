// Package engine implements the TL2 transaction protocol: begin, speculative
// reads, buffered writes, and the versioned-lock commit.
//
// The protocol in one paragraph: a transaction snapshots the global clock at
// begin (rv). Reads copy shared words speculatively, bracketing each copy
// with two lock observations; a copy is kept only if the bracketing
// observations are identical, unlocked, and not newer than rv. Writes buffer
// into the write set and touch no shared memory. Commit acquires the
// write-set locks in insertion order with fail-fast CAS, draws a fresh
// write-version (wv) from the clock, validates the read set against rv, copies
// the buffered values into place, and releases each lock carrying wv. Any
// failure along the way unwinds completely: an aborted transaction leaves no
// observable effect on shared memory.
//
// Everything here is non-blocking. Lock acquisition is a single CAS that
// fails fast and turns into an abort; there is no spinning, sleeping, or
// yielding anywhere in the commit path.
package engine

import (
	"github.com/Workiva/go-datastructures/bitarray"

	"github.com/kolkov/tl2stm/internal/stm/locktable"
	"github.com/kolkov/tl2stm/internal/stm/region"
	"github.com/kolkov/tl2stm/internal/stm/txlog"
)

// MaxSimulTxns caps the number of transactions simultaneously inside the
// commit phase. A transaction arriving while the cap is exceeded aborts
// instead of piling up on contended locks.
const MaxSimulTxns = 64

// Txn is a single transaction. It is owned by exactly one thread from Begin
// until Commit or abort; none of its state is ever shared.
type Txn struct {
	readOnly bool

	// rv is the read-version: the clock value sampled at begin. Every
	// speculative read validates against it.
	rv uint64

	// wv is the write-version drawn at commit, zero until then.
	wv uint64

	reads  txlog.ReadSet
	writes *txlog.WriteSet
}

// ReadOnly reports whether the transaction was started in read-only mode.
func (tx *Txn) ReadOnly() bool {
	return tx.readOnly
}

// Begin starts a transaction on r.
//
// The only work is sampling the clock: rv is the snapshot version every read
// in this transaction must be consistent with. Begin cannot fail.
func Begin(r *region.Region, readOnly bool) *Txn {
	return &Txn{
		readOnly: readOnly,
		rv:       r.Clock.Load(),
		writes:   txlog.NewWriteSet(),
	}
}

// speculativeRead copies one shared word at addr into dst, bracketed by two
// observations of the word's lock.
//
// The copy is trustworthy only if both observations are equal, the lock was
// free, and the version does not exceed the transaction's snapshot. Any other
// outcome means a writer was (or may have been) active while we copied, and
// the transaction must abort: even a doomed transaction is never allowed to
// act on a torn or too-new word.
//
//go:nosplit
func speculativeRead(r *region.Region, tx *Txn, addr uintptr, dst []byte) bool {
	lk := r.Locks.ForAddr(addr)

	pre := lk.Observe()
	src, ok := r.Slice(addr, len(dst))
	if !ok {
		return false
	}
	copy(dst, src)
	post := lk.Observe()

	if pre != post || post.Version() > tx.rv || post.Locked() {
		return false
	}
	return true
}

// Read copies len(dst) bytes from shared address src into the private buffer
// dst, one alignment word at a time. len(dst) must be a positive multiple of
// the region's alignment and src must be aligned.
//
// In a read/write transaction a word that has a pending store is served from
// the write set, so a transaction always sees its own writes. Words read from
// shared memory are appended to the read set for commit-time validation.
//
// A false return means the transaction aborted and is dead; the caller must
// not use it again. dst may then contain partial data and must be discarded.
func Read(r *region.Region, tx *Txn, src uintptr, dst []byte) bool {
	align := r.Align()
	for i := 0; i < len(dst); i += align {
		addr := src + uintptr(i)
		word := dst[i : i+align]

		if !tx.readOnly {
			if val, ok := tx.writes.Lookup(addr); ok {
				copy(word, val)
				continue
			}
		}

		if !speculativeRead(r, tx, addr, word) {
			return false
		}
		if !tx.readOnly {
			tx.reads.Append(addr)
		}
	}
	return true
}

// Write buffers len(src) bytes from the private buffer src as pending stores
// to the shared address dst, one alignment word at a time. len(src) must be a
// positive multiple of the region's alignment and dst must be aligned.
//
// No shared memory is touched: rewrites of an already-buffered word update
// the buffered bytes in place, new words append to the write set in program
// order. That order is the lock acquisition order at commit.
func Write(r *region.Region, tx *Txn, src []byte, dst uintptr) bool {
	align := r.Align()
	for i := 0; i < len(src); i += align {
		tx.writes.Put(dst+uintptr(i), src[i:i+align])
	}
	return true
}

// Commit attempts to serialize the transaction. It returns true iff the
// transaction committed; either way the transaction is consumed.
//
// Read-only transactions and read/write transactions that never wrote have
// already proven their consistency read by read, so they commit immediately.
func Commit(r *region.Region, tx *Txn) bool {
	if tx.readOnly || tx.writes.Len() == 0 {
		return true
	}

	// Admission control: shed commit attempts rather than let them pile up
	// on contended locks.
	if r.Committers.Load() > MaxSimulTxns {
		return false
	}
	r.Committers.Add(1)

	// Acquire the write-set locks in insertion order, failing fast. A lock
	// already held - by anyone, including a colliding entry of this very
	// write set - aborts the commit; the locks acquired so far are released
	// in the same order.
	entries := tx.writes.Entries()
	for n := range entries {
		if !r.Locks.ForAddr(entries[n].Addr).TryAcquire() {
			for i := 0; i < n; i++ {
				r.Locks.ForAddr(entries[i].Addr).Release()
			}
			r.Committers.Add(-1)
			return false
		}
	}

	// The write-version. The fetch-and-add on the global clock is the
	// linearization point of this commit.
	tx.wv = r.Clock.Tick()

	// Validate the read set, unless the clock moved from rv straight to wv:
	// then no other transaction can have committed in between and the reads
	// are trivially still valid.
	if tx.wv != tx.rv+1 {
		if !validateReads(r, tx, entries) {
			for i := range entries {
				r.Locks.ForAddr(entries[i].Addr).Release()
			}
			r.Committers.Add(-1)
			return false
		}
	}

	// Point of no return: copy the buffered values into shared memory and
	// release each lock publishing wv in the same atomic step.
	for i := range entries {
		if dst, ok := r.Slice(entries[i].Addr, len(entries[i].Val)); ok {
			copy(dst, entries[i].Val)
		}
		r.Locks.ForAddr(entries[i].Addr).SetAndRelease(tx.wv)
	}

	r.Committers.Add(-1)
	return true
}

// validateReads checks every read-set address against the transaction's
// snapshot while the write-set locks are held.
//
// A read is still valid if its lock carries a version <= rv and is not held
// by another transaction. A lock held by this transaction itself - the
// address is also in our write set - is fine: it is our own pending write,
// and the version bits under our lock bit still show the last committed
// writer. A too-new version aborts regardless of who holds the lock.
func validateReads(r *region.Region, tx *Txn, entries []txlog.WriteEntry) bool {
	owned := bitarray.NewSparseBitArray()
	for i := range entries {
		// Lock indices of a successfully acquired write set are unique, so
		// the sparse set stays small. SetBit on a sparse array cannot fail.
		_ = owned.SetBit(uint64(locktable.IndexOf(entries[i].Addr)))
	}

	for _, addr := range tx.reads.Addrs() {
		idx := locktable.IndexOf(addr)
		w := r.Locks.Lock(idx).Observe()
		if w.Version() > tx.rv {
			return false
		}
		if w.Locked() {
			selfHeld, _ := owned.GetBit(uint64(idx))
			if !selfHeld {
				return false
			}
		}
	}
	return true
}
