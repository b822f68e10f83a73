// Package txlog implements the per-transaction read and write logs.
//
// Both logs are single-threaded: a transaction is owned by exactly one thread,
// so neither container takes any lock. The read set is an append-only list of
// addresses. The write set is an insertion-ordered list of pending stores with
// by-address lookup; the insertion order is what makes lock acquisition and
// partial release deterministic during commit.
package txlog

// ReadSet records the shared addresses a read/write transaction has observed.
//
// Entries are appended after a speculative read passes its post-check and are
// never removed; the whole set is discarded with the transaction.
type ReadSet struct {
	addrs []uintptr
}

// Append adds addr to the read set.
func (r *ReadSet) Append(addr uintptr) {
	r.addrs = append(r.addrs, addr)
}

// Len returns the number of recorded reads.
func (r *ReadSet) Len() int {
	return len(r.addrs)
}

// Addrs returns the recorded addresses in append order.
//
// The returned slice is the set's backing storage; callers must treat it as
// read-only.
func (r *ReadSet) Addrs() []uintptr {
	return r.addrs
}

// WriteEntry is a single pending store: the target shared address and the
// buffered bytes (exactly one alignment word) that will be copied there if
// the transaction commits.
type WriteEntry struct {
	Addr uintptr
	Val  []byte
}

// WriteSet buffers the stores of a read/write transaction.
//
// Invariants:
//   - At most one entry per address; rewriting an address updates the
//     buffered bytes in place.
//   - Entries keep their first-insertion order. Commit acquires and releases
//     locks in exactly this order, so a failed acquisition can unwind
//     unambiguously.
//
// Lookup is backed by an address index on top of the ordered entries, the
// same observable behavior as the classic append-only list with O(n) search,
// minus the search.
type WriteSet struct {
	entries []WriteEntry
	index   map[uintptr]int
}

// NewWriteSet creates an empty write set.
func NewWriteSet() *WriteSet {
	return &WriteSet{index: make(map[uintptr]int)}
}

// Put buffers val as the pending store for addr. val must be exactly one
// alignment word; its bytes are copied, so the caller's buffer can be reused.
func (w *WriteSet) Put(addr uintptr, val []byte) {
	if i, ok := w.index[addr]; ok {
		copy(w.entries[i].Val, val)
		return
	}
	buf := make([]byte, len(val))
	copy(buf, val)
	w.index[addr] = len(w.entries)
	w.entries = append(w.entries, WriteEntry{Addr: addr, Val: buf})
}

// Lookup returns the buffered bytes for addr, if addr has a pending store.
// Reads inside the owning transaction use this to see their own writes.
func (w *WriteSet) Lookup(addr uintptr) ([]byte, bool) {
	i, ok := w.index[addr]
	if !ok {
		return nil, false
	}
	return w.entries[i].Val, true
}

// Len returns the number of pending stores.
func (w *WriteSet) Len() int {
	return len(w.entries)
}

// Entries returns the pending stores in insertion order.
//
// The returned slice is the set's backing storage; callers must treat it as
// read-only.
func (w *WriteSet) Entries() []WriteEntry {
	return w.entries
}
