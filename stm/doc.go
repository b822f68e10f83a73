// Package stm implements a word-based software transactional memory with the
// TL2 (Transactional Locking II) commit protocol.
//
// The runtime gives many concurrent threads the illusion of atomic,
// serializable access to a shared memory region: every committed transaction
// is observably equivalent to some serial execution consistent with a global
// version order, and even doomed transactions never observe a torn or
// inconsistent snapshot (opacity).
//
// # Quick Start
//
//	rg, err := stm.Create(4096, 8)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer rg.Destroy()
//
//	// Swap the words in two slots, retrying on conflict.
//	for {
//		tx := rg.Begin(false)
//		var a, b [8]byte
//		if !rg.Read(tx, rg.Start(), a[:]) {
//			continue // aborted, retry with a fresh transaction
//		}
//		if !rg.Read(tx, rg.Start()+8, b[:]) {
//			continue
//		}
//		if !rg.Write(tx, b[:], rg.Start()) || !rg.Write(tx, a[:], rg.Start()+8) {
//			continue
//		}
//		if rg.End(tx) {
//			break
//		}
//	}
//
// # Programming model
//
//   - Memory is addressed in words of Align bytes. Sizes passed to Read,
//     Write, and Alloc must be positive multiples of Align; addresses must be
//     Align-aligned.
//   - Read copies shared memory into private buffers; Write copies private
//     buffers into the transaction's write set. Shared memory changes only at
//     a successful End.
//   - Any Read, Write, or End returning false is a conflict abort. The
//     transaction handle is dead; the caller retries with a fresh Begin.
//     Conflict aborts are the normal cost of optimistic concurrency, not
//     errors.
//   - Read-only transactions (Begin(true)) validate each read in place and
//     always commit at End.
//
// # How it works
//
// Every region carries a global version clock and a fixed table of versioned
// spin locks; each shared word maps to one lock by its address. Transactions
// snapshot the clock at Begin. Reads are speculative: copy the word between
// two observations of its lock and keep the copy only if nothing moved.
// Commit locks the write set, draws a fresh version from the clock, validates
// the read set against the snapshot, writes back, and releases each lock
// stamped with the new version.
//
// The API mirrors the classic word-based STM interface: Create, Destroy,
// Start, Size, Align, Begin, End, Read, Write, Alloc, Free.
package stm
