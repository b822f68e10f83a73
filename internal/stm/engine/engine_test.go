package engine

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kolkov/tl2stm/internal/stm/region"
)

func newRegion(t *testing.T, size int) *region.Region {
	t.Helper()
	r, err := region.New(size, 8)
	require.NoError(t, err)
	t.Cleanup(r.Destroy)
	return r
}

func putU64(buf []byte, v uint64) {
	binary.LittleEndian.PutUint64(buf, v)
}

func getU64(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// writeU64 buffers a single-word store of v at addr.
func writeU64(r *region.Region, tx *Txn, addr uintptr, v uint64) bool {
	var buf [8]byte
	putU64(buf[:], v)
	return Write(r, tx, buf[:], addr)
}

// readU64 reads one word at addr. ok=false means the transaction aborted.
func readU64(r *region.Region, tx *Txn, addr uintptr) (uint64, bool) {
	var buf [8]byte
	if !Read(r, tx, addr, buf[:]) {
		return 0, false
	}
	return getU64(buf[:]), true
}

// commitU64 runs a whole single-word writing transaction and requires it to
// commit.
func commitU64(t *testing.T, r *region.Region, addr uintptr, v uint64) {
	t.Helper()
	tx := Begin(r, false)
	require.True(t, writeU64(r, tx, addr, v))
	require.True(t, Commit(r, tx), "single uncontended writer must commit")
}

func TestReadOnlySeesZeroFilledRegion(t *testing.T) {
	r := newRegion(t, 64)

	tx := Begin(r, true)
	assert.True(t, tx.ReadOnly())

	buf := make([]byte, 64)
	require.True(t, Read(r, tx, r.Start(), buf))
	for i, b := range buf {
		require.Zerof(t, b, "byte %d of a fresh region reads non-zero", i)
	}
	assert.True(t, Commit(r, tx), "a read-only transaction always commits")
}

func TestCommitPublishesWrites(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()

	commitU64(t, r, addr, 42)
	commitU64(t, r, addr+8, 43)

	tx := Begin(r, true)
	v, ok := readU64(r, tx, addr)
	require.True(t, ok)
	assert.Equal(t, uint64(42), v)
	v, ok = readU64(r, tx, addr+8)
	require.True(t, ok)
	assert.Equal(t, uint64(43), v)
	require.True(t, Commit(r, tx))
}

func TestWritesInvisibleBeforeCommit(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()

	writer := Begin(r, false)
	require.True(t, writeU64(r, writer, addr, 7))

	reader := Begin(r, true)
	v, ok := readU64(r, reader, addr)
	require.True(t, ok)
	assert.Zero(t, v, "buffered write leaked to another transaction")

	require.True(t, Commit(r, writer))
}

func TestOwnWritesVisible(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()

	tx := Begin(r, false)
	require.True(t, writeU64(r, tx, addr, 5))
	v, ok := readU64(r, tx, addr)
	require.True(t, ok)
	assert.Equal(t, uint64(5), v, "transaction must see its own pending write")

	// A rewrite is seen too.
	require.True(t, writeU64(r, tx, addr, 6))
	v, ok = readU64(r, tx, addr)
	require.True(t, ok)
	assert.Equal(t, uint64(6), v)

	require.True(t, Commit(r, tx))
}

func TestReadAbortsAfterConflictingCommit(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()

	tx := Begin(r, false)
	_, ok := readU64(r, tx, addr)
	require.True(t, ok)

	commitU64(t, r, addr, 99)

	// The word moved past tx's snapshot; re-reading it must abort.
	_, ok = readU64(r, tx, addr)
	assert.False(t, ok, "speculative read of a too-new word must abort")
}

func TestCommitAbortsOnInvalidReadSet(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()
	other := r.Start() + 8

	tx := Begin(r, false)
	_, ok := readU64(r, tx, addr)
	require.True(t, ok)
	require.True(t, writeU64(r, tx, other, 1))

	// An overlapping commit invalidates tx's read of addr. It also advances
	// the clock past rv+1, so tx cannot take the validation shortcut.
	commitU64(t, r, addr, 99)

	assert.False(t, Commit(r, tx), "commit with a stale read set must abort")

	// The abort left no trace.
	check := Begin(r, true)
	v, ok := readU64(r, check, other)
	require.True(t, ok)
	assert.Zero(t, v, "aborted transaction leaked a write")
}

func TestCommitAbortsOnHeldLock(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()

	lk := r.Locks.ForAddr(addr)
	require.True(t, lk.TryAcquire())
	defer lk.Release()

	tx := Begin(r, false)
	require.True(t, writeU64(r, tx, addr, 1))
	assert.False(t, Commit(r, tx), "commit must fail fast on a held write lock")

	// The failed acquisition released nothing it did not own.
	assert.True(t, lk.Observe().Locked())
}

func TestAcquireFailureReleasesEarlierLocks(t *testing.T) {
	r := newRegion(t, 64)
	first := r.Start()
	second := r.Start() + 8

	lk := r.Locks.ForAddr(second)
	require.True(t, lk.TryAcquire())

	tx := Begin(r, false)
	require.True(t, writeU64(r, tx, first, 1))
	require.True(t, writeU64(r, tx, second, 2))
	require.False(t, Commit(r, tx))

	lk.Release()

	// The lock acquired for first was unwound; a new writer gets through.
	commitU64(t, r, first, 3)
}

func TestReadOnlyAbortsOnLockedWord(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()

	lk := r.Locks.ForAddr(addr)
	require.True(t, lk.TryAcquire())
	defer lk.Release()

	tx := Begin(r, true)
	_, ok := readU64(r, tx, addr)
	assert.False(t, ok, "a locked word must not be read, even speculatively")
}

func TestWriteThenReadSameWordCommits(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()
	unrelated := r.Start() + 32

	tx := Begin(r, false)
	_, ok := readU64(r, tx, addr)
	require.True(t, ok)
	require.True(t, writeU64(r, tx, addr, 10))

	// An unrelated commit forces tx through full read-set validation. The
	// lock on addr is then held by tx itself, which is not a conflict.
	commitU64(t, r, unrelated, 1)

	require.True(t, Commit(r, tx),
		"a lock held by the committing transaction itself must pass validation")

	check := Begin(r, true)
	v, ok := readU64(r, check, addr)
	require.True(t, ok)
	assert.Equal(t, uint64(10), v)
}

func TestEmptyWriteSetCommits(t *testing.T) {
	r := newRegion(t, 64)

	tx := Begin(r, false)
	_, ok := readU64(r, tx, r.Start())
	require.True(t, ok)

	// A concurrent commit cannot hurt a transaction that wrote nothing: its
	// reads were each individually consistent with rv.
	commitU64(t, r, r.Start()+8, 1)

	assert.True(t, Commit(r, tx), "a read/write transaction that never wrote commits for free")
}

func TestValidationShortcut(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()

	// With no interleaving commit, wv == rv+1 and the read set is trivially
	// valid, stale lock history notwithstanding.
	commitU64(t, r, addr, 1)

	tx := Begin(r, false)
	_, ok := readU64(r, tx, addr)
	require.True(t, ok)
	require.True(t, writeU64(r, tx, addr, 2))
	require.True(t, Commit(r, tx))

	assert.Equal(t, tx.rv+1, tx.wv, "no interleaving commit, wv must be rv+1")
}

func TestAllocatedSegmentIsTransactional(t *testing.T) {
	r := newRegion(t, 64)

	addr, err := r.Alloc(32)
	require.NoError(t, err)

	tx := Begin(r, false)
	v, ok := readU64(r, tx, addr)
	require.True(t, ok)
	require.Zero(t, v, "fresh segment reads non-zero")
	require.True(t, writeU64(r, tx, addr+8, 77))
	require.True(t, Commit(r, tx))

	check := Begin(r, true)
	v, ok = readU64(r, check, addr+8)
	require.True(t, ok)
	assert.Equal(t, uint64(77), v)
}

func TestCommitVersionsAdvanceWithClock(t *testing.T) {
	r := newRegion(t, 64)
	addr := r.Start()

	var prev uint64
	for i := uint64(1); i <= 10; i++ {
		commitU64(t, r, addr, i)
		w := r.Locks.ForAddr(addr).Observe()
		require.False(t, w.Locked())
		require.Greater(t, w.Version(), prev, "commit versions must advance")
		require.LessOrEqual(t, w.Version(), r.Clock.Load())
		prev = w.Version()
	}
}

// TestConcurrentTransfers moves units between accounts from many goroutines
// and checks the total is conserved: the serializability smoke test.
func TestConcurrentTransfers(t *testing.T) {
	const (
		accounts  = 8
		workers   = 4
		transfers = 200
		initial   = uint64(1000)
	)

	r := newRegion(t, accounts*8)
	start := r.Start()

	for i := 0; i < accounts; i++ {
		commitU64(t, r, start+uintptr(i*8), initial)
	}

	transfer := func(from, to uintptr) {
		for {
			tx := Begin(r, false)
			a, ok := readU64(r, tx, from)
			if !ok {
				continue
			}
			b, ok := readU64(r, tx, to)
			if !ok {
				continue
			}
			if !writeU64(r, tx, from, a-1) || !writeU64(r, tx, to, b+1) {
				continue
			}
			if Commit(r, tx) {
				return
			}
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int) {
			defer wg.Done()
			for i := 0; i < transfers; i++ {
				from := uintptr(((seed + i) % accounts) * 8)
				to := uintptr(((seed + i + 1 + i%3) % accounts) * 8)
				if from == to {
					to = uintptr(((seed + i + 1) % accounts) * 8)
				}
				if from == to {
					continue
				}
				transfer(start+from, start+to)
			}
		}(w)
	}
	wg.Wait()

	tx := Begin(r, true)
	var total uint64
	for i := 0; i < accounts; i++ {
		v, ok := readU64(r, tx, start+uintptr(i*8))
		require.True(t, ok, "quiescent read-only scan must not abort")
		total += v
	}
	assert.Equal(t, uint64(accounts)*initial, total,
		"transfers must conserve the account total")
}

// TestConcurrentCountersConverge increments one shared counter from many
// goroutines; every increment that reports commit must land exactly once.
func TestConcurrentCountersConverge(t *testing.T) {
	const (
		workers = 8
		incs    = 300
	)

	r := newRegion(t, 64)
	addr := r.Start()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < incs; i++ {
				for {
					tx := Begin(r, false)
					v, ok := readU64(r, tx, addr)
					if !ok {
						continue
					}
					if !writeU64(r, tx, addr, v+1) {
						continue
					}
					if Commit(r, tx) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()

	tx := Begin(r, true)
	v, ok := readU64(r, tx, addr)
	require.True(t, ok)
	assert.Equal(t, uint64(workers*incs), v)
}
