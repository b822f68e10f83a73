package txlog

import (
	"bytes"
	"testing"
)

// TestReadSetAppendOrder verifies the read set preserves append order.
func TestReadSetAppendOrder(t *testing.T) {
	var rs ReadSet
	if rs.Len() != 0 {
		t.Fatalf("fresh read set Len() = %d, want 0", rs.Len())
	}

	addrs := []uintptr{0x40, 0x08, 0x40, 0x98}
	for _, a := range addrs {
		rs.Append(a)
	}

	if rs.Len() != len(addrs) {
		t.Fatalf("Len() = %d, want %d", rs.Len(), len(addrs))
	}
	for i, a := range rs.Addrs() {
		if a != addrs[i] {
			t.Errorf("Addrs()[%d] = 0x%x, want 0x%x", i, a, addrs[i])
		}
	}
}

// TestWriteSetPutAndLookup verifies buffering and own-write lookup.
func TestWriteSetPutAndLookup(t *testing.T) {
	ws := NewWriteSet()

	if _, ok := ws.Lookup(0x10); ok {
		t.Error("Lookup() on empty write set reported a hit")
	}

	ws.Put(0x10, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	val, ok := ws.Lookup(0x10)
	if !ok {
		t.Fatal("Lookup() missed a buffered address")
	}
	if !bytes.Equal(val, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Lookup() = %v", val)
	}
}

// TestWriteSetUpdateInPlace verifies a rewrite updates the existing entry
// instead of appending: at most one entry per address.
func TestWriteSetUpdateInPlace(t *testing.T) {
	ws := NewWriteSet()

	ws.Put(0x20, []byte{1, 1, 1, 1})
	ws.Put(0x28, []byte{2, 2, 2, 2})
	ws.Put(0x20, []byte{9, 9, 9, 9})

	if ws.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (rewrite must not append)", ws.Len())
	}

	val, ok := ws.Lookup(0x20)
	if !ok || !bytes.Equal(val, []byte{9, 9, 9, 9}) {
		t.Errorf("Lookup(0x20) = %v, %v; want updated bytes", val, ok)
	}

	// First-insertion order survives the rewrite.
	entries := ws.Entries()
	if entries[0].Addr != 0x20 || entries[1].Addr != 0x28 {
		t.Errorf("insertion order broken: %x, %x", entries[0].Addr, entries[1].Addr)
	}
	if !bytes.Equal(entries[0].Val, []byte{9, 9, 9, 9}) {
		t.Errorf("entries[0].Val = %v, want updated bytes", entries[0].Val)
	}
}

// TestWriteSetCopiesValue verifies Put copies the caller's buffer, so the
// caller may reuse it.
func TestWriteSetCopiesValue(t *testing.T) {
	ws := NewWriteSet()

	buf := []byte{1, 2, 3, 4}
	ws.Put(0x30, buf)
	buf[0] = 0xFF

	val, _ := ws.Lookup(0x30)
	if val[0] != 1 {
		t.Error("Put() aliased the caller's buffer instead of copying")
	}
}

// TestWriteSetInsertionOrder verifies Entries preserves program order across
// many addresses; commit-time lock acquisition depends on it.
func TestWriteSetInsertionOrder(t *testing.T) {
	ws := NewWriteSet()
	for i := 0; i < 100; i++ {
		ws.Put(uintptr(i*8), []byte{byte(i)})
	}
	for i, e := range ws.Entries() {
		if e.Addr != uintptr(i*8) {
			t.Fatalf("Entries()[%d].Addr = 0x%x, want 0x%x", i, e.Addr, i*8)
		}
	}
}
