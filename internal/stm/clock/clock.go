// Package clock implements the global version clock shared by all
// transactions on a region.
//
// The clock is a single atomic counter, monotonically non-decreasing. Every
// transaction samples it at begin (its read-version rv) and every writing
// transaction advances it exactly once at commit (its write-version wv). The
// fetch-and-add on commit is the single linearization point that orders
// concurrent commits: two successful commits can never share a write-version.
package clock

import "sync/atomic"

// Clock is the region-wide version counter.
//
// The zero value is a clock at version 0, ready to use.
type Clock struct {
	now atomic.Uint64
}

// Load returns the current version without advancing the clock.
// Transactions call this at begin to take their snapshot version.
//
//go:nosplit
func (c *Clock) Load() uint64 {
	return c.now.Load()
}

// Tick advances the clock by one and returns the new version.
//
// A committing transaction's write-version is the value Tick returns. Because
// the underlying add is atomic, every caller gets a distinct version and the
// sequence of returned values is strictly increasing.
//
//go:nosplit
func (c *Clock) Tick() uint64 {
	return c.now.Add(1)
}
