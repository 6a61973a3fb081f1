package fdengine

import (
	"sync"
	"sync/atomic"
)

// IOCallback is invoked by the dispatch loop when a descriptor surfaces in
// a ready cache. It runs on the servicing worker goroutine, whose handle is
// passed so the callback can feed intent back through the transition
// primitives. Callbacks must not block: only non-blocking syscalls are
// allowed inside.
type IOCallback func(t *Thread, fd int)

// entry is one slot of the descriptor table.
//
// The packed state word is mutated lock-free; everything the spinlock-era
// design guarded with a per-FD spinlock (event bitmap, cache membership,
// the close-path advisories) sits behind mu, a plain futex-backed mutex
// held only for O(1) work and never nested with another entry's.
type entry struct {
	state fdState

	// threadMask is the set of workers permitted to service this
	// descriptor. It changes only between insert and delete, never while
	// ACTIVE in either direction.
	threadMask atomic.Uint64
	// updateMask tracks which workers currently have this descriptor queued
	// in their update list, one bit per worker plus the external bit.
	updateMask atomic.Uint64
	// polledMask tracks which backend instances currently know about this
	// descriptor. A backend clears its own bit when it deregisters the
	// descriptor or is told to forget it; the bit of a backend replaced by
	// fallback stays set, so the close path can still tell it to forget.
	polledMask atomic.Uint64

	// mu guards the fields below and the descriptor's cache membership.
	mu    sync.Mutex
	owner any
	iocb  IOCallback
	ev    Events
	// lingerRisk asks the close path to disable lingering before closing;
	// generally set on outgoing connections.
	lingerRisk bool
	// cloned marks a descriptor duplicated from another one, which must not
	// be shut down on close.
	cloned bool

	// cacheNext/cachePrev are the intrusive ready-list links; nodes live in
	// the slot itself. cachePrev == listNone means "not in any list".
	// Mutated only with both mu and the owning list's lock held.
	cacheNext int32
	cachePrev int32

	// serial serializes callback invocation for shared-homed descriptors.
	// Kept apart from mu so callbacks can re-enter the transition
	// primitives without self-deadlocking.
	serial sync.Mutex
}

// table is the process-wide descriptor table. The index is the OS
// descriptor number, so lookup is O(1) and collision-free; a slot is
// reusable as soon as the kernel can hand the number out again.
type table struct {
	entries []entry
}

// newTable allocates the table once, sized to the descriptor ceiling.
func newTable(size int) *table {
	t := &table{entries: make([]entry, size)}
	for i := range t.entries {
		t.entries[i].cacheNext = listNone
		t.entries[i].cachePrev = listNone
	}
	return t
}

// size returns the table capacity in slots.
func (t *table) size() int {
	return len(t.entries)
}

// valid reports whether fd indexes a slot. Bounds are checked at the API
// edges; the hot paths index unchecked because descriptor validity is a
// precondition enforced by the kernel.
func (t *table) valid(fd int) bool {
	return fd >= 0 && fd < len(t.entries)
}

// get returns the slot for fd. The caller must have bounds-checked fd.
func (t *table) get(fd int) *entry {
	return &t.entries[fd]
}
