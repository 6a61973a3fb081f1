package fdengine

import (
	"math/bits"
	"sync"
)

// Ready-list link markers. cachePrev == listNone means the slot is not a
// member of any list; listEnd terminates a walk.
const (
	listEnd  int32 = -1
	listNone int32 = -3
)

// fdList is an intrusive list of descriptors; the links live inside the
// table slots themselves, so membership costs no allocation. The global
// ready cache takes the write side of rw for membership changes while
// drains snapshot the walk order under the read side; per-worker lists use
// the same type and are effectively uncontended, their only writers being
// the owning worker and the occasional cross-worker readiness fold.
type fdList struct {
	rw    sync.RWMutex
	first int32
	last  int32
}

// init prepares an empty list.
func (l *fdList) init() {
	l.first = listEnd
	l.last = listEnd
}

// add appends fd to the tail. The caller holds the slot's mu, which is what
// makes the membership test race-free.
func (l *fdList) add(tab *table, fd int) {
	en := tab.get(fd)
	if en.cachePrev != listNone {
		return
	}

	l.rw.Lock()
	en.cacheNext = listEnd
	en.cachePrev = l.last
	if l.last == listEnd {
		l.first = int32(fd)
	} else {
		tab.get(int(l.last)).cacheNext = int32(fd)
	}
	l.last = int32(fd)
	l.rw.Unlock()
}

// remove unlinks fd if present. The caller holds the slot's mu.
func (l *fdList) remove(tab *table, fd int) {
	en := tab.get(fd)
	if en.cachePrev == listNone {
		return
	}

	l.rw.Lock()
	next, prev := en.cacheNext, en.cachePrev
	if prev == listEnd {
		l.first = next
	} else {
		tab.get(int(prev)).cacheNext = next
	}
	if next == listEnd {
		l.last = prev
	} else {
		tab.get(int(next)).cachePrev = prev
	}
	en.cacheNext = listNone
	en.cachePrev = listNone
	l.rw.Unlock()
}

// snapshot appends the current walk order to buf and returns it. Taken
// under the read lock so a drain observes a consistent chain while
// transitions keep mutating per-FD state.
func (l *fdList) snapshot(tab *table, buf []int) []int {
	l.rw.RLock()
	for fd := l.first; fd != listEnd; fd = tab.get(int(fd)).cacheNext {
		buf = append(buf, int(fd))
	}
	l.rw.RUnlock()
	return buf
}

// cacheFor routes a descriptor to its ready list: exactly one bit in the
// thread mask means single-homed, served from that worker's local list;
// anything else is shared and goes through the global list.
func (e *Engine) cacheFor(mask uint64) *fdList {
	if mask != 0 && mask&(mask-1) == 0 {
		return &e.threads[bits.TrailingZeros64(mask)].cacheLocal
	}
	return &e.cacheGlobal
}

// allocCacheEntry ensures fd is present in its ready list and advertises
// the pending work. Caller holds the slot's mu.
func (e *Engine) allocCacheEntry(fd int) {
	en := e.tab.get(fd)
	if en.cachePrev != listNone {
		return
	}
	mask := en.threadMask.Load() & e.allMask
	if mask == 0 {
		return
	}
	e.cacheFor(mask).add(e.tab, fd)
	e.cacheMask.Or(mask)
	e.wakeSleepers(mask)
}

// releaseCacheEntry ensures fd is absent from its ready list. Caller holds
// the slot's mu.
func (e *Engine) releaseCacheEntry(fd int) {
	en := e.tab.get(fd)
	if en.cachePrev == listNone {
		return
	}
	e.cacheFor(en.threadMask.Load() & e.allMask).remove(e.tab, fd)
}

// updateCacheLocked reconciles cache membership with the state word: the
// descriptor is cached exactly when some direction is both ACTIVE and
// READY. Called under the slot's mu after every state mutation.
func (e *Engine) updateCacheLocked(fd int, en *entry) {
	if en.state.Load().needsCache() {
		e.allocCacheEntry(fd)
	} else {
		e.releaseCacheEntry(fd)
	}
}

// wakeSleepers kicks the poller when readiness was handed to a worker that
// is currently blocked in the wait syscall.
func (e *Engine) wakeSleepers(mask uint64) {
	if e.sleepMask.Load()&mask == 0 {
		return
	}
	if p := e.activePoller(); p != nil {
		p.wake()
		if e.metrics != nil {
			e.metrics.Wakeups.Add(1)
		}
	}
}
