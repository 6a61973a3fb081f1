package fdengine

import (
	"context"
	"runtime/debug"
)

// Thread is the handle of one dispatch worker. Callbacks receive the
// servicing Thread so that intent changes made from inside a callback land
// on that worker's own update list, keeping each list single-producer,
// single-consumer.
//
// A Thread's methods must only be called from its own goroutine, i.e. from
// inside a callback it dispatched. Use the Engine methods everywhere else.
type Thread struct {
	e          *Engine
	cacheLocal fdList
	updt       []int // update list: fds whose POLLED bit flipped
	scratch    []int // drain snapshot buffer
	extScratch []int // external update drain buffer
	id         int
	bit        uint64
}

// ID returns the worker's index, 0..Workers()-1.
func (t *Thread) ID() int {
	return t.id
}

// Engine returns the engine this worker belongs to.
func (t *Thread) Engine() *Engine {
	return t.e
}

// enqueueUpdate queues fd on this worker's update list. Idempotent per
// poll cycle: only the first caller to flip the worker's update-mask bit
// appends; repeats within the cycle are free.
func (t *Thread) enqueueUpdate(fd int) {
	en := t.e.tab.get(fd)
	if en.updateMask.Or(t.bit)&t.bit != 0 {
		return
	}
	t.updt = append(t.updt, fd)
}

// WantRecv asserts read interest on fd.
func (t *Thread) WantRecv(fd int) { t.e.wantDir(fd, dirRead, t.enqueueUpdate) }

// WantSend asserts write interest on fd.
func (t *Thread) WantSend(fd int) { t.e.wantDir(fd, dirWrite, t.enqueueUpdate) }

// StopRecv withdraws read interest on fd.
func (t *Thread) StopRecv(fd int) { t.e.stopDir(fd, dirRead, t.enqueueUpdate) }

// StopSend withdraws write interest on fd.
func (t *Thread) StopSend(fd int) { t.e.stopDir(fd, dirWrite, t.enqueueUpdate) }

// StopBoth withdraws interest in both directions atomically.
func (t *Thread) StopBoth(fd int) { t.e.stopBoth(fd, t.enqueueUpdate) }

// MayRecv reports fd readable without polling.
func (t *Thread) MayRecv(fd int) { t.e.mayDir(fd, dirRead) }

// MaySend reports fd writable without polling.
func (t *Thread) MaySend(fd int) { t.e.mayDir(fd, dirWrite) }

// CantRecv reports a would-block read on fd.
func (t *Thread) CantRecv(fd int) { t.e.cantDir(fd, dirRead, t.enqueueUpdate) }

// CantSend reports a would-block write on fd.
func (t *Thread) CantSend(fd int) { t.e.cantDir(fd, dirWrite, t.enqueueUpdate) }

// DoneRecv drops read readiness after a suspected end of data.
func (t *Thread) DoneRecv(fd int) { t.e.doneDir(fd, dirRead, t.enqueueUpdate) }

// Delete detaches and closes fd; see Engine.Delete.
func (t *Thread) Delete(fd int) error { return t.e.Delete(fd) }

// Remove detaches fd without closing it; see Engine.Remove.
func (t *Thread) Remove(fd int) error { return t.e.Remove(fd) }

// run is the dispatch loop: poll, process cached events, flush updates.
func (t *Thread) run(ctx context.Context) error {
	e := t.e
	for {
		if ctx.Err() != nil || e.closed.Load() {
			return nil
		}
		slot := e.active.Load()
		if slot == nil {
			return ErrNoPoller
		}

		err := slot.p.poll(t, t.pollTimeout())
		e.sleepMask.And(^t.bit)
		if e.metrics != nil {
			e.metrics.Polls.Add(1)
		}
		if err != nil {
			if e.stopping.Load() || e.closed.Load() {
				return nil
			}
			if !e.pollerFault(slot, err) {
				return &PollerError{Backend: slot.p.name(), Err: err}
			}
			continue
		}

		t.processCachedEvents()
		t.flushUpdates()
	}
}

// pollTimeout picks the wait ceiling for the next poll: zero whenever this
// worker already has cached work or updates are pending, the configured
// interval otherwise. The sleep bit is published before the final check so
// a concurrent cache insert cannot slip between check and sleep unnoticed.
func (t *Thread) pollTimeout() int {
	e := t.e
	if e.stopping.Load() {
		return 0
	}
	if e.cacheMask.Load()&t.bit != 0 || len(t.updt) > 0 {
		return 0
	}
	e.sleepMask.Or(t.bit)
	if e.cacheMask.Load()&t.bit != 0 || e.externalPending() {
		e.sleepMask.And(^t.bit)
		return 0
	}
	return e.pollIntervalMs
}

// processCachedEvents drains the local cache first (cache friendly, no
// contention), then the global one. The worker's cache-mask bit is cleared
// up front and re-asserted by any entry left behind for later.
func (t *Thread) processCachedEvents() {
	t.e.cacheMask.And(^t.bit)
	t.drainList(&t.cacheLocal, false)
	t.drainList(&t.e.cacheGlobal, true)
}

// drainList visits the list in order. Each entry is removed before its
// callback runs, so a callback-driven re-arm appends a fresh entry instead
// of mutating the one being processed; after the callback the membership is
// reconciled again so a still ACTIVE and READY descriptor re-enters the
// cache at the tail (best-effort round robin).
func (t *Thread) drainList(l *fdList, shared bool) {
	e := t.e
	t.scratch = l.snapshot(e.tab, t.scratch[:0])

	for _, fd := range t.scratch {
		en := e.tab.get(fd)

		if shared {
			mask := en.threadMask.Load() & e.allMask
			if mask&t.bit == 0 {
				// Not ours; leave it and keep its owners flagged.
				e.cacheMask.Or(mask)
				continue
			}
		}

		en.mu.Lock()
		if en.cachePrev == listNone {
			// Raced away since the snapshot.
			en.mu.Unlock()
			continue
		}
		st := en.state.Load()
		ev := en.ev & pollSticky
		if st.recvActiveReady() {
			ev |= PollIn
		}
		if st.sendActiveReady() {
			ev |= PollOut
		}
		iocb, owner := en.iocb, en.owner
		e.releaseCacheEntry(fd)
		if iocb == nil || owner == nil || ev == 0 {
			en.mu.Unlock()
			continue
		}
		en.ev = ev
		en.mu.Unlock()

		t.invoke(en, fd, iocb, shared)

		en.mu.Lock()
		e.updateCacheLocked(fd, en)
		en.mu.Unlock()
	}
}

// invoke runs one callback. Shared-homed descriptors are serialized on the
// per-FD callback lock so two workers never run the same descriptor's
// callback concurrently. A panicking callback has its descriptor stopped in
// both directions rather than taking the whole worker down.
func (t *Thread) invoke(en *entry, fd int, iocb IOCallback, shared bool) {
	if shared {
		en.serial.Lock()
		defer en.serial.Unlock()
	}
	if t.e.metrics != nil {
		t.e.metrics.Callbacks.Add(1)
	}
	defer func() {
		if r := recover(); r != nil {
			t.e.logger.Err().
				Int("fd", fd).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Log("io callback panicked; stopping descriptor")
			t.StopBoth(fd)
		}
	}()
	iocb(t, fd)
}

// flushUpdates replays this worker's update list, then any externally
// queued updates, into the active poller. Clearing the update-mask bit
// before the backend call re-opens the slot for the next cycle.
func (t *Thread) flushUpdates() {
	e := t.e
	slot := e.active.Load()

	for _, fd := range t.updt {
		en := e.tab.get(fd)
		en.updateMask.And(^t.bit)
		if slot != nil {
			slot.p.update(fd)
		}
	}
	if e.metrics != nil && len(t.updt) > 0 {
		e.metrics.Updates.Add(uint64(len(t.updt)))
	}
	t.updt = t.updt[:0]

	ext := e.takeExternalUpdates(t.extScratch[:0])
	for _, fd := range ext {
		en := e.tab.get(fd)
		en.updateMask.And(^extUpdateBit)
		if slot != nil {
			slot.p.update(fd)
		}
	}
	if e.metrics != nil && len(ext) > 0 {
		e.metrics.Updates.Add(uint64(len(ext)))
	}
	t.extScratch = ext[:0]
}
