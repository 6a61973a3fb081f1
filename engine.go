package fdengine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/joeycumines/logiface"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// extUpdateBit is the update-mask bit reserved for transitions performed
// outside any worker goroutine; such descriptors are queued on the shared
// external list and flushed by whichever worker syncs first. Worker bits
// occupy 0..62, which caps the worker count at 63.
const extUpdateBit uint64 = 1 << 63

// maxWorkers bounds the worker count so every worker keeps a bit in the
// thread masks alongside the external update bit.
const maxWorkers = 63

// Engine owns every registered descriptor, drives readiness detection and
// dispatches readable/writable events to per-descriptor callbacks.
//
// The three per-direction signals it coordinates are deliberately
// decoupled: ACTIVE is what the application wants, READY is what the
// kernel last reported, POLLED is what the kernel has been asked to watch.
// While a descriptor is ACTIVE and READY its callback is scheduled straight
// from the ready cache and the kernel is never consulted; polling is
// re-engaged only once a non-blocking syscall reports would-block.
type Engine struct {
	logger *logiface.Logger[logiface.Event]

	tab     *table
	threads []*Thread

	cacheGlobal fdList
	// cacheMask flags workers that have cached work waiting.
	cacheMask atomic.Uint64
	// sleepMask flags workers currently blocked in the wait syscall.
	sleepMask atomic.Uint64
	// allMask selects every configured worker.
	allMask uint64

	// active is the backend currently in charge; nil once every candidate
	// has been exhausted.
	active atomic.Pointer[pollerSlot]
	slotMu sync.Mutex
	slots  []*pollerSlot
	spare  []pollerReg

	extMu   sync.Mutex
	extUpdt []int

	metrics        *Metrics
	pollIntervalMs int

	running  atomic.Bool
	stopping atomic.Bool
	closed   atomic.Bool
}

// AllThreads is the thread mask selecting every worker.
const AllThreads uint64 = ^uint64(0)

// New creates an engine: the descriptor table and per-worker structures are
// allocated once, then the registered poller backends are probed in
// preference order and the first one that initializes becomes active. With
// no usable backend the engine refuses to start.
func New(opts ...Option) (*Engine, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		logger:         cfg.logger,
		tab:            newTable(cfg.maxFDs),
		allMask:        (uint64(1) << cfg.workers) - 1,
		pollIntervalMs: cfg.pollIntervalMs,
	}
	e.cacheGlobal.init()
	if cfg.metricsEnabled {
		e.metrics = &Metrics{}
	}

	e.threads = make([]*Thread, cfg.workers)
	for i := range e.threads {
		t := &Thread{e: e, id: i, bit: uint64(1) << i}
		t.cacheLocal.init()
		e.threads[i] = t
	}

	candidates := registeredPollers()
	probe := candidates[:0]
	for _, reg := range candidates {
		if cfg.forcedPoller != "" && reg.name != cfg.forcedPoller {
			continue
		}
		if _, disabled := cfg.disabledPollers[reg.name]; disabled {
			continue
		}
		probe = append(probe, reg)
	}

	e.spare = probe
	if !e.nextPoller() {
		return nil, ErrNoPoller
	}
	return e, nil
}

// nextPoller initializes the best remaining backend candidate and makes it
// active. Returns false when none is left. Callers must not hold slotMu.
func (e *Engine) nextPoller() bool {
	e.slotMu.Lock()
	defer e.slotMu.Unlock()

	for len(e.spare) > 0 {
		reg := e.spare[0]
		e.spare = e.spare[1:]

		p := reg.ctor()
		bit := uint64(1) << len(e.slots)
		if err := p.init(e, bit); err != nil {
			e.logger.Warning().
				Str("poller", reg.name).
				Err(err).
				Log("poller backend failed to initialize; trying next")
			continue
		}

		slot := &pollerSlot{p: p, bit: bit}
		e.slots = append(e.slots, slot)
		e.active.Store(slot)
		e.logger.Info().
			Str("poller", reg.name).
			Log("poller backend selected")
		return true
	}

	e.active.Store(nil)
	return false
}

// pollerFault handles an unexpected backend failure: log it, kill the
// backend, fall back to the next one and queue every polled descriptor for
// re-registration. Returns false when no backend is left.
func (e *Engine) pollerFault(slot *pollerSlot, err error) bool {
	if e.active.Load() != slot {
		// Another worker already failed over.
		return e.active.Load() != nil
	}

	e.logger.Err().
		Str("poller", slot.p.name()).
		Err(err).
		Log("poller backend fault; falling back")
	slot.p.term()

	if !e.nextPoller() {
		return false
	}
	e.rearmPolled()
	return true
}

// rearmPolled queues every descriptor the engine believes polled so the
// (new) active backend re-registers it at the next flush.
func (e *Engine) rearmPolled() {
	for fd := 0; fd < e.tab.size(); fd++ {
		en := e.tab.get(fd)
		if en.state.Load()&StatePolledRW != 0 && en.threadMask.Load() != 0 {
			e.enqueueExternal(fd)
		}
	}
}

// Workers returns the number of dispatch workers.
func (e *Engine) Workers() int {
	return len(e.threads)
}

// MaxFDs returns the descriptor table capacity.
func (e *Engine) MaxFDs() int {
	return e.tab.size()
}

// ActivePoller returns the name of the backend in charge, or "" when none
// is usable.
func (e *Engine) ActivePoller() string {
	if slot := e.active.Load(); slot != nil {
		return slot.p.name()
	}
	return ""
}

// activePoller returns the backend in charge, or nil.
func (e *Engine) activePoller() poller {
	if slot := e.active.Load(); slot != nil {
		return slot.p
	}
	return nil
}

// Run drives the dispatch workers until ctx is cancelled or a fatal poller
// failure exhausts the backends. Each worker independently executes
// poll, process cached events, flush updates.
func (e *Engine) Run(ctx context.Context) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)
	defer e.stopping.Store(false)

	g, ctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(ctx, func() {
		// Leave the wake descriptor readable so every blocked worker
		// returns immediately; backends skip draining while stopping.
		e.stopping.Store(true)
		if p := e.activePoller(); p != nil {
			p.wake()
		}
	})
	defer stop()

	e.logger.Info().
		Int("workers", len(e.threads)).
		Str("poller", e.ActivePoller()).
		Log("dispatch loop starting")

	for _, t := range e.threads {
		g.Go(func() error { return t.run(ctx) })
	}
	return g.Wait()
}

// Close terminates every initialized backend and marks the engine closed.
// Descriptors still registered are left open; closing them remains the
// owner's job.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.stopping.Store(true)
	if p := e.activePoller(); p != nil {
		p.wake()
	}

	e.slotMu.Lock()
	defer e.slotMu.Unlock()
	e.active.Store(nil)
	for _, slot := range e.slots {
		slot.p.term()
	}
	return nil
}

// ForkPoller rebuilds the active backend's kernel-side state after a
// process fork. The backend's polled-mask bits are cleared and every
// polled descriptor re-queued, so re-registration occurs lazily at the
// next flush.
func (e *Engine) ForkPoller() error {
	slot := e.active.Load()
	if slot == nil {
		return ErrNoPoller
	}
	if err := slot.p.fork(); err != nil {
		return err
	}
	for fd := 0; fd < e.tab.size(); fd++ {
		e.tab.get(fd).polledMask.And(^slot.bit)
	}
	e.rearmPolled()
	return nil
}

// Insert registers fd with its owner, callback and thread affinity.
// The polled mask is deliberately left alone: it still names backends that
// know this descriptor from a previous round of the slot.
func (e *Engine) Insert(fd int, owner any, iocb IOCallback, threadMask uint64) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if !e.tab.valid(fd) {
		return ErrSlotExhausted
	}
	mask := threadMask & e.allMask
	if mask == 0 {
		return ErrBadThreadMask
	}

	en := e.tab.get(fd)
	en.mu.Lock()
	en.owner = owner
	en.iocb = iocb
	en.ev = 0
	en.lingerRisk = false
	en.cloned = false
	en.threadMask.Store(mask)
	en.updateMask.Store(0)
	en.mu.Unlock()

	e.logger.Debug().
		Int("fd", fd).
		Log("fd inserted")
	return nil
}

// Delete detaches fd from the engine and closes it.
func (e *Engine) Delete(fd int) error { return e.dodelete(fd, true) }

// Remove detaches fd from the engine but keeps it open.
func (e *Engine) Remove(fd int) error { return e.dodelete(fd, false) }

func (e *Engine) dodelete(fd int, doClose bool) error {
	if !e.tab.valid(fd) {
		return ErrSlotExhausted
	}
	en := e.tab.get(fd)

	en.mu.Lock()
	defer en.mu.Unlock()
	if en.owner == nil {
		return ErrNotRegistered
	}

	if doClose && en.lingerRisk && !en.cloned {
		// Reset on close instead of lingering in FIN_WAIT.
		_ = unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER,
			&unix.Linger{Onoff: 1, Linger: 0})
	}

	// Tell every backend that still knows this descriptor to forget it.
	if pm := en.polledMask.Load(); pm != 0 {
		e.slotMu.Lock()
		for _, slot := range e.slots {
			if pm&slot.bit != 0 {
				slot.p.clo(fd)
			}
		}
		e.slotMu.Unlock()
	}

	e.releaseCacheEntry(fd)
	en.state.Store(0)
	en.owner = nil
	en.iocb = nil
	en.ev = 0
	en.updateMask.Store(0)
	en.threadMask.Store(0)

	if doClose {
		en.polledMask.Store(0)
		_ = closeFD(fd)
	}

	e.logger.Debug().
		Int("fd", fd).
		Bool("closed", doClose).
		Log("fd released")
	return nil
}

// SetLingerRisk flags fd so the close path disables lingering first.
func (e *Engine) SetLingerRisk(fd int, v bool) {
	if !e.tab.valid(fd) {
		return
	}
	en := e.tab.get(fd)
	en.mu.Lock()
	en.lingerRisk = v
	en.mu.Unlock()
}

// SetCloned flags fd as a duplicate of another descriptor, exempting it
// from linger handling on close.
func (e *Engine) SetCloned(fd int, v bool) {
	if !e.tab.valid(fd) {
		return
	}
	en := e.tab.get(fd)
	en.mu.Lock()
	en.cloned = v
	en.mu.Unlock()
}

// enqueueExternal queues fd for poller sync from outside any worker.
func (e *Engine) enqueueExternal(fd int) {
	en := e.tab.get(fd)
	if en.updateMask.Or(extUpdateBit)&extUpdateBit != 0 {
		return
	}
	e.extMu.Lock()
	e.extUpdt = append(e.extUpdt, fd)
	e.extMu.Unlock()

	if e.running.Load() {
		if p := e.activePoller(); p != nil {
			p.wake()
		}
	}
}

// externalPending reports whether external updates await a flush.
func (e *Engine) externalPending() bool {
	e.extMu.Lock()
	pending := len(e.extUpdt) > 0
	e.extMu.Unlock()
	return pending
}

// takeExternalUpdates moves the external update list into buf.
func (e *Engine) takeExternalUpdates(buf []int) []int {
	e.extMu.Lock()
	buf = append(buf, e.extUpdt...)
	e.extUpdt = e.extUpdt[:0]
	e.extMu.Unlock()
	return buf
}

// WantRecv asserts read interest on fd from outside the dispatch.
func (e *Engine) WantRecv(fd int) { e.wantDir(fd, dirRead, e.enqueueExternal) }

// WantSend asserts write interest on fd from outside the dispatch.
func (e *Engine) WantSend(fd int) { e.wantDir(fd, dirWrite, e.enqueueExternal) }

// StopRecv withdraws read interest on fd from outside the dispatch.
func (e *Engine) StopRecv(fd int) { e.stopDir(fd, dirRead, e.enqueueExternal) }

// StopSend withdraws write interest on fd from outside the dispatch.
func (e *Engine) StopSend(fd int) { e.stopDir(fd, dirWrite, e.enqueueExternal) }

// StopBoth withdraws interest in both directions atomically.
func (e *Engine) StopBoth(fd int) { e.stopBoth(fd, e.enqueueExternal) }

// MayRecv reports fd readable without polling.
func (e *Engine) MayRecv(fd int) { e.mayDir(fd, dirRead) }

// MaySend reports fd writable without polling.
func (e *Engine) MaySend(fd int) { e.mayDir(fd, dirWrite) }

// CantRecv reports a would-block read on fd.
func (e *Engine) CantRecv(fd int) { e.cantDir(fd, dirRead, e.enqueueExternal) }

// CantSend reports a would-block write on fd.
func (e *Engine) CantSend(fd int) { e.cantDir(fd, dirWrite, e.enqueueExternal) }

// DoneRecv drops read readiness after a suspected end of data.
func (e *Engine) DoneRecv(fd int) { e.doneDir(fd, dirRead, e.enqueueExternal) }

// RecvState returns the observable read-direction state of fd.
func (e *Engine) RecvState(fd int) DirState {
	if !e.tab.valid(fd) {
		return DirOff
	}
	return e.tab.get(fd).state.Load().RecvState()
}

// SendState returns the observable write-direction state of fd.
func (e *Engine) SendState(fd int) DirState {
	if !e.tab.valid(fd) {
		return DirOff
	}
	return e.tab.get(fd).state.Load().SendState()
}

// Events returns the last kernel-reported event bitmap for fd, sticky bits
// included.
func (e *Engine) Events(fd int) Events {
	if !e.tab.valid(fd) {
		return 0
	}
	en := e.tab.get(fd)
	en.mu.Lock()
	ev := en.ev
	en.mu.Unlock()
	return ev
}

// Owner returns the opaque handle registered with fd, or nil.
func (e *Engine) Owner(fd int) any {
	if !e.tab.valid(fd) {
		return nil
	}
	en := e.tab.get(fd)
	en.mu.Lock()
	owner := en.owner
	en.mu.Unlock()
	return owner
}

// logUpdateError reports a failed registration change; backends call it
// for anything other than expected stale-state noise.
func (e *Engine) logUpdateError(backend string, fd int, err error) {
	e.logger.Warning().
		Str("poller", backend).
		Int("fd", fd).
		Err(err).
		Log("poller registration update failed")
}
