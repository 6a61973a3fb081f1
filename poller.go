package fdengine

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// maxPollEvents is the per-wait event buffer size.
const maxPollEvents = 256

// poller is the engine-facing backend contract. A backend owns one
// kernel-side readiness object (an epoll instance, a kqueue, a pollfd set)
// plus an internal wakeup descriptor folded into its own wait set.
//
// The engine-to-poller contract: after an update-list flush, for every
// descriptor whose POLLED bit flipped since the previous flush, the backend
// observes exactly one update call and performs at most one registration
// transition per direction.
type poller interface {
	// name identifies the backend for diagnostics and selection.
	name() string
	// init creates the kernel-side state. bit is the backend's slot bit in
	// every descriptor's polled mask.
	init(e *Engine, bit uint64) error
	// term releases all kernel-side state. The instance is dead afterwards.
	term()
	// fork recreates the kernel-side state after a process fork; the
	// engine clears this backend's polled-mask bits so registration
	// happens again lazily.
	fork() error
	// poll waits up to timeoutMs (0 returns immediately, negative blocks)
	// and folds kernel readiness into the table via Engine.updateEvents.
	// Safe for concurrent calls from multiple workers.
	poll(t *Thread, timeoutMs int) error
	// update reconciles the kernel registration of fd with its current
	// state word and this backend's polled-mask bit.
	update(fd int)
	// clo makes the backend forget fd entirely; called on the close path
	// for every backend whose polled-mask bit is still set.
	clo(fd int)
	// wake interrupts blocked poll calls.
	wake()
}

// pollerSlot binds an initialized backend instance to its polled-mask bit.
type pollerSlot struct {
	p   poller
	bit uint64
}

// pollerReg is a registered backend constructor. Backends register
// themselves at package init; probing happens at engine construction,
// best preference first.
type pollerReg struct {
	name string
	pref int
	ctor func() poller
}

var (
	pollerMu       sync.Mutex
	pollerRegistry []pollerReg
)

// registerPoller adds a backend constructor to the registry. Called from
// the backends' init functions.
func registerPoller(name string, pref int, ctor func() poller) {
	pollerMu.Lock()
	defer pollerMu.Unlock()
	pollerRegistry = append(pollerRegistry, pollerReg{name: name, pref: pref, ctor: ctor})
}

// registeredPollers returns the registry ordered by descending preference.
func registeredPollers() []pollerReg {
	pollerMu.Lock()
	defer pollerMu.Unlock()
	regs := make([]pollerReg, len(pollerRegistry))
	copy(regs, pollerRegistry)
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].pref > regs[j].pref })
	return regs
}

// ListPollers writes the known backends and their preference to out.
// Diagnostic only; intended for use before engine construction.
func ListPollers(out io.Writer) (int, error) {
	var n int
	for _, reg := range registeredPollers() {
		w, err := fmt.Fprintf(out, "%s (pref=%d)\n", reg.name, reg.pref)
		n += w
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
