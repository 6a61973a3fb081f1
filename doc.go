// Package fdengine provides the I/O core of a multi-threaded event-driven
// proxy: it owns every registered file descriptor, drives readiness
// detection through a pluggable level-triggered poller, and dispatches
// readable/writable events to per-descriptor callbacks.
//
// # Architecture
//
// Each descriptor carries a packed [State] word coordinating three
// independent signals per direction: ACTIVE (application intent), READY
// (kernel readiness) and POLLED (kernel registration). Transitions are
// lock-free compare-and-swap; see the Want/Stop/May/Cant/Done primitives.
// Two auxiliary structures keep the fast path away from the kernel: a
// per-worker update list of descriptors whose POLLED bit changed since the
// last poller sync, and a ready cache of descriptors that are both ACTIVE
// and READY and can make progress without a syscall.
//
// Descriptors are homed by a thread mask. A mask with exactly one bit set
// is single-homed and served from that worker's local ready cache; anything
// wider is shared, served from the global cache with callback invocation
// serialized per descriptor.
//
// # Platform Support
//
// Poller backends register themselves at startup and are probed in
// preference order at engine construction:
//   - Linux: epoll
//   - macOS/BSD: kqueue
//   - all Unix: poll(2) fallback
//
// All backends are level-triggered; that property is load-bearing (see
// [Engine.DoneRecv]) and edge-triggered semantics are deliberately
// unsupported.
//
// # Thread Safety
//
// The Engine methods are safe from any goroutine. Inside a callback, use
// the [Thread] handle passed to it instead: intent changes then land on the
// servicing worker's own update list. Callbacks run to completion and must
// not block; only non-blocking syscalls are allowed.
//
// # Usage
//
//	eng, err := fdengine.New(
//	    fdengine.WithWorkers(4),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	_ = eng.Insert(fd, conn, func(t *fdengine.Thread, fd int) {
//	    n, err := unix.Read(fd, buf)
//	    if err == unix.EAGAIN {
//	        t.CantRecv(fd)
//	        return
//	    }
//	    // ...
//	}, fdengine.AllThreads)
//	eng.WantRecv(fd)
//
//	if err := eng.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// The uxstream subpackage contains a UNIX-stream listener built on this
// contract.
package fdengine
