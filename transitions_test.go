package fdengine

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// checkStateInvariants asserts the standing truth-table invariants on fd:
// POLLED implies ACTIVE (per direction; no interest, no registration), and
// cache membership exactly matches some-direction ACTIVE and READY. Note
// that POLLED together with READY is a legal resting state: readiness folds
// OR in READY without touching POLLED, and only cant/done re-derive it.
func checkStateInvariants(t testing.TB, e *Engine, fd int) {
	t.Helper()
	en := e.tab.get(fd)
	en.mu.Lock()
	st := en.state.Load()
	member := en.cachePrev != listNone
	en.mu.Unlock()

	if st&StatePolledR != 0 && st&StateActiveR == 0 {
		t.Fatalf("fd %d: POLLED_R without ACTIVE_R (state %08b)", fd, st)
	}
	if st&StatePolledW != 0 && st&StateActiveW == 0 {
		t.Fatalf("fd %d: POLLED_W without ACTIVE_W (state %08b)", fd, st)
	}
	if member != st.needsCache() {
		t.Fatalf("fd %d: cache membership %v does not match state %08b", fd, member, st)
	}
}

// checkCacheHoming asserts a worker's local cache only holds descriptors
// homed exclusively to that worker.
func checkCacheHoming(t testing.TB, e *Engine) {
	t.Helper()
	for _, th := range e.threads {
		for _, fd := range listContents(e, &th.cacheLocal) {
			mask := e.tab.get(fd).threadMask.Load()
			if mask != th.bit {
				t.Fatalf("fd %d with mask %b in local cache of worker %d", fd, mask, th.id)
			}
		}
	}
}

// TestTransitionTruthTable walks every packed read-direction start state
// through every primitive and checks the committed word against the rules.
func TestTransitionTruthTable(t *testing.T) {
	e, _ := newTestEngine(t, 1)
	t0 := e.threads[0]
	require.NoError(t, e.Insert(3, &testOwner{"tt"}, func(*Thread, int) {}, 1<<0))
	en := e.tab.get(3)

	type op struct {
		name string
		run  func(fd int)
		next func(old State) State
	}
	ops := []op{
		{"want_recv", t0.WantRecv, func(old State) State {
			if old&StateActiveR != 0 {
				return old
			}
			next := old | StateActiveR
			if next&StateReadyR == 0 {
				next |= StatePolledR
			}
			return next
		}},
		{"stop_recv", t0.StopRecv, func(old State) State {
			if old&StateActiveR == 0 {
				return old
			}
			return old &^ (StateActiveR | StatePolledR)
		}},
		{"may_recv", t0.MayRecv, func(old State) State {
			return old | StateReadyR
		}},
		{"cant_recv", t0.CantRecv, func(old State) State {
			if old&StateReadyR == 0 {
				return old
			}
			next := old &^ StateReadyR
			if next&StateActiveR != 0 {
				next |= StatePolledR
			}
			return next
		}},
		{"done_recv", t0.DoneRecv, func(old State) State {
			if old&(StatePolledR|StateReadyR) != StatePolledR|StateReadyR {
				return old
			}
			next := old &^ StateReadyR
			if next&StateActiveR != 0 {
				next |= StatePolledR
			}
			return next
		}},
	}

	// All 8 combinations of the read nibble as starting points; only the
	// reachable ones matter but the rules must hold regardless.
	for start := State(0); start <= stateStatusMask; start++ {
		for _, o := range ops {
			en.mu.Lock()
			e.releaseCacheEntry(3)
			en.mu.Unlock()
			en.state.Store(start)

			o.run(3)
			got := en.state.Load()
			want := o.next(start)
			if got != want {
				t.Fatalf("%s from %08b: got %08b want %08b", o.name, start, got, want)
			}
		}
	}
	// Leave a coherent state behind for the cleanup path.
	en.state.Store(0)
	en.mu.Lock()
	e.releaseCacheEntry(3)
	en.mu.Unlock()
	t0.updt = t0.updt[:0]
}

// TestInvariantsUnderRandomOps drives a long random schedule of primitives
// and event folds across two descriptors and re-checks the invariants
// after every step.
func TestInvariantsUnderRandomOps(t *testing.T) {
	e, _ := newTestEngine(t, 2)
	t0 := e.threads[0]

	fds := []int{3, 9}
	require.NoError(t, e.Insert(3, &testOwner{"solo"}, func(th *Thread, fd int) { th.CantRecv(fd) }, 1<<0))
	require.NoError(t, e.Insert(9, &testOwner{"shared"}, func(th *Thread, fd int) { th.CantRecv(fd) }, 0b11))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 5000; i++ {
		fd := fds[rng.Intn(len(fds))]
		switch rng.Intn(10) {
		case 0:
			t0.WantRecv(fd)
		case 1:
			t0.WantSend(fd)
		case 2:
			t0.StopRecv(fd)
		case 3:
			t0.StopSend(fd)
		case 4:
			t0.CantRecv(fd)
		case 5:
			t0.CantSend(fd)
		case 6:
			t0.DoneRecv(fd)
		case 7:
			t0.StopBoth(fd)
		case 8:
			e.updateEvents(fd, Events(rng.Intn(16)))
		case 9:
			t0.processCachedEvents()
			t0.flushUpdates()
		}
		for _, fd := range fds {
			checkStateInvariants(t, e, fd)
		}
		checkCacheHoming(t, e)
	}
}

// FuzzTransitionSequences feeds arbitrary op tapes through the primitives;
// the invariants must hold at every step no matter the order.
func FuzzTransitionSequences(f *testing.F) {
	f.Add([]byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	f.Add([]byte{0, 8, 9, 4, 0, 8, 9, 6})
	f.Fuzz(func(t *testing.T, tape []byte) {
		e, err := New(
			WithPoller("fake"),
			WithWorkers(2),
			WithMaxFDs(16),
		)
		if err != nil {
			t.Fatal(err)
		}
		defer e.Close()
		t0 := e.threads[0]

		if err := e.Insert(3, &testOwner{"f"}, func(th *Thread, fd int) { th.DoneRecv(fd) }, 1<<0); err != nil {
			t.Fatal(err)
		}
		if err := e.Insert(5, &testOwner{"g"}, func(th *Thread, fd int) { th.CantRecv(fd) }, 0b11); err != nil {
			t.Fatal(err)
		}

		fds := []int{3, 5}
		for _, b := range tape {
			fd := fds[int(b>>4)%len(fds)]
			switch b % 12 {
			case 0:
				t0.WantRecv(fd)
			case 1:
				t0.WantSend(fd)
			case 2:
				t0.StopRecv(fd)
			case 3:
				t0.StopSend(fd)
			case 4:
				t0.CantRecv(fd)
			case 5:
				t0.CantSend(fd)
			case 6:
				t0.DoneRecv(fd)
			case 7:
				t0.StopBoth(fd)
			case 8:
				e.updateEvents(fd, PollIn)
			case 9:
				e.updateEvents(fd, PollOut)
			case 10:
				t0.processCachedEvents()
			case 11:
				t0.flushUpdates()
			}
			for _, fd := range fds {
				checkStateInvariants(t, e, fd)
			}
			checkCacheHoming(t, e)
		}
	})
}

// TestConcurrentTransitions hammers a shared descriptor from several
// goroutines while the dispatch loop runs, then verifies the quiescent
// invariants.
func TestConcurrentTransitions(t *testing.T) {
	e, fake := newTestEngine(t, 2)

	consumed := make(chan struct{}, 1024)
	require.NoError(t, e.Insert(9, &testOwner{"c"}, func(th *Thread, fd int) {
		select {
		case consumed <- struct{}{}:
		default:
		}
		th.CantRecv(fd)
	}, 0b11))
	require.NoError(t, e.Insert(4, &testOwner{"solo"}, func(th *Thread, fd int) {
		th.DoneRecv(fd)
	}, 1<<0))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 500; i++ {
				fd := 9
				if rng.Intn(2) == 0 {
					fd = 4
				}
				switch rng.Intn(4) {
				case 0:
					e.WantRecv(fd)
				case 1:
					e.StopRecv(fd)
				case 2:
					fake.inject(fd, PollIn)
				case 3:
					e.WantSend(fd)
				}
				if i%100 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	// Give the loop a moment to settle, then stop it.
	time.Sleep(50 * time.Millisecond)
	cancel()
	require.NoError(t, <-runDone)

	checkStateInvariants(t, e, 9)
	checkStateInvariants(t, e, 4)
	checkCacheHoming(t, e)
}
