package fdengine

import (
	"sync/atomic"
)

// State is the packed per-descriptor state word.
//
// The low nibble carries the read direction and the high nibble the write
// direction. Within each nibble, bit 0 is POLLED (the kernel has been asked
// to report readiness), bit 1 is READY (last observed as not-would-block)
// and bit 2 is ACTIVE (the application wants I/O in this direction). Bit 3
// is reserved.
//
// State Transition Rules:
//   - All transitions snapshot the word, compute the replacement locally and
//     commit with CompareAndSwap; a lost race simply retries.
//   - POLLED implies ACTIVE. Polling is only requested when the
//     application wants I/O and the descriptor is not already known to be
//     ready; readiness arriving later leaves POLLED in place until a
//     cant/done transition re-derives it.
//   - ACTIVE together with READY means the descriptor belongs to exactly one
//     ready cache.
type State uint8

const (
	// StatePolledR indicates the read direction is registered with the poller.
	StatePolledR State = 1 << 0
	// StateReadyR indicates the descriptor was last seen readable.
	StateReadyR State = 1 << 1
	// StateActiveR indicates the application wants to read.
	StateActiveR State = 1 << 2

	// StatePolledW indicates the write direction is registered with the poller.
	StatePolledW State = 1 << 4
	// StateReadyW indicates the descriptor was last seen writable.
	StateReadyW State = 1 << 5
	// StateActiveW indicates the application wants to write.
	StateActiveW State = 1 << 6

	// StatePolledRW selects the POLLED bit of both directions.
	StatePolledRW = StatePolledR | StatePolledW
	// StateReadyRW selects the READY bit of both directions.
	StateReadyRW = StateReadyR | StateReadyW
	// StateActiveRW selects the ACTIVE bit of both directions.
	StateActiveRW = StateActiveR | StateActiveW

	// stateStatusMask selects one direction's three meaningful bits once the
	// word has been shifted to the low nibble.
	stateStatusMask State = StatePolledR | StateReadyR | StateActiveR
)

// DirState is the observable state of a single direction, the three
// POLLED/READY/ACTIVE bits collapsed into one enum.
type DirState uint8

const (
	// DirOff means no interest, no readiness, no registration.
	DirOff DirState = 0
	// DirPolled means registered with the poller only. Never observable
	// between primitives: stopping interest also clears POLLED.
	DirPolled DirState = DirState(StatePolledR)
	// DirReady means the kernel reported readiness but the application does
	// not currently want I/O.
	DirReady DirState = DirState(StateReadyR)
	// DirPolledReady combines DirPolled and DirReady.
	DirPolledReady DirState = DirState(StatePolledR | StateReadyR)
	// DirActive means the application wants I/O, the descriptor is known
	// ready is false, and polling has not been requested. Transient.
	DirActive DirState = DirState(StateActiveR)
	// DirPolledActive means the application wants I/O and the poller watches
	// the descriptor; readiness has not been observed.
	DirPolledActive DirState = DirState(StatePolledR | StateActiveR)
	// DirActiveReady means the application wants I/O and the descriptor is
	// ready; it is sitting in a ready cache.
	DirActiveReady DirState = DirState(StateActiveR | StateReadyR)
	// DirPolledActiveReady is DirActiveReady with the poller still watching.
	DirPolledActiveReady DirState = DirState(StatePolledR | StateActiveR | StateReadyR)
)

// String returns a human-readable representation of the direction state.
func (s DirState) String() string {
	switch s {
	case DirOff:
		return "Off"
	case DirPolled:
		return "Polled"
	case DirReady:
		return "Ready"
	case DirPolledReady:
		return "PolledReady"
	case DirActive:
		return "Active"
	case DirPolledActive:
		return "PolledActive"
	case DirActiveReady:
		return "ActiveReady"
	case DirPolledActiveReady:
		return "PolledActiveReady"
	default:
		return "Unknown"
	}
}

// RecvState extracts the read direction from the packed word.
func (s State) RecvState() DirState {
	return DirState(s & stateStatusMask)
}

// SendState extracts the write direction from the packed word.
func (s State) SendState() DirState {
	return DirState((s >> 4) & stateStatusMask)
}

// recvActiveReady reports whether the read direction is both wanted and
// known ready, i.e. whether it justifies a ready-cache entry.
func (s State) recvActiveReady() bool {
	return s&(StateActiveR|StateReadyR) == StateActiveR|StateReadyR
}

// sendActiveReady is the write-direction counterpart of recvActiveReady.
func (s State) sendActiveReady() bool {
	return s&(StateActiveW|StateReadyW) == StateActiveW|StateReadyW
}

// needsCache reports whether either direction is ACTIVE and READY.
func (s State) needsCache() bool {
	return s.recvActiveReady() || s.sendActiveReady()
}

// fdState is the lock-free holder for the packed state word.
//
// PERFORMANCE: Pure atomic CAS with no mutex. The word is stored in a
// Uint32 because the architecture-independent atomics do not offer a byte
// CAS; only the low 8 bits are meaningful.
type fdState struct {
	v atomic.Uint32
}

// Load returns the current packed word.
func (s *fdState) Load() State {
	return State(s.v.Load())
}

// Store unconditionally replaces the packed word. Only the insert/delete
// edges may use it; transitions must go through Transition.
func (s *fdState) Store(st State) {
	s.v.Store(uint32(st))
}

// Transition snapshots the word, applies fn and commits via CAS, retrying
// on collision. fn returning ok=false aborts without writing (the guard
// clauses of the transition table). Returns the old and new words along
// with whether a write happened.
func (s *fdState) Transition(fn func(old State) (next State, ok bool)) (old, next State, ok bool) {
	for {
		cur := s.v.Load()
		nxt, proceed := fn(State(cur))
		if !proceed {
			return State(cur), State(cur), false
		}
		if s.v.CompareAndSwap(cur, uint32(nxt)) {
			return State(cur), nxt, true
		}
	}
}

// Or atomically ORs bits into the word and returns the previous value.
// Used by the may_* transitions, which have no guard and never clear bits.
func (s *fdState) Or(bits State) State {
	return State(s.v.Or(uint32(bits)))
}
