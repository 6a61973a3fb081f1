package fdengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirStateExtraction(t *testing.T) {
	var s State
	assert.Equal(t, DirOff, s.RecvState())
	assert.Equal(t, DirOff, s.SendState())

	s = StateActiveR | StatePolledR | StateReadyW | StateActiveW
	assert.Equal(t, DirPolledActive, s.RecvState())
	assert.Equal(t, DirActiveReady, s.SendState())

	s = StatePolledW
	assert.Equal(t, DirOff, s.RecvState())
	assert.Equal(t, DirPolled, s.SendState())
}

func TestDirStateString(t *testing.T) {
	names := map[DirState]string{
		DirOff:               "Off",
		DirPolled:            "Polled",
		DirReady:             "Ready",
		DirPolledReady:       "PolledReady",
		DirActive:            "Active",
		DirPolledActive:      "PolledActive",
		DirActiveReady:       "ActiveReady",
		DirPolledActiveReady: "PolledActiveReady",
	}
	for st, want := range names {
		assert.Equal(t, want, st.String())
	}
	assert.Equal(t, "Unknown", DirState(0xFF).String())
}

func TestNeedsCache(t *testing.T) {
	assert.False(t, State(0).needsCache())
	assert.False(t, (StateActiveR | StateReadyW).needsCache())
	assert.True(t, (StateActiveR | StateReadyR).needsCache())
	assert.True(t, (StateActiveW | StateReadyW | StatePolledR).needsCache())
}

func TestEventsString(t *testing.T) {
	assert.Equal(t, "0", Events(0).String())
	assert.Equal(t, "IN", PollIn.String())
	assert.Equal(t, "IN|OUT|ERR|HUP", (PollIn | PollOut | PollErr | PollHup).String())
}

func TestFDStateTransitionRetries(t *testing.T) {
	var s fdState
	// Guard abort leaves the word untouched.
	old, next, ok := s.Transition(func(State) (State, bool) { return 0, false })
	assert.False(t, ok)
	assert.Equal(t, old, next)
	assert.Zero(t, s.Load())

	_, next, ok = s.Transition(func(old State) (State, bool) { return old | StateActiveR, true })
	assert.True(t, ok)
	assert.Equal(t, StateActiveR, next)
	assert.Equal(t, StateActiveR, s.Load())

	assert.Equal(t, StateActiveR, s.Or(StateReadyR))
	assert.Equal(t, StateActiveR|StateReadyR, s.Load())
}
