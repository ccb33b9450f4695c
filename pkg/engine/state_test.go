package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProcessStatePredicates(t *testing.T) {
	for _, s := range []ProcessState{StateInvalid, StateUnloaded, StateDetached, StateExited} {
		assert.False(t, s.IsAlive(), s.String())
	}
	for _, s := range []ProcessState{StateConnected, StateStopped, StateRunning, StateCrashed, StateSuspended} {
		assert.True(t, s.IsAlive(), s.String())
	}
	for _, s := range []ProcessState{StateAttaching, StateLaunching, StateRunning, StateStepping} {
		assert.True(t, s.IsRunning(), s.String())
		assert.False(t, s.IsStopped(), s.String())
	}
	assert.True(t, StateCrashed.IsStopped())
	assert.Equal(t, "unknown", ProcessState(99).String())
}

func TestStopReasonPriority(t *testing.T) {
	order := []StopReason{StopBreakpoint, StopWatchpoint, StopException, StopSignal, StopPlanComplete, StopTrace, StopNone}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i-1].Priority(), order[i].Priority(), "%v vs %v", order[i-1], order[i])
	}
}

func TestLineEntryIsValid(t *testing.T) {
	assert.False(t, LineEntry{}.IsValid())
	assert.False(t, LineEntry{File: "a.c"}.IsValid())
	assert.True(t, LineEntry{File: "a.c", Line: 3}.IsValid())
}
