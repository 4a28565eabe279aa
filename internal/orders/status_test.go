package orders

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PhaseStarted, PhaseValidated))
	assert.True(t, CanTransition(PhaseValidated, PhaseMutated))
	assert.True(t, CanTransition(PhaseMutated, PhaseCommitted))
	for _, p := range []Phase{PhaseStarted, PhaseValidated, PhaseMutated} {
		assert.True(t, CanTransition(p, PhaseAborted), p)
	}

	assert.False(t, CanTransition(PhaseStarted, PhaseMutated))
	assert.False(t, CanTransition(PhaseStarted, PhaseCommitted))
	assert.False(t, CanTransition(PhaseCommitted, PhaseAborted))
	assert.False(t, CanTransition(PhaseAborted, PhaseStarted))
}

func TestRunKeepsReachedPhaseOnAbort(t *testing.T) {
	r := newRun("add_item")
	r.advance(PhaseValidated)
	r.advance(PhaseAborted)
	assert.Equal(t, PhaseAborted, r.phase)
	assert.Equal(t, PhaseValidated, r.reached)
}

func TestRunPanicsOnSkippedPhase(t *testing.T) {
	r := newRun("remove_item")
	assert.Panics(t, func() { r.advance(PhaseCommitted) })
}
