package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateMachineTransitions(t *testing.T) {
	sm := NewStateMachine()

	// Pending fans out to every terminal state plus test_payment.
	for _, to := range []Status{StatusCompleted, StatusFailed, StatusDeclined, StatusCancelled, StatusTestPayment} {
		assert.True(t, sm.CanTransition(StatusPending, to), "pending -> %s", to)
	}

	// A test payment only completes.
	assert.True(t, sm.CanTransition(StatusTestPayment, StatusCompleted))
	assert.False(t, sm.CanTransition(StatusTestPayment, StatusFailed))
	assert.False(t, sm.CanTransition(StatusTestPayment, StatusCancelled))

	// Terminal states absorb.
	for _, from := range []Status{StatusCompleted, StatusFailed, StatusDeclined, StatusCancelled} {
		for _, to := range []Status{StatusPending, StatusCompleted, StatusFailed, StatusDeclined, StatusCancelled, StatusTestPayment} {
			assert.False(t, sm.CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStateMachineTransitionMutatesRecord(t *testing.T) {
	sm := NewStateMachine()
	record := &Record{Status: StatusPending}

	assert.NoError(t, sm.Transition(record, StatusCompleted))
	assert.Equal(t, StatusCompleted, record.Status)

	err := sm.Transition(record, StatusFailed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusCompleted, record.Status)
}

func TestAllowedTransitions(t *testing.T) {
	sm := NewStateMachine()
	assert.Len(t, sm.AllowedTransitions(StatusPending), 5)
	assert.Empty(t, sm.AllowedTransitions(StatusCompleted))
	assert.Empty(t, sm.AllowedTransitions(Status("bogus")))
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusTestPayment.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusDeclined.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}
