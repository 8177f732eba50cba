package payment

import "fmt"

// StateMachine validates payment status transitions.
//
// PENDING fans out to every terminal state plus TEST_PAYMENT; terminal
// states absorb. TEST_PAYMENT only moves to COMPLETED via the auto-complete
// timer.
type StateMachine struct {
	transitions map[Status][]Status
}

// NewStateMachine creates a new payment state machine.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		transitions: map[Status][]Status{
			StatusPending:     {StatusCompleted, StatusFailed, StatusDeclined, StatusCancelled, StatusTestPayment},
			StatusTestPayment: {StatusCompleted},
			StatusCompleted:   {},
			StatusFailed:      {},
			StatusDeclined:    {},
			StatusCancelled:   {},
		},
	}
}

// CanTransition checks if a transition from `from` to `to` is valid.
func (sm *StateMachine) CanTransition(from, to Status) bool {
	allowed, ok := sm.transitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Transition attempts to transition a record to a new status.
func (sm *StateMachine) Transition(record *Record, to Status) error {
	if !sm.CanTransition(record.Status, to) {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, record.Status, to)
	}
	record.Status = to
	return nil
}

// AllowedTransitions returns all allowed transitions from the given status.
func (sm *StateMachine) AllowedTransitions(from Status) []Status {
	allowed, ok := sm.transitions[from]
	if !ok {
		return []Status{}
	}
	result := make([]Status, len(allowed))
	copy(result, allowed)
	return result
}
