package payment

import "errors"

// Module errors.
var (
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrAlreadyProcessed reports that another resolver finalized the record
	// first. Losing this race is a normal outcome, not a failure.
	ErrAlreadyProcessed   = errors.New("payment already processed")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrProviderNotFound   = errors.New("payment provider not found")
	ErrMonthlyCapExceeded = errors.New("monthly payment cap exceeded")
	ErrTestPaymentsOff    = errors.New("test payments are disabled")
	// ErrNotTestPayment refuses manual completion of records that never
	// entered the test-payment state; real payments complete only through
	// a provider outcome.
	ErrNotTestPayment = errors.New("payment is not a test payment")
	ErrNotCancelable  = errors.New("payment can no longer be cancelled")
)
