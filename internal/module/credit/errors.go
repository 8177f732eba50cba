package credit

import "errors"

// Module errors.
var (
	ErrAccountNotFound = errors.New("credit account not found")
	ErrNoCredit        = errors.New("no credit remaining")
)
