package dispatch

import (
	"errors"
	"fmt"
)

var (
	ErrOutOfOrder    = errors.New("descriptor out of order")
	ErrUnknownHandle = errors.New("unknown subscription handle")
	ErrUnknownView   = errors.New("no live view for key")
	ErrStreamClosed  = errors.New("subscription stream closed")
	ErrQueueClosed   = errors.New("dispatch queue closed")
)

// ReentrancyViolation is the panic value raised in strict mode when the
// registry is mutated while a dispatch is in progress. Outside strict mode a
// refresh attempted during dispatch returns it wrapped.
type ReentrancyViolation struct {
	Op string
}

func (e ReentrancyViolation) Error() string {
	return fmt.Sprintf("dispatch: %s called while dispatching", e.Op)
}
