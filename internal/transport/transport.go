// Package transport defines the port the dispatch engine sends through and
// the failure classes it uses to decide whether a unit is retried.
package transport

import (
	"context"
	"errors"
	"fmt"

	"uk.co.dudmesh.courier/internal/destination"
)

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

// Port is a single connection shared by every session of the process.
// Implementations synchronize internally.
type Port interface {
	// SendUnit blocks until one message unit is accepted or rejected.
	SendUnit(ctx context.Context, destinationID, text string) error
	State() State
	// OnStateChange registers fn for every connectivity transition. The
	// returned func removes the registration.
	OnStateChange(fn func(State)) (cancel func())
	Scheme() destination.Scheme
	// Close tears the connection down and clears transport-side state.
	Close(ctx context.Context) error
}

type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is the only error shape a Port returns.
type Error struct {
	Class  Class
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var ErrNotConnected = &Error{Class: Permanent, Reason: "not connected"}

func NewTransient(reason string, err error) error {
	return &Error{Class: Transient, Reason: reason, Err: err}
}

func NewPermanent(reason string, err error) error {
	return &Error{Class: Permanent, Reason: reason, Err: err}
}

// Classify returns the failure class of err. Errors that were not produced
// as *Error count as transient and are reported as unexpected.
func Classify(err error) (class Class, unexpected bool) {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Class, false
	}
	return Transient, true
}
