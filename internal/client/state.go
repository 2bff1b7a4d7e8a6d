package client

import (
	"errors"
	"fmt"
)

// State is the phase of a Session's current exchange.
type State int

const (
	// StateIdle accepts a new submission.
	StateIdle State = iota
	// StateSending has an optimistic user turn shown and waits for the
	// first delta.
	StateSending
	// StateStreaming is accumulating deltas.
	StateStreaming
	// StateSettling saw the end of the stream and is reloading the
	// authoritative turns.
	StateSettling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateSettling:
		return "settling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrBusy is returned by Submit when an exchange is already in progress.
var ErrBusy = errors.New("client: exchange already in progress")

// Op names the step an Error came from.
type Op string

const (
	OpSend   Op = "send"
	OpStream Op = "stream"
	OpReload Op = "reload"
)

// Error is a failure surfaced to the user. StatusCode is set when the relay
// answered with a non-success status; Message is then its error text.
type Error struct {
	Op         Op
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %d %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

func asClientError(op Op, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Op: op, Message: err.Error(), Err: err}
}
