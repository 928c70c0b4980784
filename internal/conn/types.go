package conn

import (
	"context"
	"errors"
	"strconv"
	"time"
)

var ErrStopped = errors.New("connection manager stopped")

// State is the lifecycle of the single logical inbound channel.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// Conn is one established transport connection.
type Conn interface {
	// Read blocks until the next payload arrives, the connection drops or
	// ctx ends.
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// UnrecoverableError marks a failure that retrying right away will not fix
// (rejected credentials, unknown endpoint). The manager moves to StateError
// and waits out the longest backoff before trying again.
type UnrecoverableError struct{ Err error }

func (e *UnrecoverableError) Error() string { return "unrecoverable: " + e.Err.Error() }
func (e *UnrecoverableError) Unwrap() error { return e.Err }

func Unrecoverable(err error) error {
	if err == nil {
		return nil
	}
	return &UnrecoverableError{Err: err}
}

func IsUnrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}

// Message is one inbound payload tagged with the epoch of the connection
// that produced it.
type Message struct {
	Epoch      uint64
	Data       []byte
	ReceivedAt time.Time
}

// Change is a state transition notification.
type Change struct {
	From  State
	To    State
	Epoch uint64
	At    time.Time
	Err   error
}
