package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned (wrapped in a TransportError) when there is no live broker session.
	ErrNotConnected = errors.New("command channel not connected")
	// ErrReconnectInProgress means the caller stopped waiting while a shared reconnect is still running.
	// Callers treat it as success.
	ErrReconnectInProgress = errors.New("reconnect in progress")
	ErrClosed              = errors.New("command channel closed")
	ErrInvalidCommand      = errors.New("invalid device command")
)

// TransportError reports a failed connect or publish.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Topic, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
