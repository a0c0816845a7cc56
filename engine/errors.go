package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady   = errors.New("engine: not ready")
	ErrTimeout    = errors.New("engine: call timed out")
	ErrNoHandler  = errors.New("engine: no handler")
	ErrBadService = errors.New("engine: invalid service")
	ErrDuplicate  = errors.New("engine: command already registered")
)

// RemoteError is a failure reported by the peer's handler.
type RemoteError struct {
	Cmd string
	Msg string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("engine: remote %s: %s", e.Cmd, e.Msg)
}
