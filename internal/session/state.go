package session

import (
	"errors"
	"fmt"
)

// State is the connection manager's lifecycle state.
//
// Only StateReady permits directory fetches and sends.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateQRRequired    State = "QR_REQUIRED"
	StateAuthenticated State = "AUTHENTICATED"
	StateReady         State = "READY"
)

// ErrNotReady is matched (errors.Is) by the typed NotReadyError the manager
// returns when an operation requires a ready session.
var ErrNotReady = errors.New("session not ready")

// NotReadyError carries the state the session was actually in.
type NotReadyError struct {
	State State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("session not ready (state %s)", e.State)
}

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

// NewNotReady builds a NotReadyError for the given state.
func NewNotReady(st State) error { return &NotReadyError{State: st} }
