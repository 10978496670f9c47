package sandbox

import (
	"errors"
	"fmt"

	"safe-eval/internal/runtime"
)

// Sentinel errors for typed error checking.
var (
	ErrProvision       = errors.New("session provisioning failed")
	ErrTimeout         = errors.New("execution timed out")
	ErrExecution       = errors.New("guest program failed")
	ErrInvalidRequest  = errors.New("invalid execution request")
	ErrUnsupportedLang = runtime.ErrUnsupported
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionBusy     = errors.New("session is already executing")
	ErrRunnerClosed    = errors.New("runner is shutting down")
	ErrEngineDown      = errors.New("container engine unavailable")
)

// SessionError wraps errors with session context.
type SessionError struct {
	SessionID string
	Op        string // The operation that failed
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %s", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsProvision returns true if the session could not be built or started.
func IsProvision(err error) bool {
	return errors.Is(err, ErrProvision)
}

// IsInvalid returns true if the request was rejected before provisioning.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidRequest)
}

// IsExecution returns true if the guest program exited non-zero.
func IsExecution(err error) bool {
	return errors.Is(err, ErrExecution)
}

func provisionErr(sessionID, op string, err error) error {
	return &SessionError{SessionID: sessionID, Op: op, Err: fmt.Errorf("%w: %w", ErrProvision, err)}
}
