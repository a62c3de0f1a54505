package realtime

import (
	"errors"
	"fmt"
)

// Stable error kinds. Callers match them with errors.Is; transport layers map each
// kind to its own wire code so clients can tell them apart.
var (
	// ErrNotFound: the referenced message (or an undoable message) does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden: the actor has no rights over the message.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState: the status transition is not legal from the current status.
	ErrInvalidState = errors.New("invalid state")
	// ErrWindowExpired: undo attempted after the undo window.
	ErrWindowExpired = errors.New("undo window expired")
	// ErrStore: the message store failed.
	ErrStore = errors.New("store failure")

	// ErrInvalidInput: malformed request (empty text, missing ids, ...).
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotIdentified: the connection has not sent identify yet.
	ErrNotIdentified = errors.New("not identified")
	// ErrSessionClosed: the event lost a race against disconnect.
	ErrSessionClosed = errors.New("session closed")
	// ErrUnauthorized: identify token missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnsupported: the event type is not accepted from clients.
	ErrUnsupported = errors.New("unsupported")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinel errors above.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func opErr(op string, kind error, msg string) error {
	return OpError{Op: op, Kind: kind, Msg: msg}
}

// StoreError wraps a persistence failure. It matches both ErrStore and the cause.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStore, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// ErrorCode maps an error to the stable wire/API code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrWindowExpired):
		return "undo_window_expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrStore):
		return "store_error"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotIdentified):
		return "not_identified"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	default:
		return "internal"
	}
}
