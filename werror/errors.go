// Package werror defines the disjoint error kinds described in spec §7.
// Each carries a status code so callers (and the connection state machine's
// lastDisconnect reporting) can branch without string matching.
package werror

import "fmt"

// Kind identifies one of the disjoint error categories from spec §7.
type Kind string

const (
	KindConnectionClosed     Kind = "connection_closed"
	KindConnectionLost       Kind = "connection_lost"
	KindTimedOut             Kind = "timed_out"
	KindLoggedOut            Kind = "logged_out"
	KindUnpaired             Kind = "unpaired"
	KindMultideviceMismatch  Kind = "multidevice_mismatch"
	KindForbidden            Kind = "forbidden"
	KindBadSession           Kind = "bad_session"
	KindPreKeyError          Kind = "pre_key_error"
	KindStreamError          Kind = "stream_error"
	KindAppStateError        Kind = "app_state_error"
	KindMediaError           Kind = "media_error"
)

// statusCodes mirrors the status codes referenced in spec §7 (loggedOut is
// explicitly 401; the rest are internal constants with no wire meaning
// beyond distinguishing reasons in lastDisconnect.error.statusCode).
var statusCodes = map[Kind]int{
	KindConnectionClosed:    1001,
	KindConnectionLost:      1002,
	KindTimedOut:            1003,
	KindLoggedOut:           401,
	KindUnpaired:            1004,
	KindMultideviceMismatch: 1005,
	KindForbidden:           403,
	KindBadSession:          1006,
	KindPreKeyError:         1007,
	KindStreamError:         1008,
	KindAppStateError:       1009,
	KindMediaError:          1010,
}

// Error is the concrete error type for every Kind in this package.
type Error struct {
	Kind   Kind
	Reason string // extra detail, e.g. the stream:error reason text
	Err    error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Reason != "" && e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Kind, e.Reason, e.Err)
	} else if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	} else if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the numeric status code associated with e.Kind.
func (e *Error) StatusCode() int { return statusCodes[e.Kind] }

// New constructs an *Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap constructs an *Error of the given kind wrapping err.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

var (
	ErrConnectionClosed = New(KindConnectionClosed, "socket is not open")
	ErrConnectionLost   = New(KindConnectionLost, "keep-alive threshold exceeded")
	ErrTimedOut         = New(KindTimedOut, "operation timed out")
	ErrLoggedOut        = New(KindLoggedOut, "logged out from phone")
	ErrUnpaired         = New(KindUnpaired, "device is not paired")
	ErrForbidden        = New(KindForbidden, "server rejected the request")
)

// StreamError builds the streamError(reason) kind from spec §7.
func StreamError(reason string) *Error {
	return New(KindStreamError, reason)
}

// AppStateError builds the appStateError kind, used for MAC mismatches and
// missing app-state keys. It is recoverable by wiping the affected
// collection (see appstate package).
func AppStateError(reason string, err error) *Error {
	return Wrap(KindAppStateError, reason, err)
}

// BadSession / PreKeyError are the Signal-layer failure kinds.
func BadSession(reason string, err error) *Error {
	return Wrap(KindBadSession, reason, err)
}

func PreKeyError(reason string, err error) *Error {
	return Wrap(KindPreKeyError, reason, err)
}

// MediaError covers upload/retry failures at the media layer (external
// collaborator in this core, but the error kind is still part of the core
// vocabulary per spec §7).
func MediaError(reason string, err error) *Error {
	return Wrap(KindMediaError, reason, err)
}
