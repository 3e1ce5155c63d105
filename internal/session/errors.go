package session

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the type of error for programmatic handling.
type ErrorCode int

const (
	// ErrCodeUnknown indicates an unclassified error.
	ErrCodeUnknown ErrorCode = iota

	// ErrCodeInvalidTarget indicates a connect target that cannot be dialed,
	// including the local address itself.
	ErrCodeInvalidTarget

	// ErrCodeAlreadyActive indicates the session is busy dialing or connected.
	ErrCodeAlreadyActive

	// ErrCodeTransportFailure indicates a listen, dial, handshake or send failure.
	ErrCodeTransportFailure

	// ErrCodeSessionActive indicates address generation while not idle.
	ErrCodeSessionActive

	// ErrCodeHistoryIO indicates the history log could not be written.
	ErrCodeHistoryIO

	// ErrCodeNotConnected indicates an operation that needs a session.
	ErrCodeNotConnected

	// ErrCodeClosed indicates the machine has been closed.
	ErrCodeClosed
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeInvalidTarget:
		return "InvalidTarget"
	case ErrCodeAlreadyActive:
		return "AlreadyActive"
	case ErrCodeTransportFailure:
		return "TransportFailure"
	case ErrCodeSessionActive:
		return "SessionActive"
	case ErrCodeHistoryIO:
		return "HistoryIOError"
	case ErrCodeNotConnected:
		return "NotConnected"
	case ErrCodeClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error is a session error with enough context to render it to the user.
type Error struct {
	// Code identifies the type of error.
	Code ErrorCode

	// Message is a human-readable description of the error.
	Message string

	// Peer is the address involved, if any.
	Peer string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Peer != "" {
		msg += " (" + e.Peer + ")"
	}
	if e.Cause != nil {
		return fmt.Sprintf("session: %s: %v", msg, e.Cause)
	}
	return "session: " + msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a session Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithCause creates an Error wrapping cause.
func NewErrorWithCause(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// NewPeerError creates an Error associated with a peer address.
func NewPeerError(code ErrorCode, message string, peer string) *Error {
	return &Error{Code: code, Message: message, Peer: peer}
}

// CodeOf returns the code of the first session Error in err's chain.
func CodeOf(err error) ErrorCode {
	var sErr *Error
	if errors.As(err, &sErr) {
		return sErr.Code
	}
	return ErrCodeUnknown
}

// Sentinel errors, comparable with errors.Is.
var (
	ErrInvalidTarget    = NewError(ErrCodeInvalidTarget, "invalid target")
	ErrAlreadyActive    = NewError(ErrCodeAlreadyActive, "session already active")
	ErrTransportFailure = NewError(ErrCodeTransportFailure, "transport failure")
	ErrSessionActive    = NewError(ErrCodeSessionActive, "not possible while a chat is running")
	ErrHistoryIO        = NewError(ErrCodeHistoryIO, "history unavailable")
	ErrNotConnected     = NewError(ErrCodeNotConnected, "no active connection")
	ErrClosed           = NewError(ErrCodeClosed, "session closed")
)

// ErrSelfConnect is the Cause of the InvalidTarget returned for the local
// address.
var ErrSelfConnect = errors.New("cannot connect to yourself")

// Handshake outcomes, carried as the Cause of a TransportFailure.
var (
	ErrPeerRejected    = errors.New("peer rejected the connection")
	ErrUnexpectedReply = errors.New("unexpected handshake reply")
	ErrAborted         = errors.New("connection attempt aborted")
)
