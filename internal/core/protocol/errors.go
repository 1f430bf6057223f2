package protocol

import (
	"errors"
	"fmt"
	"time"
)

// Core protocol errors
var (
	// Connection errors

	ErrConnectionClosed  = errors.New("connection is closed")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionLost    = errors.New("connection lost")
	ErrNotConnected      = errors.New("session is not connected")

	// Dispatch errors

	ErrSlotNotFound        = errors.New("slot not found")
	ErrServiceNotAvailable = errors.New("service not available")
	ErrProtocolViolation   = errors.New("protocol violation")
	ErrInvalidMessage      = errors.New("invalid message")

	// Backend errors

	ErrQueueFull  = errors.New("backend queue is full")
	ErrNotRunning = errors.New("backend is not running")
	ErrOverloaded = errors.New("backend is overloaded")

	// Peer errors

	ErrPeerFrozen  = errors.New("peer is frozen")
	ErrPeerRemoved = errors.New("peer was removed")

	// Transport errors

	ErrTransportNotSupported = errors.New("transport not supported")
	ErrDialFailed            = errors.New("dial failed")
	ErrListenFailed          = errors.New("listen failed")
	ErrFrameTooLarge         = errors.New("frame too large")

	// Generic errors

	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInternal      = errors.New("internal error")
	ErrUnknown       = errors.New("unknown error")
)

// ErrorCode is the numeric form of an error as it travels on the wire.
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Connection error codes (1000-1999)

	ErrorCodeConnectionClosed  ErrorCode = 1001
	ErrorCodeConnectionTimeout ErrorCode = 1002
	ErrorCodeConnectionRefused ErrorCode = 1003
	ErrorCodeConnectionLost    ErrorCode = 1004
	ErrorCodeNotConnected      ErrorCode = 1005

	// Dispatch error codes (2000-2999)

	ErrorCodeSlotNotFound        ErrorCode = 2001
	ErrorCodeServiceNotAvailable ErrorCode = 2002
	ErrorCodeProtocolViolation   ErrorCode = 2003
	ErrorCodeInvalidMessage      ErrorCode = 2004

	// Backend error codes (3000-3999)

	ErrorCodeQueueFull  ErrorCode = 3001
	ErrorCodeNotRunning ErrorCode = 3002
	ErrorCodeOverloaded ErrorCode = 3003

	// Peer error codes (4000-4999)

	ErrorCodePeerFrozen  ErrorCode = 4001
	ErrorCodePeerRemoved ErrorCode = 4002

	// Transport error codes (7000-7999)

	ErrorCodeTransportNotSupported ErrorCode = 7001
	ErrorCodeDialFailed            ErrorCode = 7002
	ErrorCodeListenFailed          ErrorCode = 7003
	ErrorCodeFrameTooLarge         ErrorCode = 7004

	// Generic error codes (9000-9999)

	ErrorCodeInvalidConfig ErrorCode = 9001
	ErrorCodeInternal      ErrorCode = 9003
	ErrorCodeUnknown       ErrorCode = 9999
)

var codeNames = map[ErrorCode]string{
	ErrorCodeSuccess:               "success",
	ErrorCodeConnectionClosed:      "connection_closed",
	ErrorCodeConnectionTimeout:     "connection_timeout",
	ErrorCodeConnectionRefused:     "connection_refused",
	ErrorCodeConnectionLost:        "connection_lost",
	ErrorCodeNotConnected:          "not_connected",
	ErrorCodeSlotNotFound:          "slot_not_found",
	ErrorCodeServiceNotAvailable:   "service_not_available",
	ErrorCodeProtocolViolation:     "protocol_violation",
	ErrorCodeInvalidMessage:        "invalid_message",
	ErrorCodeQueueFull:             "queue_full",
	ErrorCodeNotRunning:            "not_running",
	ErrorCodeOverloaded:            "overloaded",
	ErrorCodePeerFrozen:            "peer_frozen",
	ErrorCodePeerRemoved:           "peer_removed",
	ErrorCodeTransportNotSupported: "transport_not_supported",
	ErrorCodeDialFailed:            "dial_failed",
	ErrorCodeListenFailed:          "listen_failed",
	ErrorCodeFrameTooLarge:         "frame_too_large",
	ErrorCodeInvalidConfig:         "invalid_config",
	ErrorCodeInternal:              "internal",
	ErrorCodeUnknown:               "unknown",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Error represents a protocol-specific error with additional context
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new protocol error
func NewError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// Errorf is NewError with a formatted message and no cause.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...), nil)
}

// Is matches a coded error against the sentinel carrying the same code.
func (e *Error) Is(target error) bool {
	for _, entry := range errorCodes {
		if entry.sentinel == target {
			return entry.code == e.Code
		}
	}
	return false
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsRecoverable reports whether the same call may be retried on another peer.
func (e *Error) IsRecoverable() bool {
	switch e.Code {
	case ErrorCodeConnectionClosed,
		ErrorCodeConnectionTimeout,
		ErrorCodeConnectionRefused,
		ErrorCodeConnectionLost,
		ErrorCodeNotConnected,
		ErrorCodeQueueFull,
		ErrorCodeNotRunning,
		ErrorCodeOverloaded,
		ErrorCodePeerFrozen,
		ErrorCodePeerRemoved,
		ErrorCodeDialFailed:
		return true
	default:
		return false
	}
}

// IsFatal reports whether the conversation must be terminated at once.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeSlotNotFound,
		ErrorCodeProtocolViolation,
		ErrorCodeInvalidMessage,
		ErrorCodeFrameTooLarge:
		return true
	default:
		return false
	}
}

// errorCodes maps sentinels to codes. GetErrorCode takes the first entry
// an error matches, so an error wrapping several sentinels always gets the
// same code.
var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrConnectionClosed, ErrorCodeConnectionClosed},
	{ErrConnectionTimeout, ErrorCodeConnectionTimeout},
	{ErrConnectionRefused, ErrorCodeConnectionRefused},
	{ErrConnectionLost, ErrorCodeConnectionLost},
	{ErrNotConnected, ErrorCodeNotConnected},

	{ErrSlotNotFound, ErrorCodeSlotNotFound},
	{ErrServiceNotAvailable, ErrorCodeServiceNotAvailable},
	{ErrProtocolViolation, ErrorCodeProtocolViolation},
	{ErrInvalidMessage, ErrorCodeInvalidMessage},

	{ErrQueueFull, ErrorCodeQueueFull},
	{ErrNotRunning, ErrorCodeNotRunning},
	{ErrOverloaded, ErrorCodeOverloaded},

	{ErrPeerFrozen, ErrorCodePeerFrozen},
	{ErrPeerRemoved, ErrorCodePeerRemoved},

	{ErrTransportNotSupported, ErrorCodeTransportNotSupported},
	{ErrDialFailed, ErrorCodeDialFailed},
	{ErrListenFailed, ErrorCodeListenFailed},
	{ErrFrameTooLarge, ErrorCodeFrameTooLarge},

	{ErrInvalidConfig, ErrorCodeInvalidConfig},
	{ErrInternal, ErrorCodeInternal},
	{ErrUnknown, ErrorCodeUnknown},
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}

	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	for _, entry := range errorCodes {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}

	return ErrorCodeUnknown
}

// WrapError wraps a standard error into a protocol Error
func WrapError(err error, message string) *Error {
	return NewError(GetErrorCode(err), message, err)
}

// IsRecoverable classifies an arbitrary error by its code.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.IsRecoverable()
	}
	return (&Error{Code: GetErrorCode(err)}).IsRecoverable()
}
