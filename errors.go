package mcp

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of protocol-level failures a handler can report. Every kind maps
// to exactly one JSON-RPC error code through Code.
type ErrorKind uint8

// ProtocolError is the error handlers return to produce a specific JSON-RPC error response.
// Any other error returned by a handler is reported as an internal error.
type ProtocolError struct {
	Kind    ErrorKind
	Message string
	Data    map[string]any
}

// ErrorKind values. The zero value is ErrKindInternal so an unset kind never claims to be
// the caller's fault.
const (
	ErrKindInternal ErrorKind = iota
	ErrKindParse
	ErrKindInvalidRequest
	ErrKindMethodNotFound
	ErrKindInvalidParams
)

const (
	jsonRPCParseErrorCode     = -32700
	jsonRPCInvalidRequestCode = -32600
	jsonRPCMethodNotFoundCode = -32601
	jsonRPCInvalidParamsCode  = -32602
	jsonRPCInternalErrorCode  = -32603

	errMsgSessionNotInitialized = "Session not initialized"
	errMsgInternalError         = "Internal error"
)

var (
	// ErrMailboxClosed is returned by mailbox operations once the mailbox is closed.
	ErrMailboxClosed = errors.New("mailbox closed")
	// ErrMailboxFull is returned when the response lane stays full until the caller gives up.
	ErrMailboxFull = errors.New("mailbox full")
	// ErrPoolClosed rejects submissions to a worker pool that has been shut down.
	ErrPoolClosed = errors.New("worker pool is shut down")
	// ErrTaskPanicked wraps the value recovered from a panicking task.
	ErrTaskPanicked = errors.New("task panicked")
	// ErrSessionNotFound is returned for session ids that are not in the session table.
	ErrSessionNotFound = errors.New("session not found")
	// ErrDuplicateID rejects registering a request id that is already in flight.
	ErrDuplicateID = errors.New("request id already in flight")
	// ErrRequestTimeout is returned when no response arrives within the bounded wait.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrRequestCancelled is returned when the caller or its session goes away mid-request.
	ErrRequestCancelled = errors.New("request cancelled")
	// ErrTransportClosed fails calls whose transport went away before a response arrived.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNotRunning is returned by subprocess operations outside the Running state.
	ErrNotRunning = errors.New("process is not running")
	// ErrAlreadyStarted is returned by Start when the subprocess is not Stopped.
	ErrAlreadyStarted = errors.New("process already started")
	// ErrProcessExited reports a child that exited during startup.
	ErrProcessExited = errors.New("process exited immediately")
	// ErrShortWrite is the fatal transport error for a partially written frame.
	ErrShortWrite = errors.New("short write")
	// ErrShuttingDown is returned for new work once shutdown has begun.
	ErrShuttingDown = errors.New("shutting down")
	// ErrUnauthorized is returned when the bearer token is missing or rejected.
	ErrUnauthorized = errors.New("unauthorized")
)

// NewProtocolError creates a ProtocolError of the given kind with a formatted message.
func NewProtocolError(kind ErrorKind, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Code returns the JSON-RPC error code for the kind.
func (k ErrorKind) Code() int {
	switch k {
	case ErrKindParse:
		return jsonRPCParseErrorCode
	case ErrKindInvalidRequest:
		return jsonRPCInvalidRequestCode
	case ErrKindMethodNotFound:
		return jsonRPCMethodNotFoundCode
	case ErrKindInvalidParams:
		return jsonRPCInvalidParamsCode
	default:
		return jsonRPCInternalErrorCode
	}
}

func (k ErrorKind) String() string {
	switch k {
	case ErrKindParse:
		return "parse_error"
	case ErrKindInvalidRequest:
		return "invalid_request"
	case ErrKindMethodNotFound:
		return "method_not_found"
	case ErrKindInvalidParams:
		return "invalid_params"
	default:
		return "internal_error"
	}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WithData attaches structured data that is sent in the error object's data member.
func (e *ProtocolError) WithData(data map[string]any) *ProtocolError {
	e.Data = data
	return e
}

func kindFromCode(code int) ErrorKind {
	switch code {
	case jsonRPCParseErrorCode:
		return ErrKindParse
	case jsonRPCInvalidRequestCode:
		return ErrKindInvalidRequest
	case jsonRPCMethodNotFoundCode:
		return ErrKindMethodNotFound
	case jsonRPCInvalidParamsCode:
		return ErrKindInvalidParams
	default:
		return ErrKindInternal
	}
}

// toJSONRPCError is the single place where Go errors become wire errors.
func toJSONRPCError(err error) *JSONRPCError {
	var pErr *ProtocolError
	if errors.As(err, &pErr) {
		return &JSONRPCError{
			Code:    pErr.Kind.Code(),
			Message: pErr.Message,
			Data:    pErr.Data,
		}
	}

	var jErr JSONRPCError
	if errors.As(err, &jErr) {
		return &jErr
	}
	var jErrPtr *JSONRPCError
	if errors.As(err, &jErrPtr) && jErrPtr != nil {
		return jErrPtr
	}

	return &JSONRPCError{
		Code:    jsonRPCInternalErrorCode,
		Message: fmt.Sprintf("%s: %s", errMsgInternalError, err.Error()),
	}
}
