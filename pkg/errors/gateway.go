package errors

import (
	"fmt"
	"time"
)

// Class names one of the error classes a client can observe.
type Class string

const (
	ClassNone                 Class = ""
	ClassAuthDenied           Class = "AuthDenied"
	ClassBackendUnavailable   Class = "BackendUnavailable"
	ClassBackendProtocolError Class = "BackendProtocolError"
	ClassRequestTimeout       Class = "RequestTimeout"
	ClassTransportFailure     Class = "TransportFailure"
)

var classByCode = map[int]Class{
	CodeAuthDenied:           ClassAuthDenied,
	CodeBackendUnavailable:   ClassBackendUnavailable,
	CodeBackendProtocolError: ClassBackendProtocolError,
	CodeRequestTimeout:       ClassRequestTimeout,
	CodeTransportFailure:     ClassTransportFailure,
}

// ClassOf returns the class of the first MCPError in err's chain, or ClassNone.
func ClassOf(err error) Class {
	mcpErr, ok := AsMCPError(err)
	if !ok {
		return ClassNone
	}
	return classByCode[mcpErr.Code()]
}

// IsClass reports whether err belongs to class c.
func IsClass(err error, c Class) bool {
	return c != ClassNone && ClassOf(err) == c
}

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport string `json:"transport"`
	Operation string `json:"operation,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
}

// BackendErrorData identifies the backend an error refers to.
type BackendErrorData struct {
	Backend string `json:"backend"`
	Reason  string `json:"reason,omitempty"`
}

// TimeoutErrorData describes a request that ran out of time.
type TimeoutErrorData struct {
	Backend   string        `json:"backend,omitempty"`
	RequestID string        `json:"request_id"`
	Waited    time.Duration `json:"waited"`
}

// AuthDenied is returned for a missing or mismatched bearer credential.
func AuthDenied(reason string) MCPError {
	return NewError(CodeAuthDenied, "authentication denied", CategoryAuth, SeverityWarning).
		WithDetail(reason)
}

// BackendNotFound is returned when no registry entry matches name.
func BackendNotFound(name string) MCPError {
	return NewError(
		CodeBackendUnavailable,
		fmt.Sprintf("backend %q not found", name),
		CategoryNotFound,
		SeverityWarning,
	).WithData(&BackendErrorData{Backend: name, Reason: "not_registered"})
}

// BackendUnavailable is returned when a known backend cannot take new work.
func BackendUnavailable(name, reason string) MCPError {
	return NewError(
		CodeBackendUnavailable,
		fmt.Sprintf("backend %q unavailable", name),
		CategoryNotFound,
		SeverityWarning,
	).WithDetail(reason).WithData(&BackendErrorData{Backend: name, Reason: reason})
}

// BackendProtocolError wraps a malformed frame received from a backend.
func BackendProtocolError(backend string, cause error) MCPError {
	message := fmt.Sprintf("backend %q sent a malformed frame", backend)
	reason := ""
	if cause != nil {
		reason = cause.Error()
		message = fmt.Sprintf("%s: %s", message, reason)
	}
	return WrapError(cause, CodeBackendProtocolError, message, CategoryProtocol, SeverityError).
		WithData(&BackendErrorData{Backend: backend, Reason: reason})
}

// RequestTimeout is returned when a pending request's deadline passes.
func RequestTimeout(backend, requestID string, waited time.Duration) MCPError {
	return NewError(
		CodeRequestTimeout,
		fmt.Sprintf("request %s timed out after %v", requestID, waited.Round(time.Millisecond)),
		CategoryTimeout,
		SeverityError,
	).WithData(&TimeoutErrorData{Backend: backend, RequestID: requestID, Waited: waited})
}

// TransportFailure wraps process exits, connection drops and write failures.
func TransportFailure(transport, operation string, cause error) MCPError {
	message := fmt.Sprintf("%s transport failure", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport failure during %s", transport, operation)
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
		message = fmt.Sprintf("%s: %s", message, reason)
	}
	return WrapError(cause, CodeTransportFailure, message, CategoryTransport, SeverityError).
		WithData(&TransportErrorData{
			Transport: transport,
			Operation: operation,
			Reason:    reason,
		})
}

// ProcessExited is a TransportFailure for a child process that went away.
func ProcessExited(command string, exitCode int, cause error) MCPError {
	code := exitCode
	return WrapError(
		cause,
		CodeTransportFailure,
		fmt.Sprintf("subprocess %q exited with code %d", command, exitCode),
		CategoryTransport,
		SeverityError,
	).WithData(&TransportErrorData{
		Transport: "subprocess",
		Operation: "wait",
		Endpoint:  command,
		ExitCode:  &code,
	})
}

// SessionNotFound is returned for unknown or already closed session ids.
func SessionNotFound(sessionID string) MCPError {
	return NewError(
		CodeSessionNotFound,
		fmt.Sprintf("session %q not found", sessionID),
		CategoryNotFound,
		SeverityWarning,
	).WithContext(&Context{SessionID: sessionID})
}

// SessionClosing is returned when work is offered to a draining or closed session.
func SessionClosing(sessionID, state string) MCPError {
	return NewError(
		CodeBackendUnavailable,
		fmt.Sprintf("session %q is %s", sessionID, state),
		CategoryNotFound,
		SeverityWarning,
	).WithContext(&Context{SessionID: sessionID})
}

// Cancelled is returned when the caller stops waiting for a reply.
func Cancelled(operation string, cause error) MCPError {
	return WrapError(
		cause,
		CodeOperationCancelled,
		fmt.Sprintf("%s cancelled", operation),
		CategoryCancelled,
		SeverityInfo,
	)
}

// ConfigInvalid reports a rejected configuration or registry document.
func ConfigInvalid(field, reason string) MCPError {
	return NewError(
		CodeConfigInvalid,
		fmt.Sprintf("invalid configuration: %s", field),
		CategoryValidation,
		SeverityCritical,
	).WithDetail(reason)
}

// InvalidMessage is returned for client frames that are not JSON-RPC shaped.
func InvalidMessage(reason string, cause error) MCPError {
	code := CodeInvalidRequest
	message := "invalid message"
	if cause != nil {
		code = CodeParseError
		message = "parse error"
	}
	return WrapError(cause, code, message, CategoryProtocol, SeverityError).WithDetail(reason)
}
