// Package errors provides structured error handling for the gateway.
// It defines the error classes surfaced to clients, maps each of them to a
// JSON-RPC error code and carries enough context for logs and metrics.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"time"
)

// Category groups error codes for logs and metrics.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryAuth       Category = "auth"
	CategoryNotFound   Category = "not_found"
	CategoryTransport  Category = "transport"
	CategoryInternal   Category = "internal"
	CategoryTimeout    Category = "timeout"
	CategoryCancelled  Category = "cancelled"
	CategoryProtocol   Category = "protocol"
)

// Severity picks the log level an error is reported at.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Context says where in the gateway an error arose. Layers annotate the
// same error in turn: the transport names the backend, the session adds
// its id.
type Context struct {
	RequestID string    `json:"request_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Backend   string    `json:"backend,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component,omitempty"`
	Operation string    `json:"operation,omitempty"`
}

// merge overlays the non-empty fields of next onto c.
func (c Context) merge(next *Context) Context {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.RequestID, next.RequestID)
	set(&c.Method, next.Method)
	set(&c.SessionID, next.SessionID)
	set(&c.Backend, next.Backend)
	set(&c.Component, next.Component)
	set(&c.Operation, next.Operation)
	if !next.Timestamp.IsZero() {
		c.Timestamp = next.Timestamp
	}
	return c
}

// MCPError is a gateway error with a JSON-RPC code. Its With methods return
// copies; the receiver is never modified.
type MCPError interface {
	error

	Code() int
	Details() string
	// Data is the structured payload sent to clients in the error's data member.
	Data() interface{}
	Category() Category
	Severity() Severity
	// Context is never nil.
	Context() *Context

	// WithContext merges ctx into the error's context, keeping fields ctx leaves empty.
	WithContext(ctx *Context) MCPError
	WithDetail(detail string) MCPError
	WithData(data interface{}) MCPError

	Unwrap() error
}

type baseError struct {
	code     int
	message  string
	details  string
	data     interface{}
	category Category
	severity Severity
	context  Context
	cause    error
}

func (e *baseError) Error() string {
	if e.details != "" {
		return e.message + ": " + e.details
	}
	return e.message
}

func (e *baseError) Code() int          { return e.code }
func (e *baseError) Details() string    { return e.details }
func (e *baseError) Data() interface{}  { return e.data }
func (e *baseError) Category() Category { return e.category }
func (e *baseError) Severity() Severity { return e.severity }
func (e *baseError) Unwrap() error      { return e.cause }

func (e *baseError) Context() *Context {
	c := e.context
	return &c
}

func (e *baseError) WithContext(ctx *Context) MCPError {
	newErr := *e
	if ctx != nil {
		newErr.context = e.context.merge(ctx)
	}
	return &newErr
}

func (e *baseError) WithDetail(detail string) MCPError {
	newErr := *e
	if newErr.details != "" {
		newErr.details += "; " + detail
	} else {
		newErr.details = detail
	}
	return &newErr
}

func (e *baseError) WithData(data interface{}) MCPError {
	newErr := *e
	newErr.data = data
	return &newErr
}

// wireError is the JSON shape of an MCPError in logs and the status API.
type wireError struct {
	Code     int         `json:"code"`
	Class    Class       `json:"class,omitempty"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Category Category    `json:"category"`
	Severity Severity    `json:"severity"`
	Data     interface{} `json:"data,omitempty"`
	Context  Context     `json:"context"`
	Cause    string      `json:"cause,omitempty"`
}

func (e *baseError) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:     e.code,
		Class:    classByCode[e.code],
		Message:  e.message,
		Details:  e.details,
		Category: e.category,
		Severity: e.severity,
		Data:     e.data,
		Context:  e.context,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	return json.Marshal(w)
}

// NewError creates an MCPError stamped with the current time.
func NewError(code int, message string, category Category, severity Severity) MCPError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		context:  Context{Timestamp: time.Now()},
	}
}

// WrapError creates an MCPError whose chain continues with err.
func WrapError(err error, code int, message string, category Category, severity Severity) MCPError {
	return &baseError{
		code:     code,
		message:  message,
		category: category,
		severity: severity,
		cause:    err,
		context:  Context{Timestamp: time.Now()},
	}
}

// AsMCPError finds the first MCPError in err's chain.
func AsMCPError(err error) (MCPError, bool) {
	var mcpErr MCPError
	if err != nil && stderrors.As(err, &mcpErr) {
		return mcpErr, true
	}
	return nil, false
}

// IsCode reports whether the first MCPError in err's chain has code.
func IsCode(err error, code int) bool {
	mcpErr, ok := AsMCPError(err)
	return ok && mcpErr.Code() == code
}

// Annotate returns the first MCPError in err's chain with ctx merged into
// its context, or err itself when the chain holds none.
func Annotate(err error, ctx *Context) error {
	mcpErr, ok := AsMCPError(err)
	if !ok {
		return err
	}
	return mcpErr.WithContext(ctx)
}
