package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
)

func TestMCPErrorInterface(t *testing.T) {
	tests := []struct {
		name      string
		err       MCPError
		wantCode  int
		wantCat   Category
		wantSev   Severity
		wantClass Class
	}{
		{
			name:      "auth denied",
			err:       AuthDenied("missing credential"),
			wantCode:  CodeAuthDenied,
			wantCat:   CategoryAuth,
			wantSev:   SeverityWarning,
			wantClass: ClassAuthDenied,
		},
		{
			name:      "backend not found",
			err:       BackendNotFound("db"),
			wantCode:  CodeBackendUnavailable,
			wantCat:   CategoryNotFound,
			wantSev:   SeverityWarning,
			wantClass: ClassBackendUnavailable,
		},
		{
			name:      "backend unavailable",
			err:       BackendUnavailable("db", "backend is unreachable"),
			wantCode:  CodeBackendUnavailable,
			wantCat:   CategoryNotFound,
			wantSev:   SeverityWarning,
			wantClass: ClassBackendUnavailable,
		},
		{
			name:      "backend protocol error",
			err:       BackendProtocolError("db", fmt.Errorf("invalid character")),
			wantCode:  CodeBackendProtocolError,
			wantCat:   CategoryProtocol,
			wantSev:   SeverityError,
			wantClass: ClassBackendProtocolError,
		},
		{
			name:      "request timeout",
			err:       RequestTimeout("db", "7", 50*time.Millisecond),
			wantCode:  CodeRequestTimeout,
			wantCat:   CategoryTimeout,
			wantSev:   SeverityError,
			wantClass: ClassRequestTimeout,
		},
		{
			name:      "transport failure",
			err:       TransportFailure("stream", "dial", fmt.Errorf("connection refused")),
			wantCode:  CodeTransportFailure,
			wantCat:   CategoryTransport,
			wantSev:   SeverityError,
			wantClass: ClassTransportFailure,
		},
		{
			name:      "process exited",
			err:       ProcessExited("cat", 1, nil),
			wantCode:  CodeTransportFailure,
			wantCat:   CategoryTransport,
			wantSev:   SeverityError,
			wantClass: ClassTransportFailure,
		},
		{
			name:      "session not found",
			err:       SessionNotFound("abc"),
			wantCode:  CodeSessionNotFound,
			wantCat:   CategoryNotFound,
			wantSev:   SeverityWarning,
			wantClass: ClassNone,
		},
		{
			name:      "config invalid",
			err:       ConfigInvalid("gateway.tokens", "at least one token is required"),
			wantCode:  CodeConfigInvalid,
			wantCat:   CategoryValidation,
			wantSev:   SeverityCritical,
			wantClass: ClassNone,
		},
		{
			name:      "cancelled",
			err:       Cancelled("wait for reply", nil),
			wantCode:  CodeOperationCancelled,
			wantCat:   CategoryCancelled,
			wantSev:   SeverityInfo,
			wantClass: ClassNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Code(); got != tt.wantCode {
				t.Errorf("Code() = %v, want %v", got, tt.wantCode)
			}
			if got := tt.err.Category(); got != tt.wantCat {
				t.Errorf("Category() = %v, want %v", got, tt.wantCat)
			}
			if got := tt.err.Severity(); got != tt.wantSev {
				t.Errorf("Severity() = %v, want %v", got, tt.wantSev)
			}
			if got := ClassOf(tt.err); got != tt.wantClass {
				t.Errorf("ClassOf() = %q, want %q", got, tt.wantClass)
			}
			if msg := tt.err.Error(); msg == "" {
				t.Error("Error() returned empty string")
			}
		})
	}
}

func TestClassOfWrappedError(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", RequestTimeout("db", "1", time.Second))

	if !IsClass(err, ClassRequestTimeout) {
		t.Errorf("IsClass(wrapped timeout) = false, want true")
	}
	if IsClass(err, ClassNone) {
		t.Error("IsClass(err, ClassNone) must never match")
	}
	if got := ClassOf(fmt.Errorf("plain")); got != ClassNone {
		t.Errorf("ClassOf(plain error) = %q, want none", got)
	}
	if !IsCode(err, CodeRequestTimeout) {
		t.Error("IsCode(wrapped timeout) = false, want true")
	}
}

func TestErrorContext(t *testing.T) {
	err := BackendUnavailable("db", "opening queue full")

	if ctx := err.Context(); ctx == nil {
		t.Fatal("Context() should never return nil")
	}

	withCtx := err.WithContext(&Context{SessionID: "s-1", Backend: "db", Component: "session"})
	got := withCtx.Context()
	if got.SessionID != "s-1" || got.Backend != "db" {
		t.Errorf("WithContext() context = %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("WithContext() should fill in a missing timestamp")
	}
	if err.Context().SessionID != "" {
		t.Error("original error was modified by WithContext()")
	}
}

func TestWithContextLayers(t *testing.T) {
	err := ProcessExited("node server.js", 1, nil).
		WithContext(&Context{Backend: "fs", Component: "subprocess", Operation: "wait"})
	layered := Annotate(err, &Context{SessionID: "s-2", Method: "tools/call"})

	mcpErr, ok := AsMCPError(layered)
	if !ok {
		t.Fatalf("Annotate() = %T, want MCPError", layered)
	}
	got := mcpErr.Context()
	if got.Backend != "fs" || got.Operation != "wait" || got.SessionID != "s-2" || got.Method != "tools/call" {
		t.Errorf("Context() = %+v", got)
	}
	if mcpErr.Code() != CodeTransportFailure {
		t.Errorf("Code() = %d, want %d", mcpErr.Code(), CodeTransportFailure)
	}

	got.Backend = "changed"
	if mcpErr.Context().Backend != "fs" {
		t.Error("Context() exposed internal state")
	}

	plain := fmt.Errorf("disk full")
	if Annotate(plain, &Context{SessionID: "s-2"}) != plain {
		t.Error("Annotate() should leave plain errors alone")
	}
}

func TestWithDetailAppends(t *testing.T) {
	err := AuthDenied("missing").WithDetail("path /db/mcp")
	if got := err.Details(); got != "missing; path /db/mcp" {
		t.Errorf("Details() = %q", got)
	}
	if got := err.Error(); got != "authentication denied: missing; path /db/mcp" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrorChaining(t *testing.T) {
	cause := fmt.Errorf("broken pipe")
	err := TransportFailure("subprocess", "write", cause)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is(err, cause) = false, want true")
	}
	data, ok := err.Data().(*TransportErrorData)
	if !ok {
		t.Fatalf("Data() = %T, want *TransportErrorData", err.Data())
	}
	if data.Transport != "subprocess" || data.Operation != "write" || data.Reason != "broken pipe" {
		t.Errorf("TransportErrorData = %+v", data)
	}
}

func TestProcessExitedCarriesExitCode(t *testing.T) {
	err := ProcessExited("node server.js", 3, nil)
	data, ok := err.Data().(*TransportErrorData)
	if !ok || data.ExitCode == nil {
		t.Fatalf("Data() = %#v, want exit code", err.Data())
	}
	if *data.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", *data.ExitCode)
	}
}

func TestInvalidMessageCodes(t *testing.T) {
	if got := InvalidMessage("no method", nil).Code(); got != CodeInvalidRequest {
		t.Errorf("InvalidMessage without cause code = %d, want %d", got, CodeInvalidRequest)
	}
	if got := InvalidMessage("bad json", fmt.Errorf("unexpected EOF")).Code(); got != CodeParseError {
		t.Errorf("InvalidMessage with cause code = %d, want %d", got, CodeParseError)
	}
}

func TestErrorSerialization(t *testing.T) {
	err := BackendNotFound("db").
		WithContext(&Context{RequestID: "123", Method: "tools/call"}).
		WithDetail("from router")

	encoded, mErr := json.Marshal(err)
	if mErr != nil {
		t.Fatalf("Failed to marshal error: %v", mErr)
	}
	var decoded map[string]interface{}
	if uErr := json.Unmarshal(encoded, &decoded); uErr != nil {
		t.Fatalf("Failed to unmarshal error: %v", uErr)
	}
	if code, _ := decoded["code"].(float64); int(code) != CodeBackendUnavailable {
		t.Errorf("code = %v, want %v", decoded["code"], CodeBackendUnavailable)
	}
	if decoded["class"] != string(ClassBackendUnavailable) {
		t.Errorf("class = %v", decoded["class"])
	}
	if decoded["category"] != string(CategoryNotFound) {
		t.Errorf("category = %v", decoded["category"])
	}
	if decoded["details"] != "from router" {
		t.Errorf("details = %v", decoded["details"])
	}
	ctx, ok := decoded["context"].(map[string]interface{})
	if !ok || ctx["request_id"] != "123" {
		t.Errorf("context = %v", decoded["context"])
	}
}

func TestToResponse(t *testing.T) {
	tests := []struct {
		name     string
		id       json.RawMessage
		err      error
		wantCode int
		wantID   string
	}{
		{"gateway error", json.RawMessage(`7`), RequestTimeout("db", "7", time.Second), CodeRequestTimeout, "7"},
		{"string id", json.RawMessage(`"a"`), SessionNotFound("s"), CodeSessionNotFound, `"a"`},
		{"plain error", json.RawMessage(`1`), fmt.Errorf("boom"), CodeInternalError, "1"},
		{"no id", nil, AuthDenied("missing"), CodeAuthDenied, "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := ToResponse(tt.id, tt.err)
			if msg.Error == nil {
				t.Fatal("ToResponse() produced no error object")
			}
			if msg.Error.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", msg.Error.Code, tt.wantCode)
			}
			raw, err := msg.Raw()
			if err != nil {
				t.Fatalf("Raw() error = %v", err)
			}
			var wire struct {
				ID json.RawMessage `json:"id"`
			}
			if err := json.Unmarshal(raw, &wire); err != nil {
				t.Fatalf("reply is not JSON: %v", err)
			}
			if string(wire.ID) != tt.wantID {
				t.Errorf("id = %s, want %s", wire.ID, tt.wantID)
			}
		})
	}
}

func TestFromResponseRoundTrip(t *testing.T) {
	reply := ToResponse(json.RawMessage(`1`), BackendUnavailable("db", "backend is unreachable"))

	recovered := FromResponse(reply)
	if recovered == nil {
		t.Fatal("FromResponse() = nil, want error")
	}
	if !IsClass(recovered, ClassBackendUnavailable) {
		t.Errorf("recovered class = %q", ClassOf(recovered))
	}
	if recovered.Category() != CategoryNotFound {
		t.Errorf("recovered category = %q", recovered.Category())
	}

	ok, _ := protocol.NewResponse(json.RawMessage(`1`), map[string]string{})
	if FromResponse(ok) != nil {
		t.Error("FromResponse(success) should be nil")
	}
}

func TestErrorCodeRegistry(t *testing.T) {
	codes := []int{
		CodeParseError, CodeInvalidRequest, CodeInternalError,
		CodeAuthDenied, CodeSessionNotFound, CodeBackendUnavailable,
		CodeRequestTimeout, CodeOperationCancelled, CodeTransportFailure,
		CodeConfigInvalid, CodeBackendProtocolError,
	}
	for _, code := range codes {
		info, ok := GetErrorCodeInfo(code)
		if !ok {
			t.Errorf("code %d missing from registry", code)
			continue
		}
		if info.Code != code || info.Name == "" {
			t.Errorf("registry entry for %d = %+v", code, info)
		}
	}
	if got := GetErrorCodeName(12345); got != "UnknownError" {
		t.Errorf("GetErrorCodeName(unknown) = %q", got)
	}
	if got := GetErrorCodeCategory(CodeTransportFailure); got != CategoryTransport {
		t.Errorf("GetErrorCodeCategory(transport) = %q", got)
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe(nil); got != "" {
		t.Errorf("Describe(nil) = %q", got)
	}
	if got := Describe(AuthDenied("missing")); got != "AuthDenied: authentication denied: missing" {
		t.Errorf("Describe(auth) = %q", got)
	}
	if got := Describe(fmt.Errorf("plain")); got != "plain" {
		t.Errorf("Describe(plain) = %q", got)
	}
}
