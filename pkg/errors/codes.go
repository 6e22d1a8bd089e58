package errors

// JSON-RPC 2.0 Standard Error Codes
const (
	// CodeParseError indicates invalid JSON was received
	CodeParseError int = -32700

	// CodeInvalidRequest indicates the JSON sent is not a valid message object
	CodeInvalidRequest int = -32600

	// CodeInternalError indicates an internal gateway error
	CodeInternalError int = -32603
)

// Gateway error codes. The five classes surfaced to clients each own one code.
const (
	// Authentication (-32100 to -32199)
	CodeAuthDenied int = -32100 // Missing or invalid bearer credential

	// Backend and session lookup (-32200 to -32299)
	CodeSessionNotFound    int = -32200 // Session id unknown or already closed
	CodeBackendUnavailable int = -32201 // Backend unknown, unreachable or refusing work

	// Operations (-32300 to -32399)
	CodeRequestTimeout     int = -32301 // Request deadline passed without a reply
	CodeOperationCancelled int = -32300 // Caller gave up waiting

	// Transport (-32500 to -32599)
	CodeTransportFailure int = -32500 // Process exit, connection drop, write failure

	// Configuration (-32750 to -32799)
	CodeConfigInvalid int = -32750 // Registry document or tunables rejected

	// Backend protocol (-32900 to -32999)
	CodeBackendProtocolError int = -32900 // Malformed frame from a backend
)

// ErrorCodeInfo provides human-readable information about error codes
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:     {CodeParseError, "ParseError", "Invalid JSON was received", CategoryProtocol, SeverityError},
	CodeInvalidRequest: {CodeInvalidRequest, "InvalidRequest", "Invalid message object", CategoryProtocol, SeverityError},
	CodeInternalError:  {CodeInternalError, "InternalError", "Internal gateway error", CategoryInternal, SeverityError},

	CodeAuthDenied:           {CodeAuthDenied, "AuthDenied", "Credential missing or invalid", CategoryAuth, SeverityWarning},
	CodeSessionNotFound:      {CodeSessionNotFound, "SessionNotFound", "Session not found or closed", CategoryNotFound, SeverityWarning},
	CodeBackendUnavailable:   {CodeBackendUnavailable, "BackendUnavailable", "Backend unavailable", CategoryNotFound, SeverityWarning},
	CodeRequestTimeout:       {CodeRequestTimeout, "RequestTimeout", "Request deadline exceeded", CategoryTimeout, SeverityError},
	CodeOperationCancelled:   {CodeOperationCancelled, "OperationCancelled", "Operation cancelled", CategoryCancelled, SeverityInfo},
	CodeTransportFailure:     {CodeTransportFailure, "TransportFailure", "Backend transport failed", CategoryTransport, SeverityError},
	CodeConfigInvalid:        {CodeConfigInvalid, "ConfigInvalid", "Configuration rejected", CategoryValidation, SeverityCritical},
	CodeBackendProtocolError: {CodeBackendProtocolError, "BackendProtocolError", "Malformed frame from backend", CategoryProtocol, SeverityError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}
