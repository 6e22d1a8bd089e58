package errors

import (
	"encoding/json"
	"fmt"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
)

// ToJSONRPCError converts any error to a JSON-RPC error object
func ToJSONRPCError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	if mcpErr, ok := AsMCPError(err); ok {
		out := &protocol.Error{
			Code:    mcpErr.Code(),
			Message: mcpErr.Error(),
		}
		if data := mcpErr.Data(); data != nil {
			if encoded, mErr := json.Marshal(data); mErr == nil {
				out.Data = encoded
			}
		}
		return out
	}

	// For non-MCP errors, wrap as internal error
	return &protocol.Error{
		Code:    CodeInternalError,
		Message: err.Error(),
	}
}

// ToResponse builds the error reply a client receives for request id.
func ToResponse(id json.RawMessage, err error) *protocol.Message {
	rpcErr := ToJSONRPCError(err)
	if rpcErr == nil {
		rpcErr = &protocol.Error{Code: CodeInternalError, Message: "unknown error"}
	}
	return protocol.NewErrorResponse(id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

// FromJSONRPCError converts a JSON-RPC error to an MCPError
func FromJSONRPCError(jsonrpcErr *protocol.Error) MCPError {
	if jsonrpcErr == nil {
		return nil
	}

	category := GetErrorCodeCategory(jsonrpcErr.Code)
	severity := GetErrorCodeSeverity(jsonrpcErr.Code)

	err := NewError(jsonrpcErr.Code, jsonrpcErr.Message, category, severity)
	if len(jsonrpcErr.Data) > 0 {
		err = err.WithData(jsonrpcErr.Data)
	}

	return err
}

// FromResponse returns the error carried by a reply, or nil for a success.
func FromResponse(msg *protocol.Message) MCPError {
	if msg == nil {
		return nil
	}
	return FromJSONRPCError(msg.Error)
}

// Describe renders err for log fields, including the class name when known.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	if class := ClassOf(err); class != ClassNone {
		return fmt.Sprintf("%s: %s", class, err.Error())
	}
	return err.Error()
}
