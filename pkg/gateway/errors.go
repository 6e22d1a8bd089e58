package gateway

import (
	"encoding/json"
	"net/http"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
)

// httpStatus maps a gateway error to the status of a failed HTTP exchange.
func httpStatus(err error) int {
	mcpErr, ok := mcperrors.AsMCPError(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch mcpErr.Code() {
	case mcperrors.CodeAuthDenied:
		return http.StatusUnauthorized
	case mcperrors.CodeSessionNotFound:
		return http.StatusNotFound
	case mcperrors.CodeBackendUnavailable, mcperrors.CodeOperationCancelled:
		return http.StatusServiceUnavailable
	case mcperrors.CodeRequestTimeout:
		return http.StatusGatewayTimeout
	case mcperrors.CodeTransportFailure, mcperrors.CodeBackendProtocolError:
		return http.StatusBadGateway
	case mcperrors.CodeInvalidRequest, mcperrors.CodeParseError:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// backendMissing reports whether err came from a registry miss rather than
// an unavailable backend. Both share one code; only the miss is a 404.
func backendMissing(err error) bool {
	mcpErr, ok := mcperrors.AsMCPError(err)
	if !ok {
		return false
	}
	data, ok := mcpErr.Data().(*mcperrors.BackendErrorData)
	return ok && data.Reason == "not_registered"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with a JSON-RPC error body. id may be nil when the
// failing frame could not be read.
func writeError(w http.ResponseWriter, id json.RawMessage, err error) {
	status := httpStatus(err)
	if status == http.StatusServiceUnavailable && backendMissing(err) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, mcperrors.ToResponse(id, err))
}

func writeMessage(w http.ResponseWriter, status int, msg *protocol.Message) {
	raw, err := msg.Raw()
	if err != nil {
		writeError(w, msg.ID, mcperrors.WrapError(err, mcperrors.CodeInternalError, "encode reply", mcperrors.CategoryInternal, mcperrors.SeverityError))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(raw)
}
