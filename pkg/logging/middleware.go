package logging

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id in and out of the gateway.
const RequestIDHeader = "X-Request-ID"

// AccessLogOptions controls what the access log records about a request.
type AccessLogOptions struct {
	// SessionHeader names the header carrying the session id. It is read
	// from the response first, so newly created sessions are logged too.
	SessionHeader string
	// Backend returns the backend a request addresses, or "".
	Backend func(*http.Request) string
	// QuietPaths are logged at debug level unless they fail.
	QuietPaths []string
}

// HTTPMiddleware assigns every request an id, tags the logger with the
// request's backend and session, and writes one access line per request.
// Server errors are logged as warnings.
func HTTPMiddleware(logger Logger, opts AccessLogOptions) func(http.Handler) http.Handler {
	quiet := make(map[string]bool, len(opts.QuietPaths))
	for _, p := range opts.QuietPaths {
		quiet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, requestID)
			r = r.WithContext(ContextWithRequestID(r.Context(), requestID))

			fields := []Field{
				String(keyRequest, requestID),
				String("method", r.Method),
				String("path", r.URL.Path),
				String("remote_addr", r.RemoteAddr),
			}
			if opts.Backend != nil {
				if b := opts.Backend(r); b != "" {
					fields = append(fields, Backend(b))
				}
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rw, r)

			if opts.SessionHeader != "" {
				id := w.Header().Get(opts.SessionHeader)
				if id == "" {
					id = r.Header.Get(opts.SessionHeader)
				}
				if id != "" {
					fields = append(fields, Session(id))
				}
			}
			fields = append(fields,
				Int("status", rw.statusCode),
				Int("bytes", rw.bytesWritten),
				Duration("duration", time.Since(start)),
			)

			switch {
			case rw.statusCode >= http.StatusInternalServerError:
				logger.Warn("HTTP request failed", fields...)
			case quiet[r.URL.Path]:
				logger.Debug("HTTP request completed", fields...)
			default:
				logger.Info("HTTP request completed", fields...)
			}
		})
	}
}

// responseWriter records the status and body size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
	wroteHeader  bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.wroteHeader {
		rw.statusCode = statusCode
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(data)
	rw.bytesWritten += n
	return n, err
}

// Flush keeps server-sent event streams working through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the websocket upgrade take over the connection. A hijacked
// request is logged with status 101.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, buf, err := h.Hijack()
	if err == nil {
		rw.statusCode = http.StatusSwitchingProtocols
		rw.wroteHeader = true
	}
	return conn, buf, err
}
