package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
)

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	public   map[string]bool
	onDenied func(reason string)
	logger   logging.Logger
}

// WithPublicPaths lets requests for the exact paths through unauthenticated.
func WithPublicPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, p := range paths {
			c.public[p] = true
		}
	}
}

// WithDeniedHook runs fn for every refused request.
func WithDeniedHook(fn func(reason string)) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.onDenied = fn
	}
}

// WithLogger sets the logger refusals are reported to.
func WithLogger(l logging.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.logger = l
	}
}

// Middleware rejects requests without a valid bearer credential with HTTP
// 401 and a JSON-RPC AuthDenied error body. Accepted requests carry their
// Principal in the request context.
func Middleware(g *Gatekeeper, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{public: map[string]bool{}, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(cfg)
	}
	logger := cfg.logger.WithFields(logging.Component("auth"))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			p, err := g.Check(BearerToken(r))
			if err != nil {
				reason := "invalid"
				if BearerToken(r) == "" {
					reason = "missing"
				}
				if cfg.onDenied != nil {
					cfg.onDenied(reason)
				}
				logger.Warn("request denied",
					logging.String("path", r.URL.Path),
					logging.String("remote_addr", r.RemoteAddr),
					logging.String("reason", reason))
				WriteDenied(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
		})
	}
}

// BearerToken extracts the credential from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WriteDenied writes the 401 response for err.
func WriteDenied(w http.ResponseWriter, err error) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="mcp-gateway"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(mcperrors.ToResponse(nil, err))
}
