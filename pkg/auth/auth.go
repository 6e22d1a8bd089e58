// Package auth is the gateway's gatekeeper. Every client connection
// presents a bearer credential that is compared in constant time against
// the configured token set; a match yields a Principal, anything else is
// an AuthDenied error and the connection goes no further.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
)

// Principal identifies an authenticated caller without carrying the
// credential itself.
type Principal struct {
	// ID is derived from the token's digest and is stable across restarts.
	ID string `json:"id"`
}

// Gatekeeper validates credentials against a fixed token set.
type Gatekeeper struct {
	digests [][sha256.Size]byte
	ids     []string
}

// NewGatekeeper creates a gatekeeper accepting tokens. Blank tokens are
// ignored; with none left every credential is refused.
func NewGatekeeper(tokens []string) *Gatekeeper {
	g := &Gatekeeper{}
	for _, t := range tokens {
		if strings.TrimSpace(t) == "" {
			continue
		}
		sum := sha256.Sum256([]byte(t))
		g.digests = append(g.digests, sum)
		g.ids = append(g.ids, principalID(sum))
	}
	return g
}

func principalID(sum [sha256.Size]byte) string {
	return "tok-" + hex.EncodeToString(sum[:6])
}

// Len returns the number of accepted tokens.
func (g *Gatekeeper) Len() int {
	return len(g.digests)
}

// Check validates credential. Every configured token is compared, so the
// time taken does not depend on which token matched or how much of it did.
func (g *Gatekeeper) Check(credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, mcperrors.AuthDenied("missing bearer credential")
	}
	sum := sha256.Sum256([]byte(credential))
	match := -1
	for i := range g.digests {
		if subtle.ConstantTimeCompare(sum[:], g.digests[i][:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, mcperrors.AuthDenied("invalid bearer credential")
	}
	return Principal{ID: g.ids[match]}, nil
}

type contextKey string

const contextKeyPrincipal contextKey = "gateway_principal"

// ContextWithPrincipal attaches p to ctx.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext returns the principal attached by the middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(Principal)
	return p, ok
}
