package gateway

import (
	"context"
	"net/http"
	"sort"
	"time"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/health"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/pagination"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/session"
)

// CatalogPage is the body of GET /catalog.
type CatalogPage struct {
	Tools      []protocol.CatalogEntry `json:"tools"`
	NextCursor string                  `json:"nextCursor,omitempty"`
	BuiltAt    time.Time               `json:"builtAt"`
	Warnings   []string                `json:"warnings,omitempty"`
	Failed     map[string]string       `json:"failed,omitempty"`
	Skipped    []string                `json:"skipped,omitempty"`
}

// BackendStatus is one backend's row in GET /status.
type BackendStatus struct {
	Name      string        `json:"name"`
	Transport string        `json:"transport"`
	Prefix    string        `json:"prefix"`
	Health    health.Status `json:"health"`
	Sessions  int           `json:"sessions"`
}

// Status is the body of GET /status.
type Status struct {
	Version  string          `json:"version"`
	Uptime   string          `json:"uptime"`
	Backends []BackendStatus `json:"backends"`
	Sessions []session.Info  `json:"sessions"`
	Tools    int             `json:"tools"`
}

// handleCatalog pages through the aggregated catalog. refresh=1 rebuilds
// it synchronously first.
func (g *Gateway) handleCatalog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params, err := pagination.ParseQuery(q)
	if err != nil {
		writeError(w, nil, mcperrors.InvalidMessage(err.Error(), nil))
		return
	}

	cat := g.router.Catalog()
	if q.Get("refresh") == "1" || q.Get("refresh") == "true" {
		ctx, cancel := context.WithTimeout(r.Context(), 2*g.doc.Gateway.HealthProbeTimeout)
		cat = g.router.Rebuild(ctx)
		cancel()
	}

	tools, next, err := pagination.Page(cat.Entries, params)
	if err != nil {
		writeError(w, nil, mcperrors.InvalidMessage(err.Error(), nil))
		return
	}
	writeJSON(w, http.StatusOK, CatalogPage{
		Tools:      tools,
		NextCursor: next,
		BuiltAt:    cat.BuiltAt,
		Warnings:   cat.Warnings,
		Failed:     cat.Failed,
		Skipped:    cat.Skipped,
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Status())
}

// Status reports backend health and session counts.
func (g *Gateway) Status() Status {
	snap := g.monitor.Snapshot()
	counts := g.sessions.CountByBackend()

	descs := g.store.All()
	backends := make([]BackendStatus, 0, len(descs))
	for _, d := range descs {
		st, ok := snap[d.Name]
		if !ok {
			st = health.Status{Backend: d.Name, State: health.Healthy}
		}
		backends = append(backends, BackendStatus{
			Name:      d.Name,
			Transport: string(d.Kind),
			Prefix:    d.ToolPrefix(),
			Health:    st,
			Sessions:  counts[d.Name],
		})
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i].Name < backends[j].Name })

	return Status{
		Version:  g.version,
		Uptime:   time.Since(g.startedAt).Round(time.Second).String(),
		Backends: backends,
		Sessions: g.sessions.List(),
		Tools:    len(g.router.Catalog().Entries),
	}
}

// handleHealthz reports liveness. It is served without authentication.
func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-g.draining:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
