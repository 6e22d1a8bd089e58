package router

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/pagination"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

// Catalog is an immutable aggregated tool list.
type Catalog struct {
	Entries  []protocol.CatalogEntry `json:"tools"`
	BuiltAt  time.Time               `json:"builtAt"`
	Warnings []string                `json:"warnings,omitempty"`
	// Failed maps backends whose listing failed to the error.
	Failed map[string]string `json:"failed,omitempty"`
	// Skipped lists backends left out because they were unreachable.
	Skipped []string `json:"skipped,omitempty"`
}

func emptyCatalog() *Catalog {
	return &Catalog{Entries: []protocol.CatalogEntry{}}
}

// Lookup finds an entry by namespaced name.
func (c *Catalog) Lookup(name string) (protocol.CatalogEntry, bool) {
	for _, e := range c.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return protocol.CatalogEntry{}, false
}

type listing struct {
	tools []protocol.Tool
	err   error
}

// Rebuild lists every available backend's tools in parallel, namespaces
// them and publishes the result. A backend that fails to answer is left
// out and recorded; a later entry whose namespaced name is already taken
// is dropped with a warning.
func (r *Router) Rebuild(ctx context.Context) *Catalog {
	r.buildMu.Lock()
	defer r.buildMu.Unlock()

	var descs, skipped []registry.Descriptor
	for _, d := range r.store.All() {
		if r.health.Available(d.Name) {
			descs = append(descs, d)
		} else {
			skipped = append(skipped, d)
		}
	}

	results := make([]listing, len(descs))
	g := new(errgroup.Group)
	g.SetLimit(r.opts.CatalogConcurrency)
	for i, d := range descs {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, r.opts.CatalogTimeout)
			defer cancel()
			tools, err := ListTools(tctx, r.adapter, d)
			results[i] = listing{tools: tools, err: err}
			return nil
		})
	}
	_ = g.Wait()

	cat := &Catalog{Entries: []protocol.CatalogEntry{}, BuiltAt: time.Now()}
	owners := make(map[string]string)
	for i, d := range descs {
		res := results[i]
		if res.err != nil {
			if cat.Failed == nil {
				cat.Failed = make(map[string]string)
			}
			cat.Failed[d.Name] = res.err.Error()
			r.logger.Warn("catalog listing failed", logging.Backend(d.Name), logging.ErrorField(res.err))
			continue
		}
		for _, tool := range res.tools {
			name := protocol.NamespacedName(d.ToolPrefix(), tool.Name)
			if owner, taken := owners[name]; taken {
				warning := fmt.Sprintf("tool %q from %q collides with %q, dropped", name, d.Name, owner)
				cat.Warnings = append(cat.Warnings, warning)
				r.logger.Warn("catalog collision", logging.Backend(d.Name), logging.String("tool", name), logging.String("owner", owner))
				continue
			}
			owners[name] = d.Name
			cat.Entries = append(cat.Entries, protocol.CatalogEntry{
				Name:         name,
				Backend:      d.Name,
				OriginalName: tool.Name,
				Description:  tool.Description,
				InputSchema:  tool.InputSchema,
			})
		}
	}
	for _, d := range skipped {
		cat.Skipped = append(cat.Skipped, d.Name)
	}

	r.catalog.Store(cat)
	if r.opts.OnPublish != nil {
		r.opts.OnPublish(cat)
	}
	r.logger.Info("catalog published",
		logging.Int("tools", len(cat.Entries)),
		logging.Int("backends", len(descs)),
		logging.Int("failed", len(cat.Failed)),
		logging.Int("skipped", len(skipped)))
	return cat
}

// ListTools collects every page of desc's tools/list over a short-lived
// conversation per page.
func ListTools(ctx context.Context, adapter transport.Adapter, desc registry.Descriptor) ([]protocol.Tool, error) {
	var tools []protocol.Tool
	c := pagination.NewCollector(pagination.MaxPages)
	for c.More() {
		var params interface{}
		if c.NextCursor != "" {
			params = protocol.ListToolsParams{Cursor: c.NextCursor}
		}
		reply, err := transport.Exchange(ctx, adapter, desc, protocol.MethodListTools, params)
		if err != nil {
			return nil, err
		}
		page, err := protocol.DecodeListTools(reply)
		if err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if err := c.Update(page.NextCursor); err != nil {
			return tools, err
		}
	}
	return tools, nil
}
