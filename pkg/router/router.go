// Package router resolves client paths to backends, refuses sessions for
// backends the health monitor considers unreachable, and maintains the
// aggregated tool catalog.
package router

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/health"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

// Availability answers whether a backend may take new sessions.
// health.Monitor satisfies it.
type Availability interface {
	Available(name string) bool
}

type alwaysAvailable struct{}

func (alwaysAvailable) Available(string) bool { return true }

// Options configures a Router.
type Options struct {
	// CatalogTimeout bounds each backend's tools/list exchange.
	CatalogTimeout time.Duration
	// CatalogConcurrency bounds how many backends are listed at once.
	CatalogConcurrency int
	// OnPublish runs after every catalog rebuild.
	OnPublish func(*Catalog)
	Logger    logging.Logger
}

func (o Options) withDefaults() Options {
	if o.CatalogTimeout <= 0 {
		o.CatalogTimeout = 2 * time.Second
	}
	if o.CatalogConcurrency <= 0 {
		o.CatalogConcurrency = 8
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return o
}

// Router is safe for concurrent use.
type Router struct {
	store   *registry.Store
	health  Availability
	adapter transport.Adapter
	opts    Options
	logger  logging.Logger

	catalog atomic.Pointer[Catalog]

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	buildMu    sync.Mutex
	rebuilding atomic.Bool
	dirty      atomic.Bool
}

// New creates a router over store. A nil health admits every backend.
func New(store *registry.Store, health Availability, adapter transport.Adapter, opts Options) *Router {
	opts = opts.withDefaults()
	if health == nil {
		health = alwaysAvailable{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		store:   store,
		health:  health,
		adapter: adapter,
		opts:    opts,
		logger:  opts.Logger.WithFields(logging.Component("router")),
		ctx:     ctx,
		cancel:  cancel,
	}
	r.catalog.Store(emptyCatalog())
	return r
}

// Resolve maps a client path such as "/db/mcp" or a bare backend name to
// its descriptor.
func (r *Router) Resolve(path string) (registry.Descriptor, error) {
	name := BackendFromPath(path)
	if name == "" {
		return registry.Descriptor{}, mcperrors.BackendNotFound(path)
	}
	return r.store.Lookup(name)
}

// Admit resolves name and refuses it immediately when the backend is
// unreachable, without touching any transport.
func (r *Router) Admit(name string) (registry.Descriptor, error) {
	desc, err := r.Resolve(name)
	if err != nil {
		return registry.Descriptor{}, err
	}
	if !r.health.Available(desc.Name) {
		return registry.Descriptor{}, mcperrors.BackendUnavailable(desc.Name, "backend is unreachable")
	}
	return desc, nil
}

// BackendFromPath returns the first path segment.
func BackendFromPath(path string) string {
	path = strings.TrimPrefix(path, "/")
	name, _, _ := strings.Cut(path, "/")
	return name
}

// Catalog returns the current aggregated catalog. The snapshot is never
// modified after it is published.
func (r *Router) Catalog() *Catalog {
	return r.catalog.Load()
}

// Invalidate schedules a catalog rebuild. Requests arriving while a
// rebuild runs are coalesced into one more rebuild.
func (r *Router) Invalidate(reason string) {
	r.dirty.Store(true)
	if !r.rebuilding.CompareAndSwap(false, true) {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			for r.dirty.Swap(false) {
				if r.ctx.Err() != nil {
					r.rebuilding.Store(false)
					return
				}
				r.logger.Debug("rebuilding catalog", logging.String("reason", reason))
				r.Rebuild(r.ctx)
			}
			r.rebuilding.Store(false)
			// a request may have landed between the last Swap and Store
			if !r.dirty.Load() || !r.rebuilding.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

// WatchRegistry rebuilds the catalog after every registry reload that
// changes the backend table.
func (r *Router) WatchRegistry() {
	r.store.Subscribe(func(reg *registry.Registry) {
		r.Invalidate("registry reloaded")
	})
}

// HealthChanged rebuilds the catalog when a backend enters or leaves the
// unreachable state. Register it with health.Monitor.OnChange.
func (r *Router) HealthChanged(c health.Change) {
	if c.AvailabilityChanged() {
		r.Invalidate("availability of " + c.Backend + " changed")
	}
}

// Close stops background rebuilds and waits for a running one to finish.
func (r *Router) Close() {
	r.cancel()
	r.wg.Wait()
}
