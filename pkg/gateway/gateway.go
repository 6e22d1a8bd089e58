// Package gateway is the client-facing endpoint and the composition root:
// it wires the registry, transports, sessions, health monitor, router and
// gatekeeper together and serves them over HTTP and WebSocket.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/auth"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/config"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/health"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/observability"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/router"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/session"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger replaces the logger built from the document's log settings.
func WithLogger(l logging.Logger) Option {
	return func(g *Gateway) {
		g.logger = l
	}
}

// WithConfigPath enables hot reload of the backend registry from path.
func WithConfigPath(path string) Option {
	return func(g *Gateway) {
		g.configPath = path
	}
}

// WithVersion sets the version reported by /status and in traces.
func WithVersion(v string) Option {
	return func(g *Gateway) {
		g.version = v
	}
}

// WithAdapter replaces the transport adapters built from the document.
// The gateway still closes it on shutdown.
func WithAdapter(a transport.Adapter) Option {
	return func(g *Gateway) {
		g.adapter = a
	}
}

// Gateway serves every registered backend behind one listener.
type Gateway struct {
	doc        *config.Document
	configPath string
	version    string
	logger     logging.Logger
	startedAt  time.Time

	store    *registry.Store
	adapter  transport.Adapter
	sessions *session.Manager
	monitor  *health.Monitor
	router   *router.Router
	gate     *auth.Gatekeeper
	metrics  *observability.Metrics
	tracing  *observability.Tracing
	handler  http.Handler

	regMu  sync.Mutex
	active *registry.Registry

	draining  chan struct{}
	drainOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New builds a gateway from a loaded document. A registry that does not
// validate is fatal: no gateway is returned and nothing is started.
func New(doc *config.Document, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		doc:       doc,
		version:   "dev",
		startedAt: time.Now(),
		draining:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	cfg := doc.Gateway

	if g.logger == nil {
		l, err := logging.NewFromConfig(os.Stderr, cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return nil, err
		}
		g.logger = l
	}
	g.logger = g.logger.WithFields(logging.Component("gateway"))

	g.store = registry.NewStore(g.logger)
	initial, err := g.store.Load(registry.SourceFunc(doc.Descriptors))
	if err != nil {
		return nil, err
	}
	g.active = initial

	tracing, err := observability.NewTracing(observability.TracingConfig{
		ServiceName:    "mcp-gateway",
		ServiceVersion: g.version,
		ExporterType:   observability.ExporterType(cfg.Tracing.Exporter),
		Endpoint:       cfg.Tracing.Endpoint,
		Headers:        cfg.Tracing.Headers,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	g.tracing = tracing

	var observer session.Observer
	if cfg.Metrics.IsEnabled() {
		g.metrics = observability.NewMetrics(observability.MetricsConfig{ProcessCollectors: true})
		observer = g.metrics
	}

	if g.adapter == nil {
		g.adapter = transport.NewSet(transport.Options{
			Logger:                  g.logger,
			GracePeriod:             cfg.SubprocessGracePeriod,
			ReconnectInitialBackoff: cfg.ReconnectInitialBackoff,
			ReconnectMaxBackoff:     cfg.ReconnectMaxBackoff,
			ReconnectMaxAttempts:    cfg.ReconnectMaxAttempts,
			DialTimeout:             cfg.HealthProbeTimeout,
			DefaultRequestTimeout:   cfg.RequestDeadline,
		})
	}

	g.sessions = session.NewManager(g.adapter, session.Options{
		IdleTimeout:           cfg.IdleSessionTimeout,
		UnclaimedTimeout:      cfg.UnclaimedSessionTimeout,
		MaxSessionsPerBackend: cfg.MaxSessionsPerBackend,
		RequestDeadline:       cfg.RequestDeadline,
		SweepInterval:         cfg.DeadlineSweepInterval,
		IdleSweepInterval:     cfg.IdleSweepInterval,
		OpeningQueueSize:      cfg.OpeningQueueSize,
		Logger:                g.logger,
		Observer:              observer,
	})

	g.monitor = health.NewMonitor(g.adapter, health.Options{
		Interval:         cfg.HealthProbeInterval,
		Timeout:          cfg.HealthProbeTimeout,
		DegradedLatency:  cfg.DegradedLatency,
		UnreachableAfter: cfg.UnreachableAfter,
		Logger:           g.logger,
	})

	routerOpts := router.Options{
		CatalogTimeout: cfg.HealthProbeTimeout,
		Logger:         g.logger,
	}
	if g.metrics != nil {
		routerOpts.OnPublish = func(c *router.Catalog) {
			g.metrics.CatalogPublished(len(c.Entries))
		}
	}
	g.router = router.New(g.store, g.monitor, g.adapter, routerOpts)

	g.gate = auth.NewGatekeeper(cfg.Tokens)

	g.monitor.OnChange(g.router.HealthChanged)
	if g.metrics != nil {
		g.monitor.OnChange(g.metrics.HealthChanged)
	}
	g.router.WatchRegistry()
	g.store.Subscribe(g.registryChanged)

	g.monitor.Sync(initial.All())
	g.router.Invalidate("startup")

	g.handler = g.routes()
	return g, nil
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.HandlerFunc) {
		if g.metrics != nil {
			mux.Handle(pattern, g.metrics.InstrumentRoute(route, h))
			return
		}
		mux.Handle(pattern, h)
	}
	handle("POST /{backend}/mcp", "mcp", g.handlePost)
	handle("GET /{backend}/mcp", "mcp_events", g.handleEvents)
	handle("DELETE /{backend}/mcp", "mcp", g.handleDelete)
	handle("GET /{backend}/ws", "ws", g.handleWebSocket)
	handle("GET /catalog", "catalog", g.handleCatalog)
	handle("GET /status", "status", g.handleStatus)
	handle("GET /healthz", "healthz", g.handleHealthz)
	if g.metrics != nil {
		mux.Handle("GET "+g.doc.Gateway.Metrics.Path, g.metrics.Handler())
	}

	authOpts := []auth.MiddlewareOption{
		auth.WithPublicPaths("/healthz"),
		auth.WithLogger(g.logger),
	}
	if g.metrics != nil {
		authOpts = append(authOpts, auth.WithDeniedHook(g.metrics.AuthDenied))
	}
	var h http.Handler = auth.Middleware(g.gate, authOpts...)(mux)
	h = g.tracing.Middleware(h)

	if origins := g.doc.Gateway.AllowedOrigins; len(origins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins:   origins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept", "Last-Event-ID", headerSessionID, headerRequestTimeout},
			ExposedHeaders:   []string{headerSessionID, logging.RequestIDHeader},
			AllowCredentials: true,
		}).Handler(h)
	}
	return logging.HTTPMiddleware(g.logger, logging.AccessLogOptions{
		SessionHeader: headerSessionID,
		Backend:       backendOf,
		QuietPaths:    []string{"/healthz", g.doc.Gateway.Metrics.Path},
	})(h)
}

// backendOf names the backend addressed by a /{backend}/mcp or
// /{backend}/ws path.
func backendOf(r *http.Request) string {
	backend, rest, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !ok || (rest != "mcp" && rest != "ws") {
		return ""
	}
	return backend
}

// Handler returns the root handler, including authentication.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Store exposes the backend registry.
func (g *Gateway) Store() *registry.Store {
	return g.store
}

// Router exposes the router and its catalog.
func (g *Gateway) Router() *router.Router {
	return g.router
}

// Sessions exposes the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// Monitor exposes the health monitor.
func (g *Gateway) Monitor() *health.Monitor {
	return g.monitor
}

// Reload replaces the backend registry with the document's backends. A
// document that does not validate leaves the active registry in place.
func (g *Gateway) Reload(doc *config.Document) error {
	_, err := g.store.Load(registry.SourceFunc(doc.Descriptors))
	return err
}

func (g *Gateway) reloadFromWatcher(doc *config.Document) {
	if err := g.Reload(doc); err != nil {
		g.logger.WithError(err).Error("registry reload failed")
	}
}

// registryChanged reconciles probes and sessions with a new registry.
// Sessions of removed or redefined backends are closed.
func (g *Gateway) registryChanged(next *registry.Registry) {
	g.regMu.Lock()
	prev := g.active
	g.active = next
	g.regMu.Unlock()

	g.monitor.Sync(next.All())

	for _, old := range prev.All() {
		cur, err := next.Lookup(old.Name)
		if err == nil && cur.Equal(old) {
			continue
		}
		closed := g.sessions.CloseBackend(old.Name, session.ReasonRegistry)
		if err != nil && g.metrics != nil {
			g.metrics.BackendRemoved(old.Name)
		}
		g.logger.Info("backend changed, sessions closed",
			logging.Backend(old.Name),
			logging.Bool("removed", err != nil),
			logging.Int("sessions", closed))
	}
}

// Run listens on the configured address and serves until ctx ends.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.doc.Gateway.ListenAddr)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then shuts down: new
// connections are refused, sessions drain, adapters close and traces flush.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(g.startDraining)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		g.logger.Info("gateway listening",
			logging.String("addr", ln.Addr().String()),
			logging.Int("backends", g.store.Current().Len()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if g.configPath != "" {
		w := config.NewWatcher(g.configPath, g.logger, g.reloadFromWatcher)
		group.Go(func() error {
			return w.Run(gctx)
		})
	}
	group.Go(func() error {
		<-gctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.doc.Gateway.ShutdownTimeout)
		defer cancel()

		g.logger.Info("gateway shutting down")
		err := srv.Shutdown(ctx)
		if cerr := g.Close(ctx); err == nil {
			err = cerr
		}
		return err
	})
	return group.Wait()
}

func (g *Gateway) startDraining() {
	g.drainOnce.Do(func() {
		close(g.draining)
	})
}

// Close stops long-lived client streams, drains every session and releases
// the adapters. It is safe to call more than once.
func (g *Gateway) Close(ctx context.Context) error {
	g.closeOnce.Do(func() {
		g.startDraining()
		err := g.sessions.Shutdown(ctx)
		g.monitor.Stop()
		g.router.Close()
		if cerr := g.adapter.Close(); err == nil {
			err = cerr
		}
		if terr := g.tracing.Shutdown(ctx); err == nil {
			err = terr
		}
		g.closeErr = err
		g.logger.Info("gateway stopped")
	})
	return g.closeErr
}
