// Package health probes every registered backend on a fixed interval and
// classifies it as healthy, degraded or unreachable. The router consults
// the result before admitting sessions.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

// Prober performs one lightweight availability check. transport.Set
// satisfies it.
type Prober interface {
	Probe(ctx context.Context, desc registry.Descriptor) error
}

// Options tunes the monitor.
type Options struct {
	Interval         time.Duration
	Timeout          time.Duration
	DegradedLatency  time.Duration
	UnreachableAfter int
	Logger           logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 2 * time.Second
	}
	if o.DegradedLatency <= 0 {
		o.DegradedLatency = time.Second
	}
	if o.UnreachableAfter <= 0 {
		o.UnreachableAfter = 3
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return o
}

type watch struct {
	desc   registry.Descriptor
	cancel context.CancelFunc
}

// Monitor runs one probe loop per backend.
type Monitor struct {
	prober Prober
	opts   Options
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu      sync.RWMutex
	status  map[string]*Status
	watches map[string]*watch
	stopped bool

	subMu       sync.RWMutex
	subscribers []func(Change)
}

// NewMonitor creates a monitor with no backends. Call Sync to start probing.
func NewMonitor(prober Prober, opts Options) *Monitor {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	return &Monitor{
		prober:  prober,
		opts:    opts,
		logger:  opts.Logger.WithFields(logging.Component("health")),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
		status:  make(map[string]*Status),
		watches: make(map[string]*watch),
	}
}

// Sync reconciles the probed set with descs: new or changed backends get a
// fresh loop starting healthy, removed ones stop being probed. The first
// probe of every new loop fires immediately.
func (m *Monitor) Sync(descs []registry.Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	keep := make(map[string]bool, len(descs))
	for _, d := range descs {
		keep[d.Name] = true
		if w, ok := m.watches[d.Name]; ok {
			if w.desc.Equal(d) {
				continue
			}
			w.cancel()
		}
		m.startLocked(d)
	}

	for name, w := range m.watches {
		if keep[name] {
			continue
		}
		w.cancel()
		delete(m.watches, name)
		delete(m.status, name)
		m.logger.Debug("stopped probing backend", logging.Backend(name))
	}
}

func (m *Monitor) startLocked(desc registry.Descriptor) {
	ctx, cancel := context.WithCancel(m.ctx)
	w := &watch{desc: desc, cancel: cancel}
	m.watches[desc.Name] = w
	m.status[desc.Name] = &Status{Backend: desc.Name, State: Healthy}

	m.group.Go(func() error {
		m.loop(ctx, w)
		return nil
	})
}

func (m *Monitor) loop(ctx context.Context, w *watch) {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.probe(ctx, w)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probe(ctx context.Context, w *watch) {
	pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	start := time.Now()
	err := m.prober.Probe(pctx, w.desc)
	latency := time.Since(start)
	if ctx.Err() != nil {
		return
	}
	m.record(w, start, latency, err)
}

func (m *Monitor) record(w *watch, at time.Time, latency time.Duration, err error) {
	m.mu.Lock()
	st, ok := m.status[w.desc.Name]
	if !ok || m.watches[w.desc.Name] != w {
		m.mu.Unlock()
		return
	}
	if err != nil {
		st.ConsecutiveFailures++
		st.LastError = err.Error()
	} else {
		st.ConsecutiveFailures = 0
		st.LastError = ""
	}
	st.LastProbe = at
	st.Latency = latency

	change := Change{Backend: st.Backend, From: st.State}
	change.To = next(st.State, st.ConsecutiveFailures, m.opts.UnreachableAfter, latency, m.opts.DegradedLatency, err)
	st.State = change.To
	m.mu.Unlock()

	if change.From == change.To {
		return
	}
	fields := []logging.Field{
		logging.Backend(change.Backend),
		logging.String("from", change.From.String()),
		logging.String("to", change.To.String()),
		logging.Duration("latency", latency),
	}
	if err != nil {
		fields = append(fields, logging.ErrorField(err))
	}
	if change.To == Unreachable {
		m.logger.Warn("backend health changed", fields...)
	} else {
		m.logger.Info("backend health changed", fields...)
	}
	m.notify(change)
}

// State returns the backend's current state. Backends the monitor does
// not know about are reported healthy.
func (m *Monitor) State(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if st, ok := m.status[name]; ok {
		return st.State
	}
	return Healthy
}

// Available reports whether new sessions may be admitted to name.
func (m *Monitor) Available(name string) bool {
	return m.State(name) != Unreachable
}

// Snapshot copies the status of every probed backend.
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.status))
	for name, st := range m.status {
		out[name] = *st
	}
	return out
}

// OnChange registers fn to run after every state transition. fn runs on
// the probing goroutine and must not block for long.
func (m *Monitor) OnChange(fn func(Change)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Monitor) notify(c Change) {
	m.subMu.RLock()
	subs := make([]func(Change), len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.RUnlock()
	for _, fn := range subs {
		fn(c)
	}
}

// Stop ends every probe loop and waits for them to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	_ = m.group.Wait()
}
