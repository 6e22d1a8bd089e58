package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

// Options configures a Manager.
type Options struct {
	IdleTimeout       time.Duration
	RequestDeadline   time.Duration
	SweepInterval     time.Duration
	IdleSweepInterval time.Duration
	OpeningQueueSize  int
	EventBuffer       int

	// UnclaimedTimeout replaces IdleTimeout for sessions whose id no client
	// has presented back yet.
	UnclaimedTimeout time.Duration
	// MaxSessionsPerBackend caps live sessions per backend; zero means no cap.
	MaxSessionsPerBackend int

	Logger   logging.Logger
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.UnclaimedTimeout <= 0 {
		o.UnclaimedTimeout = 30 * time.Second
	}
	if o.RequestDeadline <= 0 {
		o.RequestDeadline = 30 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 25 * time.Millisecond
	}
	if o.IdleSweepInterval <= 0 {
		o.IdleSweepInterval = 30 * time.Second
	}
	if o.OpeningQueueSize <= 0 {
		o.OpeningQueueSize = 64
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 256
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return o
}

// Manager tracks every live session and runs the shared sweeps: one ticker
// drives deadline checks in all sessions, another closes idle sessions.
type Manager struct {
	adapter transport.Adapter
	opts    Options
	logger  logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager and starts its sweeps.
func NewManager(adapter transport.Adapter, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		adapter:  adapter,
		opts:     opts,
		logger:   opts.Logger.WithFields(logging.Component("session")),
		sessions: make(map[string]*Session),
		cancel:   cancel,
	}
	m.opts.Logger = m.logger

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop(ctx)
	}()
	return m
}

// Create opens a new session for desc. The backend conversation is opened
// asynchronously; the session accepts dispatches immediately.
func (m *Manager) Create(desc registry.Descriptor, principal string) (*Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, mcperrors.BackendUnavailable(desc.Name, "gateway shutting down")
	}
	if limit := m.opts.MaxSessionsPerBackend; limit > 0 && m.countLocked(desc.Name) >= limit {
		m.mu.Unlock()
		m.logger.Warn("session limit reached", logging.Backend(desc.Name), logging.Int("limit", limit))
		return nil, mcperrors.BackendUnavailable(desc.Name, fmt.Sprintf("session limit of %d reached", limit))
	}
	s := newSession(uuid.NewString(), desc, principal, m.adapter, m.opts, m.remove)
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.logger.Info("session created", logging.Session(s.id), logging.Backend(desc.Name))
	m.opts.Observer.SessionOpened(desc.Name)
	go s.run()
	return s, nil
}

// Get returns the live session id, which must belong to backend and have
// been created by principal. Mismatches look like unknown sessions. A
// successful lookup claims the session.
func (m *Manager) Get(id, backend, principal string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.desc.Name != backend || s.principal != principal || s.State() == StateClosed {
		return nil, mcperrors.SessionNotFound(id)
	}
	s.Claim()
	return s, nil
}

// GetOrCreate returns the session named by id, or a new one when id is empty.
func (m *Manager) GetOrCreate(id string, desc registry.Descriptor, principal string) (*Session, bool, error) {
	if id == "" {
		s, err := m.Create(desc, principal)
		return s, err == nil, err
	}
	s, err := m.Get(id, desc.Name, principal)
	return s, false, err
}

// Keepalive resets the idle timer of session id.
func (m *Manager) Keepalive(id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return mcperrors.SessionNotFound(id)
	}
	s.Keepalive()
	return nil
}

// Close drains session id and waits for it to close or ctx to end, in which
// case it is closed forcibly.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return mcperrors.SessionNotFound(id)
	}
	closeGracefully(ctx, s, ReasonClient)
	return nil
}

// CloseBackend closes every session bound to backend.
func (m *Manager) CloseBackend(backend, reason string) int {
	var targets []*Session
	m.mu.RLock()
	for _, s := range m.sessions {
		if s.desc.Name == backend {
			targets = append(targets, s)
		}
	}
	m.mu.RUnlock()

	for _, s := range targets {
		s.requestClose(reason)
	}
	return len(targets)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) countLocked(backend string) int {
	n := 0
	for _, s := range m.sessions {
		if s.desc.Name == backend {
			n++
		}
	}
	return n
}

// CountByBackend returns live session counts keyed by backend name.
func (m *Manager) CountByBackend() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range m.sessions {
		out[s.desc.Name]++
	}
	return out
}

// List snapshots every live session, oldest first.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Shutdown refuses new sessions, drains the existing ones and closes
// whatever is left when ctx ends. The sweeps stop afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			closeGracefully(ctx, s, ReasonShutdown)
		}(s)
	}
	wg.Wait()

	m.cancel()
	m.wg.Wait()
	m.logger.Info("session manager stopped", logging.Int("sessions_closed", len(all)))
	return ctx.Err()
}

func closeGracefully(ctx context.Context, s *Session, reason string) {
	s.drain(reason)
	select {
	case <-s.done:
	case <-ctx.Done():
		s.requestClose(reason)
		<-s.done
	}
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

func (m *Manager) sweepLoop(ctx context.Context) {
	deadlines := time.NewTicker(m.opts.SweepInterval)
	defer deadlines.Stop()
	idle := time.NewTicker(m.opts.IdleSweepInterval)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadlines.C:
			m.mu.RLock()
			for _, s := range m.sessions {
				s.sweep()
			}
			m.mu.RUnlock()
		case now := <-idle.C:
			m.sweepIdle(now)
		}
	}
}

// sweepIdle closes sessions that have been quiet longer than the idle
// timeout. Unclaimed sessions with nothing in flight get the shorter
// unclaimed timeout.
func (m *Manager) sweepIdle(now time.Time) int {
	type victim struct {
		s      *Session
		reason string
	}
	var idle []victim
	m.mu.RLock()
	for _, s := range m.sessions {
		quiet := now.Sub(s.LastActivity())
		switch {
		case quiet > m.opts.IdleTimeout:
			idle = append(idle, victim{s, ReasonIdle})
		case !s.Claimed() && s.inflight.Load() == 0 && quiet > m.opts.UnclaimedTimeout:
			idle = append(idle, victim{s, ReasonUnclaimed})
		}
	}
	m.mu.RUnlock()

	for _, v := range idle {
		v.s.logger.Info("closing idle session",
			logging.Duration("idle", now.Sub(v.s.LastActivity())), logging.String("reason", v.reason))
		v.s.requestClose(v.reason)
	}
	return len(idle)
}
