// Package session owns client-facing sessions. Each session has a single
// owner goroutine that opens the backend conversation, relays traffic and
// is the only code touching the session's pending-request table.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

// State is a session's lifecycle position.
type State int32

const (
	StateOpening State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Close reasons reported to observers and logs.
const (
	ReasonClient     = "client"
	ReasonIdle       = "idle"
	ReasonUnclaimed  = "unclaimed"
	ReasonBackend    = "backend"
	ReasonOpenFailed = "open_failed"
	ReasonShutdown   = "shutdown"
	ReasonRegistry   = "registry"
)

type command struct {
	msg     *protocol.Message
	pending *PendingRequest
}

// Session is one client's logical connection to one backend.
type Session struct {
	id        string
	desc      registry.Descriptor
	principal string
	createdAt time.Time

	state        atomic.Int32
	lastActivity atomic.Int64
	inflight     atomic.Int32
	claimed      atomic.Bool

	inbox  chan command
	events chan *protocol.Message
	tick   chan struct{}
	nudge  chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	closing     chan struct{}
	closeOnce   sync.Once
	reason      atomic.Value // string
	drainReason atomic.Value // string
	done        chan struct{}

	// admit is held shared while a dispatch is admitted and exclusively
	// while the session is marked closed, so nothing is queued after the
	// final inbox drain.
	admit sync.RWMutex

	adapter  transport.Adapter
	opts     Options
	logger   logging.Logger
	observer Observer
	onClosed func(*Session)
}

func newSession(id string, desc registry.Descriptor, principal string, adapter transport.Adapter, opts Options, onClosed func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		desc:      desc,
		principal: principal,
		createdAt: time.Now(),
		inbox:     make(chan command, opts.OpeningQueueSize),
		events:    make(chan *protocol.Message, opts.EventBuffer),
		tick:      make(chan struct{}, 1),
		nudge:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		adapter:   adapter,
		opts:      opts,
		logger:    opts.Logger.WithFields(logging.Session(id), logging.Backend(desc.Name)),
		observer:  opts.Observer,
		onClosed:  onClosed,
	}
	s.state.Store(int32(StateOpening))
	s.touch()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Backend returns the name of the backend the session is bound to.
func (s *Session) Backend() string { return s.desc.Name }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the last dispatch or keepalive.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Events carries unsolicited backend messages and, for stream clients,
// replies. It is never closed; select on Done as well.
func (s *Session) Events() <-chan *protocol.Message { return s.events }

// Done is closed once the session is closed and its resources released.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason reports why the session closed, or "" while it is open.
func (s *Session) CloseReason() string {
	r, _ := s.reason.Load().(string)
	return r
}

// Claim records that a client holds the session id, so the session is
// reclaimed after the full idle timeout rather than the unclaimed one.
func (s *Session) Claim() { s.claimed.Store(true) }

// Claimed reports whether any client has presented the session id.
func (s *Session) Claimed() bool { return s.claimed.Load() }

// Keepalive resets the idle timer.
func (s *Session) Keepalive() { s.touch() }

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string    `json:"id"`
	Backend      string    `json:"backend"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Pending      int       `json:"pending"`
}

// Info snapshots the session.
func (s *Session) Info() Info {
	return Info{
		ID:           s.id,
		Backend:      s.desc.Name,
		State:        s.State().String(),
		CreatedAt:    s.createdAt,
		LastActivity: s.LastActivity(),
		Pending:      int(s.inflight.Load()),
	}
}

// Dispatch submits a client message. Requests return a PendingRequest that
// completes with the reply; notifications and client replies return nil.
// Messages offered while the session is still opening are queued, and
// rejected without blocking once the queue is full.
func (s *Session) Dispatch(ctx context.Context, msg *protocol.Message, opts ...DispatchOption) (*PendingRequest, error) {
	s.admit.RLock()
	defer s.admit.RUnlock()

	switch st := s.State(); st {
	case StateClosed:
		return nil, mcperrors.SessionNotFound(s.id)
	case StateDraining:
		return nil, mcperrors.SessionClosing(s.id, st.String())
	}
	if msg.Kind() == protocol.KindInvalid {
		return nil, mcperrors.InvalidMessage("message has neither method nor id", nil)
	}
	s.touch()

	cmd := command{msg: msg}
	if msg.Kind() == protocol.KindRequest {
		cfg := dispatchConfig{deadline: time.Now().Add(s.opts.RequestDeadline)}
		if d, ok := ctx.Deadline(); ok {
			WithDeadline(d)(&cfg)
		}
		for _, opt := range opts {
			opt(&cfg)
		}
		cmd.pending = newPendingRequest(msg, cfg.deadline, cfg.toStream)
	}

	select {
	case s.inbox <- cmd:
		return cmd.pending, nil
	default:
	}
	if s.State() == StateOpening {
		return nil, mcperrors.BackendUnavailable(s.desc.Name, "opening queue full")
	}

	select {
	case s.inbox <- cmd:
		return cmd.pending, nil
	case <-s.closing:
		return nil, mcperrors.SessionNotFound(s.id)
	case <-ctx.Done():
		return nil, mcperrors.Cancelled("dispatch", ctx.Err())
	}
}

// Drain stops accepting new messages. The session closes once every
// in-flight request has completed or expired.
func (s *Session) Drain() {
	s.drain(ReasonClient)
}

func (s *Session) drain(reason string) {
	for {
		st := s.State()
		if st == StateDraining || st == StateClosed {
			return
		}
		if s.state.CompareAndSwap(int32(st), int32(StateDraining)) {
			s.drainReason.Store(reason)
			s.logger.Debug("session draining", logging.String("reason", reason))
			select {
			case s.nudge <- struct{}{}:
			default:
			}
			return
		}
	}
}

// Close closes the session immediately, failing anything still pending,
// and waits until its resources are released. It is idempotent.
func (s *Session) Close() {
	s.requestClose(ReasonClient)
	<-s.done
}

func (s *Session) requestClose(reason string) {
	s.closeOnce.Do(func() {
		s.reason.Store(reason)
		close(s.closing)
		s.cancel()
	})
}

// sweep asks the owner to check deadlines. It never blocks.
func (s *Session) sweep() {
	select {
	case s.tick <- struct{}{}:
	default:
	}
}

// run is the owner goroutine.
func (s *Session) run() {
	defer close(s.done)

	conv, err := s.adapter.Open(s.ctx, s.desc)
	if err != nil {
		s.logger.Warn("backend conversation failed to open", logging.ErrorField(err))
		s.requestClose(ReasonOpenFailed)
		s.finish(err)
		return
	}
	s.state.CompareAndSwap(int32(StateOpening), int32(StateActive))
	s.logger.Debug("session active")

	pending := make(map[string]*PendingRequest)
	cause := s.relay(conv, pending)

	s.requestClose(ReasonBackend)
	_ = conv.Close()
	s.failAll(pending, cause)
	s.finish(cause)
}

// relay is the steady-state loop. It returns the error to fail leftovers with.
func (s *Session) relay(conv transport.Conversation, pending map[string]*PendingRequest) error {
	for {
		if s.State() == StateDraining && len(pending) == 0 && len(s.inbox) == 0 {
			reason, _ := s.drainReason.Load().(string)
			s.requestClose(reason)
			return mcperrors.TransportFailure(string(s.desc.Kind), "relay", transport.ErrConversationClosed)
		}

		select {
		case cmd := <-s.inbox:
			s.handle(conv, cmd, pending)

		case msg := <-conv.Receive():
			s.translate(msg, pending)

		case <-s.tick:
			s.expire(pending, time.Now())

		case <-s.nudge:

		case <-conv.Done():
			s.drainReceived(conv, pending)
			cause := conv.Err()
			if cause == nil {
				cause = mcperrors.TransportFailure(string(s.desc.Kind), "receive", transport.ErrConversationClosed)
			}
			s.logger.Warn("backend conversation ended", logging.ErrorField(cause), logging.Int("pending", len(pending)))
			return cause

		case <-s.closing:
			return mcperrors.TransportFailure(string(s.desc.Kind), "relay", fmt.Errorf("session closed"))
		}
	}
}

// drainReceived translates frames still buffered on a finished conversation.
func (s *Session) drainReceived(conv transport.Conversation, pending map[string]*PendingRequest) {
	for {
		select {
		case msg := <-conv.Receive():
			s.translate(msg, pending)
		default:
			return
		}
	}
}

func (s *Session) handle(conv transport.Conversation, cmd command, pending map[string]*PendingRequest) {
	p := cmd.pending
	if p != nil {
		if _, dup := pending[p.key]; dup {
			s.complete(p, nil, mcperrors.InvalidMessage(fmt.Sprintf("request id %s already in flight", p.key), nil))
			return
		}
		if !time.Now().Before(p.Deadline) {
			s.complete(p, nil, mcperrors.RequestTimeout(s.desc.Name, p.key, time.Since(p.SubmittedAt)))
			return
		}
		pending[p.key] = p
		s.inflight.Store(int32(len(pending)))
	}

	// A backend that stops reading must not hold the owner past the
	// request's deadline; notifications get the default deadline.
	deadline := time.Now().Add(s.opts.RequestDeadline)
	if p != nil {
		deadline = p.Deadline
	}
	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	err := conv.Send(ctx, cmd.msg)
	expired := errors.Is(ctx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		if p != nil {
			if expired {
				err = mcperrors.RequestTimeout(s.desc.Name, p.key, time.Since(p.SubmittedAt))
			}
			delete(pending, p.key)
			s.inflight.Store(int32(len(pending)))
			s.complete(p, nil, err)
			return
		}
		s.logger.Warn("forwarding message failed", logging.String("method", cmd.msg.Method), logging.ErrorField(err))
	}
}

// expire fails every request whose deadline has passed.
func (s *Session) expire(pending map[string]*PendingRequest, now time.Time) {
	for key, p := range pending {
		if now.Before(p.Deadline) {
			continue
		}
		delete(pending, key)
		s.complete(p, nil, mcperrors.RequestTimeout(s.desc.Name, key, now.Sub(p.SubmittedAt)))
	}
	s.inflight.Store(int32(len(pending)))
}

// complete resolves p and, for stream clients, emits the outcome.
func (s *Session) complete(p *PendingRequest, reply *protocol.Message, err error) {
	if err != nil {
		err = mcperrors.Annotate(err, &mcperrors.Context{
			SessionID: s.id,
			Backend:   s.desc.Name,
			RequestID: p.key,
			Method:    p.Method,
		})
	}
	if !p.resolve(reply, err) {
		return
	}
	s.observer.RequestFinished(s.desc.Name, outcome(reply, err), time.Since(p.SubmittedAt))
	if err != nil {
		s.logger.Debug("request failed", logging.String("id", p.key), logging.String("method", p.Method), logging.ErrorField(err))
	}
	if p.toStream {
		s.emit(p.Response(), true)
	}
}

// emit queues msg for the client. Unsolicited traffic is dropped when nobody
// is reading; replies owed to a stream client wait for room.
func (s *Session) emit(msg *protocol.Message, mustDeliver bool) {
	if mustDeliver {
		select {
		case s.events <- msg:
		case <-s.closing:
		}
		return
	}
	select {
	case s.events <- msg:
	default:
		s.logger.Warn("event buffer full, dropping unsolicited message", logging.String("method", msg.Method))
	}
}

func (s *Session) failAll(pending map[string]*PendingRequest, cause error) {
	for key, p := range pending {
		delete(pending, key)
		s.complete(p, nil, cause)
	}
	s.inflight.Store(0)
}

// finish marks the session closed, fails queued commands, and unregisters it.
func (s *Session) finish(cause error) {
	s.admit.Lock()
	s.state.Store(int32(StateClosed))
	s.admit.Unlock()

	for drained := false; !drained; {
		select {
		case cmd := <-s.inbox:
			if cmd.pending != nil {
				s.complete(cmd.pending, nil, cause)
			}
		default:
			drained = true
		}
	}

	s.cancel()
	lifetime := time.Since(s.createdAt)
	s.logger.Info("session closed", logging.String("reason", s.CloseReason()), logging.Duration("lifetime", lifetime))
	s.observer.SessionClosed(s.desc.Name, s.CloseReason(), lifetime)
	if s.onClosed != nil {
		s.onClosed(s)
	}
}

func outcome(reply *protocol.Message, err error) string {
	if err != nil {
		if class := mcperrors.ClassOf(err); class != mcperrors.ClassNone {
			return string(class)
		}
		return "error"
	}
	if reply != nil && reply.Error != nil {
		return "error_reply"
	}
	return "ok"
}
