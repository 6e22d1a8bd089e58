package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

// StreamAdapter keeps long-lived WebSocket links to stream backends. Pooled
// backends share one link across every conversation; others get a private
// link per conversation.
type StreamAdapter struct {
	opts   Options
	logger logging.Logger

	mu     sync.Mutex
	links  map[string]*streamLink
	closed bool
}

// NewStreamAdapter creates a stream adapter.
func NewStreamAdapter(opts Options) *StreamAdapter {
	opts = opts.withDefaults()
	return &StreamAdapter{
		opts:   opts,
		logger: opts.Logger.WithFields(logging.Component("stream")),
		links:  make(map[string]*streamLink),
	}
}

func poolKey(desc registry.Descriptor) string {
	return desc.Name + "|" + desc.Address
}

// Open attaches a conversation to the backend's link, dialing if needed.
func (a *StreamAdapter) Open(ctx context.Context, desc registry.Descriptor) (Conversation, error) {
	link, err := a.linkFor(desc)
	if err != nil {
		return nil, err
	}
	if err := link.ensureConnected(ctx); err != nil {
		if !desc.Pooled {
			link.shutdown()
		}
		return nil, err
	}
	return link.attach(), nil
}

func (a *StreamAdapter) linkFor(desc registry.Descriptor) (*streamLink, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, mcperrors.BackendUnavailable(desc.Name, "stream adapter closed")
	}
	if !desc.Pooled {
		return newStreamLink(desc, a.opts, a.logger, false), nil
	}
	key := poolKey(desc)
	if link, ok := a.links[key]; ok && !link.isShutdown() {
		return link, nil
	}
	link := newStreamLink(desc, a.opts, a.logger, true)
	a.links[key] = link
	return link, nil
}

// Probe succeeds when a pooled link is connected, or when a bounded dial
// and clean close succeed.
func (a *StreamAdapter) Probe(ctx context.Context, desc registry.Descriptor) error {
	a.mu.Lock()
	link := a.links[poolKey(desc)]
	a.mu.Unlock()
	if link != nil && link.connected() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, a.opts.DialTimeout)
	defer cancel()
	conn, err := dialStream(dialCtx, desc)
	if err != nil {
		return err
	}
	_ = conn.Close(websocket.StatusNormalClosure, "probe")
	return nil
}

// Close shuts every pooled link.
func (a *StreamAdapter) Close() error {
	a.mu.Lock()
	a.closed = true
	links := a.links
	a.links = make(map[string]*streamLink)
	a.mu.Unlock()

	for _, link := range links {
		link.shutdown()
	}
	return nil
}

func dialStream(ctx context.Context, desc registry.Descriptor) (*websocket.Conn, error) {
	header := http.Header{}
	for k, v := range desc.Headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, desc.Address, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, mcperrors.TransportFailure("stream", "dial", err).
			WithContext(&mcperrors.Context{Backend: desc.Name, Component: "stream", Operation: "dial"})
	}
	conn.SetReadLimit(maxLineSize)
	return conn, nil
}

// inflightCall maps a link-unique wire id back to its conversation.
type inflightCall struct {
	conv     *streamConversation
	clientID json.RawMessage
}

type streamLink struct {
	desc   registry.Descriptor
	opts   Options
	logger logging.Logger
	pooled bool

	ctx    context.Context
	cancel context.CancelFunc
	dialMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	gen          uint64
	reconnecting bool
	down         bool
	convs        map[uint64]*streamConversation
	inflight     map[string]inflightCall
	nextConv     uint64
	nextWire     uint64
}

func newStreamLink(desc registry.Descriptor, opts Options, logger logging.Logger, pooled bool) *streamLink {
	ctx, cancel := context.WithCancel(context.Background())
	return &streamLink{
		desc:     desc,
		opts:     opts,
		logger:   logger.WithFields(logging.Backend(desc.Name), logging.Bool("pooled", pooled)),
		pooled:   pooled,
		ctx:      ctx,
		cancel:   cancel,
		convs:    make(map[uint64]*streamConversation),
		inflight: make(map[string]inflightCall),
	}
}

func (l *streamLink) connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *streamLink) isShutdown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.down
}

func (l *streamLink) ensureConnected(ctx context.Context) error {
	l.dialMu.Lock()
	defer l.dialMu.Unlock()

	l.mu.Lock()
	switch {
	case l.down:
		l.mu.Unlock()
		return mcperrors.BackendUnavailable(l.desc.Name, "stream link shut down")
	case l.conn != nil:
		l.mu.Unlock()
		return nil
	case l.reconnecting:
		l.mu.Unlock()
		return mcperrors.BackendUnavailable(l.desc.Name, "stream reconnecting")
	}
	l.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, l.opts.DialTimeout)
	defer cancel()
	conn, err := dialStream(dialCtx, l.desc)
	if err != nil {
		return err
	}
	l.install(conn)
	return nil
}

// install makes conn the live connection and starts its reader.
func (l *streamLink) install(conn *websocket.Conn) {
	l.mu.Lock()
	if l.down {
		l.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "shutdown")
		return
	}
	l.gen++
	gen := l.gen
	l.conn = conn
	l.mu.Unlock()

	l.logger.Info("stream connected", logging.String("address", l.desc.Address))
	go l.readLoop(conn, gen)
}

func (l *streamLink) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(l.ctx)
		if err != nil {
			l.dropped(gen, mcperrors.TransportFailure("stream", "receive", err))
			return
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			protoErr := mcperrors.BackendProtocolError(l.desc.Name, err)
			l.logger.Warn("malformed frame from stream backend", logging.ErrorField(err))
			_ = conn.Close(websocket.StatusUnsupportedData, "malformed frame")
			l.dropped(gen, protoErr)
			return
		}
		l.route(msg)
	}
}

// route delivers one inbound frame. A frame whose id matches an in-flight
// call is that call's reply, even if it also carries a method.
func (l *streamLink) route(msg *protocol.Message) {
	if msg.HasID() {
		l.mu.Lock()
		call, ok := l.inflight[msg.CorrelationKey()]
		if ok {
			delete(l.inflight, msg.CorrelationKey())
		}
		l.mu.Unlock()

		if ok {
			reply, err := msg.WithID(call.clientID)
			if err != nil {
				l.logger.Warn("restoring client id failed", logging.ErrorField(err))
				return
			}
			call.conv.deliver(reply)
			return
		}
		if msg.Method == "" {
			l.logger.Debug("discarding reply with unknown id", logging.String("id", msg.CorrelationKey()))
			return
		}
		if l.pooled {
			l.logger.Warn("dropping backend request on pooled link", logging.String("method", msg.Method))
			return
		}
	}

	for _, conv := range l.attached() {
		conv.deliver(msg)
	}
}

func (l *streamLink) attached() []*streamConversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*streamConversation, 0, len(l.convs))
	for _, c := range l.convs {
		out = append(out, c)
	}
	return out
}

type synthesized struct {
	conv  *streamConversation
	reply *protocol.Message
}

// dropped handles loss of connection gen: in-flight calls are answered with
// cause and a reconnect is started.
func (l *streamLink) dropped(gen uint64, cause error) {
	l.mu.Lock()
	if gen != l.gen || l.conn == nil {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	replies := make([]synthesized, 0, len(l.inflight))
	for _, call := range l.inflight {
		replies = append(replies, synthesized{conv: call.conv, reply: mcperrors.ToResponse(call.clientID, cause)})
	}
	l.inflight = make(map[string]inflightCall)
	down := l.down
	if !down {
		l.reconnecting = true
	}
	l.mu.Unlock()

	for _, s := range replies {
		s.conv.deliver(s.reply)
	}
	if down {
		return
	}

	l.logger.Warn("stream connection lost", logging.ErrorField(cause), logging.Int("failed_inflight", len(replies)))
	go l.reconnect()
}

func (l *streamLink) reconnect() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.opts.ReconnectInitialBackoff
	b.MaxInterval = l.opts.ReconnectMaxBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(l.opts.ReconnectMaxAttempts)), l.ctx)

	var conn *websocket.Conn
	op := func() error {
		dialCtx, cancel := context.WithTimeout(l.ctx, l.opts.DialTimeout)
		defer cancel()
		c, err := dialStream(dialCtx, l.desc)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Debug("stream reconnect failed", logging.ErrorField(err), logging.Duration("retry_in", wait))
	}

	err := backoff.RetryNotify(op, policy, notify)

	l.mu.Lock()
	l.reconnecting = false
	l.mu.Unlock()

	if err == nil {
		l.install(conn)
		return
	}

	l.logger.Error("stream reconnect gave up", logging.ErrorField(err))
	cause := mcperrors.TransportFailure("stream", "reconnect", err)
	for _, conv := range l.attached() {
		l.detach(conv, cause)
	}
	if !l.pooled {
		l.shutdown()
	}
}

func (l *streamLink) attach() *streamConversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextConv++
	c := &streamConversation{
		convState: newConvState(l.opts.ReceiveBuffer),
		id:        l.nextConv,
		link:      l,
	}
	l.convs[c.id] = c
	return c
}

// detach removes conv from the link and ends it with err. A private link
// is shut down with its only conversation.
func (l *streamLink) detach(conv *streamConversation, err error) {
	l.mu.Lock()
	delete(l.convs, conv.id)
	for key, call := range l.inflight {
		if call.conv == conv {
			delete(l.inflight, key)
		}
	}
	l.mu.Unlock()

	conv.abandon()
	conv.finish(err)

	if !l.pooled {
		l.shutdown()
	}
}

func (l *streamLink) shutdown() {
	l.mu.Lock()
	if l.down {
		l.mu.Unlock()
		return
	}
	l.down = true
	conn := l.conn
	l.conn = nil
	convs := make([]*streamConversation, 0, len(l.convs))
	for _, c := range l.convs {
		convs = append(convs, c)
	}
	l.convs = make(map[uint64]*streamConversation)
	l.inflight = make(map[string]inflightCall)
	l.mu.Unlock()

	l.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	for _, c := range convs {
		c.abandon()
		c.finish(nil)
	}
}

func (l *streamLink) send(ctx context.Context, conv *streamConversation, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return mcperrors.Cancelled("stream send", err)
	}
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return mcperrors.BackendUnavailable(l.desc.Name, "stream disconnected")
	}

	out := msg
	var wireKey string
	if msg.Kind() == protocol.KindRequest {
		l.nextWire++
		wireID, err := json.Marshal(fmt.Sprintf("%d-%d", conv.id, l.nextWire))
		if err != nil {
			l.mu.Unlock()
			return mcperrors.InvalidMessage("wire id", err)
		}
		out, err = msg.WithID(wireID)
		if err != nil {
			l.mu.Unlock()
			return mcperrors.InvalidMessage("unencodable message", err)
		}
		wireKey = protocol.CorrelationKey(wireID)
		l.inflight[wireKey] = inflightCall{conv: conv, clientID: msg.ID}
	}
	l.mu.Unlock()

	raw, err := out.Raw()
	if err == nil {
		// A cancelled write closes the connection, so it runs under the
		// link's lifetime rather than one conversation's.
		writeCtx, cancel := context.WithTimeout(l.ctx, l.opts.WriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, raw)
		cancel()
	}
	if err != nil {
		if wireKey != "" {
			l.mu.Lock()
			delete(l.inflight, wireKey)
			l.mu.Unlock()
		}
		return mcperrors.TransportFailure("stream", "write", err)
	}
	return nil
}

type streamConversation struct {
	*convState
	id   uint64
	link *streamLink
}

// Send forwards msg over the link. Requests are given a link-unique id on
// the wire and the client's id is restored on the reply.
func (c *streamConversation) Send(ctx context.Context, msg *protocol.Message) error {
	if c.finished() {
		return c.closedError("stream")
	}
	return c.link.send(ctx, c, msg)
}

// Close detaches from the link.
func (c *streamConversation) Close() error {
	c.link.detach(c, nil)
	return nil
}
