package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

// BackendSessionHeader carries the backend's own session id on request backends.
const BackendSessionHeader = "Mcp-Session-Id"

const maxResponseBody = 16 << 20

// RequestAdapter speaks to backends that answer each message with one HTTP
// POST. A conversation is only a correlation scope; there is no connection
// to hold open.
type RequestAdapter struct {
	opts   Options
	logger logging.Logger
}

// NewRequestAdapter creates a request adapter.
func NewRequestAdapter(opts Options) *RequestAdapter {
	opts = opts.withDefaults()
	return &RequestAdapter{
		opts:   opts,
		logger: opts.Logger.WithFields(logging.Component("request")),
	}
}

// Open returns a conversation without touching the network.
func (a *RequestAdapter) Open(ctx context.Context, desc registry.Descriptor) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, mcperrors.Cancelled("request open", err)
	}
	timeout := desc.RequestTimeout
	if timeout <= 0 {
		timeout = a.opts.DefaultRequestTimeout
	}
	cctx, cancel := context.WithCancel(context.Background())
	return &requestConversation{
		convState: newConvState(a.opts.ReceiveBuffer),
		desc:      desc,
		client:    a.opts.HTTPClient,
		timeout:   timeout,
		logger:    a.logger.WithFields(logging.Backend(desc.Name)),
		ctx:       cctx,
		cancel:    cancel,
	}, nil
}

// Probe sends a ping. Any reply the backend itself produced counts, even a
// JSON-RPC error; replies synthesized for a failed call do not.
func (a *RequestAdapter) Probe(ctx context.Context, desc registry.Descriptor) error {
	reply, err := Exchange(ctx, a, desc, protocol.MethodPing, nil)
	if err != nil {
		return err
	}
	if rpcErr := mcperrors.FromResponse(reply); rpcErr != nil && mcperrors.ClassOf(rpcErr) != mcperrors.ClassNone {
		return rpcErr
	}
	return nil
}

// Close drops idle keep-alive connections.
func (a *RequestAdapter) Close() error {
	a.opts.HTTPClient.CloseIdleConnections()
	return nil
}

type requestConversation struct {
	*convState

	desc    registry.Descriptor
	client  *http.Client
	timeout time.Duration
	logger  logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	backendSID atomic.Value // string
}

// Send starts the POST and returns; the reply, or a synthesized error reply,
// arrives on Receive.
func (c *requestConversation) Send(ctx context.Context, msg *protocol.Message) error {
	if c.finished() {
		return c.closedError("request")
	}
	if err := ctx.Err(); err != nil {
		return mcperrors.Cancelled("request send", err)
	}
	body, err := msg.Raw()
	if err != nil {
		return mcperrors.InvalidMessage("unencodable message", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.closedError("request")
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.call(msg, body)
	}()
	return nil
}

func (c *requestConversation) call(msg *protocol.Message, body []byte) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	isRequest := msg.Kind() == protocol.KindRequest
	started := time.Now()

	frames, err := c.post(ctx, body)
	if err != nil {
		if !isRequest {
			c.logger.Warn("notification delivery failed", logging.String("method", msg.Method), logging.ErrorField(err))
			return
		}
		if c.ctx.Err() != nil {
			return
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = mcperrors.RequestTimeout(c.desc.Name, msg.CorrelationKey(), time.Since(started))
		}
		c.deliver(mcperrors.ToResponse(msg.ID, err))
		if mcperrors.IsClass(err, mcperrors.ClassBackendProtocolError) {
			c.finish(err)
		}
		return
	}

	for _, frame := range frames {
		c.deliver(frame)
	}
}

// post performs one exchange and returns the frames in the response body.
func (c *requestConversation) post(ctx context.Context, body []byte) ([]*protocol.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.desc.URL, bytes.NewReader(body))
	if err != nil {
		return nil, mcperrors.TransportFailure("request", "build", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range c.desc.Headers {
		req.Header.Set(k, v)
	}
	if sid, _ := c.backendSID.Load().(string); sid != "" {
		req.Header.Set(BackendSessionHeader, sid)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, mcperrors.TransportFailure("request", "post", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get(BackendSessionHeader); sid != "" {
		c.backendSID.Store(sid)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return nil, mcperrors.TransportFailure("request", "post", fmt.Errorf("backend answered HTTP %d", resp.StatusCode))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return c.readEventStream(resp.Body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, mcperrors.TransportFailure("request", "read", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	msg, err := protocol.Parse(data)
	if err != nil {
		return nil, mcperrors.BackendProtocolError(c.desc.Name, err)
	}
	return []*protocol.Message{msg}, nil
}

// readEventStream collects the data payload of every event in body.
func (c *requestConversation) readEventStream(body io.Reader) ([]*protocol.Message, error) {
	var (
		frames []*protocol.Message
		data   strings.Builder
	)
	flush := func() error {
		if data.Len() == 0 {
			return nil
		}
		msg, err := protocol.Parse([]byte(data.String()))
		data.Reset()
		if err != nil {
			return mcperrors.BackendProtocolError(c.desc.Name, err)
		}
		frames = append(frames, msg)
		return nil
	}

	scanner := bufio.NewScanner(io.LimitReader(body, maxResponseBody))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return nil, err
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, mcperrors.TransportFailure("request", "read", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return frames, nil
}

// Close cancels outstanding calls and waits for them to return.
func (c *requestConversation) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.abandon()
	c.wg.Wait()
	c.finish(nil)
	return nil
}

// newProbeID returns a gateway-owned request id.
func newProbeID() string {
	return "gw-" + uuid.NewString()
}
