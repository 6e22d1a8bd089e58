package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

// ErrConversationClosed is the cause attached to sends on a finished conversation.
var ErrConversationClosed = errors.New("conversation closed")

// Conversation is one logical exchange with a backend. Messages arriving from
// the backend are delivered on Receive in arrival order. Done closes when the
// conversation can no longer carry traffic; Err then reports why, and is nil
// when the conversation was closed locally.
type Conversation interface {
	Send(ctx context.Context, msg *protocol.Message) error
	Receive() <-chan *protocol.Message
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Adapter opens conversations with backends of one transport kind.
type Adapter interface {
	// Open establishes a conversation. It fails with a TransportFailure when
	// the backend cannot be reached.
	Open(ctx context.Context, desc registry.Descriptor) (Conversation, error)
	// Probe checks reachability without opening a client-visible conversation.
	Probe(ctx context.Context, desc registry.Descriptor) error
	// Close releases shared resources such as pooled connections.
	Close() error
}

// Options tune every adapter built by NewSet.
type Options struct {
	Logger logging.Logger

	// GracePeriod is how long a subprocess gets to exit after stdin closes.
	GracePeriod time.Duration

	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	ReconnectMaxAttempts    int
	DialTimeout             time.Duration

	// WriteTimeout bounds a single frame write on a stream link.
	WriteTimeout time.Duration

	// DefaultRequestTimeout applies to request backends without their own timeout.
	DefaultRequestTimeout time.Duration
	HTTPClient            *http.Client

	// ReceiveBuffer is the capacity of each conversation's receive channel.
	ReceiveBuffer int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 2 * time.Second
	}
	if o.ReconnectInitialBackoff <= 0 {
		o.ReconnectInitialBackoff = 250 * time.Millisecond
	}
	if o.ReconnectMaxBackoff <= 0 {
		o.ReconnectMaxBackoff = 10 * time.Second
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = 8
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.DefaultRequestTimeout <= 0 {
		o.DefaultRequestTimeout = 30 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.ReceiveBuffer <= 0 {
		o.ReceiveBuffer = 64
	}
	return o
}

// Set routes Open and Probe to the adapter matching the descriptor's kind.
// It satisfies Adapter itself.
type Set struct {
	subprocess *SubprocessAdapter
	stream     *StreamAdapter
	request    *RequestAdapter
}

// NewSet builds one adapter per transport kind.
func NewSet(opts Options) *Set {
	opts = opts.withDefaults()
	return &Set{
		subprocess: NewSubprocessAdapter(opts),
		stream:     NewStreamAdapter(opts),
		request:    NewRequestAdapter(opts),
	}
}

// For returns the adapter for kind.
func (s *Set) For(kind registry.Kind) (Adapter, error) {
	switch kind {
	case registry.KindSubprocess:
		return s.subprocess, nil
	case registry.KindStream:
		return s.stream, nil
	case registry.KindRequest:
		return s.request, nil
	default:
		return nil, mcperrors.ConfigInvalid("transport", "unknown transport kind "+string(kind))
	}
}

// Open implements Adapter.
func (s *Set) Open(ctx context.Context, desc registry.Descriptor) (Conversation, error) {
	a, err := s.For(desc.Kind)
	if err != nil {
		return nil, err
	}
	return a.Open(ctx, desc)
}

// Probe implements Adapter.
func (s *Set) Probe(ctx context.Context, desc registry.Descriptor) error {
	a, err := s.For(desc.Kind)
	if err != nil {
		return err
	}
	return a.Probe(ctx, desc)
}

// Close implements Adapter.
func (s *Set) Close() error {
	return errors.Join(s.subprocess.Close(), s.stream.Close(), s.request.Close())
}

// convState carries the receive channel and termination bookkeeping shared
// by every conversation implementation. The receive channel is never closed;
// consumers select on Done as well.
type convState struct {
	recv chan *protocol.Message
	done chan struct{}
	quit chan struct{}

	once     sync.Once
	quitOnce sync.Once
	mu       sync.Mutex
	err      error
}

func newConvState(buffer int) *convState {
	return &convState{
		recv: make(chan *protocol.Message, buffer),
		done: make(chan struct{}),
		quit: make(chan struct{}),
	}
}

// abandon tells producers the consumer has stopped reading.
func (c *convState) abandon() {
	c.quitOnce.Do(func() { close(c.quit) })
}

func (c *convState) Receive() <-chan *protocol.Message { return c.recv }

func (c *convState) Done() <-chan struct{} { return c.done }

func (c *convState) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// finish records err and closes done. Only the first call has any effect.
func (c *convState) finish(err error) bool {
	first := false
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		first = true
	})
	return first
}

func (c *convState) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// deliver hands msg to the consumer, giving up once the conversation ends.
func (c *convState) deliver(msg *protocol.Message) bool {
	select {
	case c.recv <- msg:
		return true
	case <-c.done:
		return false
	case <-c.quit:
		return false
	}
}

// closedError is what Send returns after the conversation has ended.
func (c *convState) closedError(transport string) error {
	if err := c.Err(); err != nil {
		return err
	}
	return mcperrors.TransportFailure(transport, "send", ErrConversationClosed)
}
