package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

// fakeAdapter hands out fakeConvs; Open waits on gate when it is set.
type fakeAdapter struct {
	gate    chan struct{}
	openErr error

	mu    sync.Mutex
	convs []*fakeConv
}

func (a *fakeAdapter) Open(ctx context.Context, desc registry.Descriptor) (transport.Conversation, error) {
	if a.gate != nil {
		select {
		case <-a.gate:
		case <-ctx.Done():
			return nil, mcperrors.Cancelled("open", ctx.Err())
		}
	}
	if a.openErr != nil {
		return nil, a.openErr
	}
	c := newFakeConv()
	a.mu.Lock()
	a.convs = append(a.convs, c)
	a.mu.Unlock()
	return c, nil
}

func (a *fakeAdapter) Probe(context.Context, registry.Descriptor) error { return nil }

func (a *fakeAdapter) Close() error { return nil }

func (a *fakeAdapter) conv(i int) *fakeConv {
	a.mu.Lock()
	defer a.mu.Unlock()
	if i >= len(a.convs) {
		return nil
	}
	return a.convs[i]
}

func (a *fakeAdapter) opened() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.convs)
}

type fakeConv struct {
	// stall, while set, blocks Send until ctx ends.
	stall  atomic.Bool
	sent   chan *protocol.Message
	recv   chan *protocol.Message
	done   chan struct{}
	once   sync.Once
	err    atomic.Pointer[error]
	closes atomic.Int32
}

func newFakeConv() *fakeConv {
	return &fakeConv{
		sent: make(chan *protocol.Message, 64),
		recv: make(chan *protocol.Message, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeConv) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.done:
		return mcperrors.TransportFailure("fake", "send", transport.ErrConversationClosed)
	default:
	}
	if c.stall.Load() {
		<-ctx.Done()
		return mcperrors.Cancelled("fake send", ctx.Err())
	}
	c.sent <- msg
	return nil
}

func (c *fakeConv) blockSends()   { c.stall.Store(true) }
func (c *fakeConv) unblockSends() { c.stall.Store(false) }

func (c *fakeConv) Receive() <-chan *protocol.Message { return c.recv }

func (c *fakeConv) Done() <-chan struct{} { return c.done }

func (c *fakeConv) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *fakeConv) Close() error {
	c.closes.Add(1)
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConv) fail(err error) {
	c.err.Store(&err)
	c.once.Do(func() { close(c.done) })
}

// countingObserver records lifecycle events.
type countingObserver struct {
	opened    atomic.Int32
	closed    atomic.Int32
	discarded atomic.Int32

	mu       sync.Mutex
	reasons  []string
	outcomes []string
}

func (o *countingObserver) SessionOpened(string) { o.opened.Add(1) }

func (o *countingObserver) SessionClosed(_ string, reason string, _ time.Duration) {
	o.closed.Add(1)
	o.mu.Lock()
	o.reasons = append(o.reasons, reason)
	o.mu.Unlock()
}

func (o *countingObserver) RequestFinished(_ string, outcome string, _ time.Duration) {
	o.mu.Lock()
	o.outcomes = append(o.outcomes, outcome)
	o.mu.Unlock()
}

func (o *countingObserver) ReplyDiscarded(string) { o.discarded.Add(1) }
