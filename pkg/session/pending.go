package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
)

// PendingRequest is one in-flight client request. It completes exactly once,
// with the backend's reply or with an error, whichever of reply, deadline or
// session close happens first.
type PendingRequest struct {
	ID          json.RawMessage
	Method      string
	SubmittedAt time.Time
	Deadline    time.Time

	key      string
	toStream bool

	once  sync.Once
	done  chan struct{}
	reply *protocol.Message
	err   error
}

func newPendingRequest(msg *protocol.Message, deadline time.Time, toStream bool) *PendingRequest {
	return &PendingRequest{
		ID:          msg.ID,
		Method:      msg.Method,
		SubmittedAt: time.Now(),
		Deadline:    deadline,
		key:         msg.CorrelationKey(),
		toStream:    toStream,
		done:        make(chan struct{}),
	}
}

// resolve completes the request. Later calls are ignored and report false.
func (p *PendingRequest) resolve(reply *protocol.Message, err error) bool {
	resolved := false
	p.once.Do(func() {
		p.reply = reply
		p.err = err
		close(p.done)
		resolved = true
	})
	return resolved
}

// Done is closed when the request has completed.
func (p *PendingRequest) Done() <-chan struct{} {
	return p.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (p *PendingRequest) Result() (*protocol.Message, error) {
	return p.reply, p.err
}

// Wait blocks until the request completes or ctx ends. Giving up does not
// cancel the request; its deadline still applies.
func (p *PendingRequest) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case <-p.done:
		return p.reply, p.err
	case <-ctx.Done():
		return nil, mcperrors.Cancelled("wait for reply", ctx.Err())
	}
}

// Response renders the outcome as the frame a client should receive.
func (p *PendingRequest) Response() *protocol.Message {
	if p.err != nil {
		return mcperrors.ToResponse(p.ID, p.err)
	}
	return p.reply
}

// DispatchOption adjusts a single dispatch.
type DispatchOption func(*dispatchConfig)

type dispatchConfig struct {
	deadline time.Time
	toStream bool
}

// WithDeadline sets an absolute deadline. The earliest of this, the context
// deadline and the session default wins.
func WithDeadline(t time.Time) DispatchOption {
	return func(c *dispatchConfig) {
		if !t.IsZero() && (c.deadline.IsZero() || t.Before(c.deadline)) {
			c.deadline = t
		}
	}
}

// WithTimeout is WithDeadline relative to now.
func WithTimeout(d time.Duration) DispatchOption {
	return WithDeadline(time.Now().Add(d))
}

// WithReplyToStream also emits the outcome on the session's event stream,
// for clients that read replies from a push connection.
func WithReplyToStream() DispatchOption {
	return func(c *dispatchConfig) {
		c.toStream = true
	}
}
