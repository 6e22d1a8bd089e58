package transport

import (
	"context"
	"errors"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

// Exchange opens a short-lived conversation, sends one gateway-originated
// request and returns the matching reply. A JSON-RPC error reply is still a
// reply; only transport problems produce an error. Unrelated frames are ignored.
func Exchange(ctx context.Context, a Adapter, desc registry.Descriptor, method string, params interface{}) (*protocol.Message, error) {
	conv, err := a.Open(ctx, desc)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conv.Close() }()

	req, err := protocol.NewRequest(newProbeID(), method, params)
	if err != nil {
		return nil, mcperrors.InvalidMessage("building request", err)
	}
	key := req.CorrelationKey()

	if err := conv.Send(ctx, req); err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, mcperrors.RequestTimeout(desc.Name, key, 0)
			}
			return nil, mcperrors.Cancelled(method, ctx.Err())

		case msg := <-conv.Receive():
			if msg.CorrelationKey() == key {
				return msg, nil
			}

		case <-conv.Done():
			if msg := findBuffered(conv, key); msg != nil {
				return msg, nil
			}
			if err := conv.Err(); err != nil {
				return nil, err
			}
			return nil, mcperrors.TransportFailure(string(desc.Kind), method, ErrConversationClosed)
		}
	}
}

// findBuffered drains frames already queued on a finished conversation.
func findBuffered(conv Conversation, key string) *protocol.Message {
	for {
		select {
		case msg := <-conv.Receive():
			if msg.CorrelationKey() == key {
				return msg
			}
		default:
			return nil
		}
	}
}
