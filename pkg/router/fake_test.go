package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

// toolsAdapter answers tools/list from canned pages, one page per cursor
// index.
type toolsAdapter struct {
	mu    sync.Mutex
	pages map[string][][]protocol.Tool
	fail  map[string]error
	opens atomic.Int32
}

func newToolsAdapter() *toolsAdapter {
	return &toolsAdapter{pages: map[string][][]protocol.Tool{}, fail: map[string]error{}}
}

func (a *toolsAdapter) serve(backend string, pages ...[]protocol.Tool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages[backend] = pages
}

func (a *toolsAdapter) Open(ctx context.Context, desc registry.Descriptor) (transport.Conversation, error) {
	a.opens.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.fail[desc.Name]; err != nil {
		return nil, err
	}
	return &toolsConv{pages: a.pages[desc.Name], recv: make(chan *protocol.Message, 1), done: make(chan struct{})}, nil
}

func (a *toolsAdapter) Probe(context.Context, registry.Descriptor) error { return nil }

func (a *toolsAdapter) Close() error { return nil }

type toolsConv struct {
	pages [][]protocol.Tool
	recv  chan *protocol.Message
	done  chan struct{}
	once  sync.Once
}

func (c *toolsConv) Send(ctx context.Context, msg *protocol.Message) error {
	var params protocol.ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return err
		}
	}
	idx := 0
	if params.Cursor != "" {
		if err := json.Unmarshal([]byte(params.Cursor), &idx); err != nil {
			return errors.New("bad cursor")
		}
	}
	result := protocol.ListToolsResult{Tools: []protocol.Tool{}}
	if idx < len(c.pages) {
		result.Tools = c.pages[idx]
	}
	if idx+1 < len(c.pages) {
		next, _ := json.Marshal(idx + 1)
		result.NextCursor = string(next)
	}
	reply, err := protocol.NewResponse(msg.ID, result)
	if err != nil {
		return err
	}
	c.recv <- reply
	return nil
}

func (c *toolsConv) Receive() <-chan *protocol.Message { return c.recv }

func (c *toolsConv) Done() <-chan struct{} { return c.done }

func (c *toolsConv) Err() error { return nil }

func (c *toolsConv) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// staticHealth marks the named backends unreachable.
type staticHealth struct {
	mu   sync.Mutex
	down map[string]bool
}

func (h *staticHealth) Available(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.down[name]
}

func (h *staticHealth) set(name string, down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down == nil {
		h.down = map[string]bool{}
	}
	h.down[name] = down
}
