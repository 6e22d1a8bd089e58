package benchmarks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/config"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/gateway"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/transport"
)

const benchToken = "bench-token"

const benchDocument = `
gateway:
  tokens: ["` + benchToken + `"]
  request_deadline: 5s
  health_probe_interval: 1h
  subprocess_grace_period: 200ms
  metrics:
    enabled: false
backends:
  - name: loop
    transport: subprocess
    command: cat
`

// loopAdapter answers every request in memory so benchmarks measure the
// gateway rather than a backend process.
type loopAdapter struct{}

func (loopAdapter) Open(context.Context, registry.Descriptor) (transport.Conversation, error) {
	return &loopConv{recv: make(chan *protocol.Message, 64), done: make(chan struct{})}, nil
}

func (loopAdapter) Probe(context.Context, registry.Descriptor) error { return nil }

func (loopAdapter) Close() error { return nil }

type loopConv struct {
	recv chan *protocol.Message
	done chan struct{}
	once sync.Once
}

func (c *loopConv) Send(ctx context.Context, msg *protocol.Message) error {
	if msg.Kind() != protocol.KindRequest {
		return nil
	}
	reply, err := protocol.NewResponse(msg.ID, map[string]string{"method": msg.Method})
	if err != nil {
		return err
	}
	select {
	case c.recv <- reply:
		return nil
	case <-c.done:
		return transport.ErrConversationClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *loopConv) Receive() <-chan *protocol.Message { return c.recv }

func (c *loopConv) Done() <-chan struct{} { return c.done }

func (c *loopConv) Err() error { return nil }

func (c *loopConv) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func newBenchGateway(b *testing.B, adapter transport.Adapter) *httptest.Server {
	b.Helper()
	doc, err := config.Parse([]byte(benchDocument), ".yaml")
	if err != nil {
		b.Fatal(err)
	}
	var opts []gateway.Option
	opts = append(opts, gateway.WithLogger(logging.NewNop()))
	if adapter != nil {
		opts = append(opts, gateway.WithAdapter(adapter))
	}
	gw, err := gateway.New(doc, opts...)
	if err != nil {
		b.Fatal(err)
	}
	srv := httptest.NewServer(gw.Handler())
	b.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Close(ctx)
	})
	return srv
}

// post sends one tools/call and returns the session id the gateway assigned.
func post(client *http.Client, url, sessionID string, id int64) (string, error) {
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"name":"echo"}}`, id)
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+benchToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return resp.Header.Get("Mcp-Session-Id"), nil
}

// BenchmarkGatewayRoundTrip benchmarks request relaying through the HTTP endpoint
func BenchmarkGatewayRoundTrip(b *testing.B) {
	b.Run("InMemoryBackend", func(b *testing.B) {
		benchmarkRoundTrip(b, loopAdapter{})
	})

	b.Run("SubprocessBackend", func(b *testing.B) {
		benchmarkRoundTrip(b, nil)
	})
}

func benchmarkRoundTrip(b *testing.B, adapter transport.Adapter) {
	srv := newBenchGateway(b, adapter)
	client := srv.Client()
	url := srv.URL + "/loop/mcp"

	sessionID, err := post(client, url, "", 0)
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := post(client, url, sessionID, int64(i+1)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkGatewayConcurrentSessions benchmarks many sessions sharing one gateway
func BenchmarkGatewayConcurrentSessions(b *testing.B) {
	srv := newBenchGateway(b, loopAdapter{})
	client := srv.Client()
	url := srv.URL + "/loop/mcp"

	var ids atomic.Int64
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		sessionID, err := post(client, url, "", ids.Add(1))
		if err != nil {
			b.Error(err)
			return
		}
		for pb.Next() {
			if _, err := post(client, url, sessionID, ids.Add(1)); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkProtocol benchmarks frame parsing and id rewriting
func BenchmarkProtocol(b *testing.B) {
	frame := []byte(`{"jsonrpc":"2.0","id":"client-42","method":"tools/call","params":{"name":"query","arguments":{"sql":"select 1"}},"_meta":{"progressToken":7}}`)

	b.Run("Parse", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			if _, err := protocol.Parse(frame); err != nil {
				b.Fatal(err)
			}
		}
	})

	b.Run("WithID", func(b *testing.B) {
		msg, err := protocol.Parse(frame)
		if err != nil {
			b.Fatal(err)
		}
		id := []byte(`"gw-1"`)
		b.ReportAllocs()
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			if _, err := msg.WithID(id); err != nil {
				b.Fatal(err)
			}
		}
	})
}
