package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/registry"
)

const sampleYAML = `
gateway:
  listen_addr: "127.0.0.1:9000"
  tokens: ["${TEST_GATEWAY_TOKEN}"]
  request_deadline: 5s
  health_probe_interval: 1s
backends:
  - name: echo
    transport: subprocess
    command: cat
  - name: db
    transport: stream
    address: ws://127.0.0.1:7001/mcp
    pooled: false
  - name: ts
    transport: request
    url: http://127.0.0.1:7002/mcp
    request_timeout: 750ms
    prefix: tsq
`

func TestParseYAML(t *testing.T) {
	t.Setenv("TEST_GATEWAY_TOKEN", "s3cret")

	doc, err := Parse([]byte(sampleYAML), ".yaml")
	require.NoError(t, err)

	g := doc.Gateway
	assert.Equal(t, "127.0.0.1:9000", g.ListenAddr)
	assert.Equal(t, []string{"s3cret"}, g.Tokens)
	assert.Equal(t, 5*time.Second, g.RequestDeadline)
	assert.Equal(t, time.Second, g.HealthProbeInterval)

	// untouched tunables fall back to defaults
	assert.Equal(t, 5*time.Minute, g.IdleSessionTimeout)
	assert.Equal(t, 30*time.Second, g.UnclaimedSessionTimeout)
	assert.Zero(t, g.MaxSessionsPerBackend)
	assert.Equal(t, 25*time.Millisecond, g.DeadlineSweepInterval)
	assert.Equal(t, 3, g.UnreachableAfter)
	assert.Equal(t, 64, g.OpeningQueueSize)
	assert.True(t, g.Metrics.IsEnabled())
	assert.Equal(t, "/metrics", g.Metrics.Path)
	assert.Equal(t, "noop", g.Tracing.Exporter)

	descs, err := doc.Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 3)

	assert.Equal(t, registry.KindSubprocess, descs[0].Kind)
	assert.Equal(t, "cat", descs[0].Command)

	assert.Equal(t, registry.KindStream, descs[1].Kind)
	assert.False(t, descs[1].Pooled)

	assert.Equal(t, registry.KindRequest, descs[2].Kind)
	assert.Equal(t, 750*time.Millisecond, descs[2].RequestTimeout)
	assert.Equal(t, "tsq", descs[2].ToolPrefix())
}

func TestParseTOML(t *testing.T) {
	data := `
[gateway]
listen_addr = ":8181"
tokens = ["a", "b"]
idle_session_timeout = "1m"

[[backends]]
name = "fs"
transport = "subprocess"
command = "mcp-fs"
args = ["--root", "/tmp"]
`
	doc, err := Parse([]byte(data), ".toml")
	require.NoError(t, err)
	assert.Equal(t, ":8181", doc.Gateway.ListenAddr)
	assert.Equal(t, time.Minute, doc.Gateway.IdleSessionTimeout)
	require.Len(t, doc.Backends, 1)
	assert.Equal(t, []string{"--root", "/tmp"}, doc.Backends[0].Args)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("GATEWAY_LISTEN_ADDR", ":7777")
	t.Setenv("GATEWAY_TOKENS", "one;two")
	t.Setenv("GATEWAY_LOG_LEVEL", "debug")

	doc, err := Parse([]byte("gateway:\n  tokens: [file]\n"), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, ":7777", doc.Gateway.ListenAddr)
	assert.Equal(t, []string{"one", "two"}, doc.Gateway.Tokens)
	assert.Equal(t, "debug", doc.Gateway.LogLevel)
	assert.Empty(t, doc.Backends)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no tokens", "gateway:\n  listen_addr: ':1'\n"},
		{"bad duration", "gateway:\n  tokens: [x]\n  request_deadline: soon\n"},
		{"sweep slower than deadline", "gateway:\n  tokens: [x]\n  request_deadline: 10ms\n  deadline_sweep_interval: 20ms\n"},
		{"unknown field", "gateway:\n  tokens: [x]\n  colour: blue\n"},
		{"unknown transport", "gateway:\n  tokens: [x]\nbackends:\n  - name: a\n    transport: carrier-pigeon\n"},
		{"duplicate backend", "gateway:\n  tokens: [x]\nbackends:\n  - {name: a, transport: subprocess, command: cat}\n  - {name: a, transport: subprocess, command: cat}\n"},
		{"missing command", "gateway:\n  tokens: [x]\nbackends:\n  - {name: a, transport: subprocess}\n"},
		{"unknown exporter", "gateway:\n  tokens: [x]\n  tracing:\n    exporter: zipkin\n"},
		{"negative session cap", "gateway:\n  tokens: [x]\n  max_sessions_per_backend: -1\n"},
		{"capitalised transport without command", "gateway:\n  tokens: [x]\nbackends:\n  - {name: a, transport: Subprocess}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), ".yaml")
			assert.Error(t, err)
		})
	}
}

func TestDuplicateBackendIsConfigInvalid(t *testing.T) {
	data := "gateway:\n  tokens: [x]\nbackends:\n  - {name: a, transport: subprocess, command: cat}\n  - {name: a, transport: subprocess, command: cat}\n"
	_, err := Parse([]byte(data), ".yaml")
	require.Error(t, err)
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeConfigInvalid))
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  tokens: [x]\nbackends:\n  - {name: echo, transport: subprocess, command: cat}\n"), 0o600))

	descs, err := FileSource(path).Descriptors()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	assert.Equal(t, "echo", descs[0].Name)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  tokens: [x]\n"), 0o600))

	reloaded := make(chan *Document, 4)
	w := NewWatcher(path, nil, func(d *Document) { reloaded <- d }, WithDebounce(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	// give the watcher a moment to register the directory
	time.Sleep(100 * time.Millisecond)

	// an invalid document is ignored
	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  listen_addr: ':1'\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	select {
	case <-reloaded:
		t.Fatal("invalid document should not be delivered")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte("gateway:\n  tokens: [x]\nbackends:\n  - {name: echo, transport: subprocess, command: cat}\n"), 0o600))

	select {
	case d := <-reloaded:
		require.Len(t, d.Backends, 1)
		assert.Equal(t, "echo", d.Backends[0].Name)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload")
	}
}
