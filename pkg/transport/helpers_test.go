package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
)

func testOptions() Options {
	return Options{
		GracePeriod:             200 * time.Millisecond,
		ReconnectInitialBackoff: 10 * time.Millisecond,
		ReconnectMaxBackoff:     20 * time.Millisecond,
		ReconnectMaxAttempts:    2,
		DialTimeout:             time.Second,
		DefaultRequestTimeout:   2 * time.Second,
	}
}

func mustParse(t *testing.T, frame string) *protocol.Message {
	t.Helper()
	msg, err := protocol.Parse([]byte(frame))
	require.NoError(t, err)
	return msg
}

func recvWithin(t *testing.T, conv Conversation, d time.Duration) *protocol.Message {
	t.Helper()
	select {
	case msg := <-conv.Receive():
		return msg
	case <-time.After(d):
		t.Fatalf("no message within %v", d)
		return nil
	}
}

func waitDone(t *testing.T, conv Conversation, d time.Duration) {
	t.Helper()
	select {
	case <-conv.Done():
	case <-time.After(d):
		t.Fatalf("conversation did not finish within %v", d)
	}
}
