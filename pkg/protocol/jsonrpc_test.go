package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKinds(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, KindRequest},
		{"request without version", `{"id":"a","method":"ping"}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress"}`, KindNotification},
		{"null id is a notification", `{"id":null,"method":"x"}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","id":7,"result":{}}`, KindResponse},
		{"error response", `{"id":7,"error":{"code":-32601,"message":"nope"}}`, KindResponse},
		{"empty object", `{}`, KindInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Kind())
			assert.Equal(t, tt.want.String(), msg.Kind().String())
		})
	}
}

func TestParseRejectsNonObjects(t *testing.T) {
	for _, frame := range []string{``, `   `, `[{"id":1,"method":"x"}]`, `"hello"`, `42`} {
		_, err := Parse([]byte(frame))
		assert.ErrorIs(t, err, ErrNotObject, "frame %q", frame)
	}

	_, err := Parse([]byte(`{"id":1,`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotObject)
}

func TestRawPreservesUnknownFields(t *testing.T) {
	frame := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"q"},"_meta":{"trace":"x"}}`
	msg, err := Parse([]byte("  " + frame + "\n"))
	require.NoError(t, err)

	raw, err := msg.Raw()
	require.NoError(t, err)
	assert.Equal(t, frame, string(raw))
}

func TestCorrelationKeyDistinguishesTypes(t *testing.T) {
	num, err := Parse([]byte(`{"id":1,"method":"a"}`))
	require.NoError(t, err)
	str, err := Parse([]byte(`{"id":"1","method":"a"}`))
	require.NoError(t, err)

	assert.NotEqual(t, num.CorrelationKey(), str.CorrelationKey())
	assert.Equal(t, "1", num.CorrelationKey())
	assert.Equal(t, `"1"`, str.CorrelationKey())
	assert.Equal(t, "1", CorrelationKey(json.RawMessage(" 1 ")))
}

func TestWithIDRewritesOnlyTheID(t *testing.T) {
	msg, err := Parse([]byte(`{"jsonrpc":"2.0","id":"client-1","method":"tools/call","params":{"a":1},"extra":true}`))
	require.NoError(t, err)

	rewritten, err := msg.WithID(json.RawMessage(`"gw-9"`))
	require.NoError(t, err)
	assert.Equal(t, `"gw-9"`, rewritten.CorrelationKey())
	assert.Equal(t, `"client-1"`, msg.CorrelationKey())

	raw, err := rewritten.Raw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"gw-9","method":"tools/call","params":{"a":1},"extra":true}`, string(raw))

	back, err := rewritten.WithID(msg.ID)
	require.NoError(t, err)
	raw, err = back.Raw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"client-1","method":"tools/call","params":{"a":1},"extra":true}`, string(raw))
}

func TestWithIDOnBuiltMessage(t *testing.T) {
	req, err := NewRequest(1, MethodPing, nil)
	require.NoError(t, err)

	rewritten, err := req.WithID(json.RawMessage(`2`))
	require.NoError(t, err)
	raw, err := rewritten.Raw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`, string(raw))
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("req-1", MethodListTools, ListToolsParams{Cursor: "c1"})
	require.NoError(t, err)
	assert.Equal(t, KindRequest, req.Kind())
	assert.Equal(t, `"req-1"`, req.CorrelationKey())

	raw, err := req.Raw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"req-1","method":"tools/list","params":{"cursor":"c1"}}`, string(raw))

	_, err = NewRequest(make(chan int), "x", nil)
	assert.Error(t, err)
}

func TestNewNotification(t *testing.T) {
	n, err := NewNotification("notifications/initialized", nil)
	require.NoError(t, err)
	assert.Equal(t, KindNotification, n.Kind())

	raw, err := n.Raw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, string(raw))
}

func TestNewResponse(t *testing.T) {
	resp, err := NewResponse(json.RawMessage(`3`), nil)
	require.NoError(t, err)
	raw, err := resp.Raw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":3,"result":null}`, string(raw))

	resp, err = NewResponse(json.RawMessage(`3`), map[string]int{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, KindResponse, resp.Kind())
	assert.JSONEq(t, `{"n":1}`, string(resp.Result))
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(nil, -32600, "invalid message", nil)
	raw, err := resp.Raw()
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32600,"message":"invalid message"}}`, string(raw))

	resp = NewErrorResponse(json.RawMessage(`"x"`), -32201, "unavailable", map[string]string{"backend": "db"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32201, resp.Error.Code)
	assert.JSONEq(t, `{"backend":"db"}`, string(resp.Error.Data))
	assert.Contains(t, resp.Error.Error(), "unavailable")
}

func TestMessageJSONRoundTrip(t *testing.T) {
	type envelope struct {
		Msg *Message `json:"msg"`
	}
	in := envelope{}
	require.NoError(t, json.Unmarshal([]byte(`{"msg":{"id":5,"method":"ping","x":1}}`), &in))
	require.NotNil(t, in.Msg)
	assert.Equal(t, KindRequest, in.Msg.Kind())

	out, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"msg":{"id":5,"method":"ping","x":1}}`, string(out))
}
