// Package transport connects the gateway to backends.
//
// Three transport kinds are supported, each behind an Adapter:
//
//   - subprocess: one child process per conversation, exchanging
//     newline-delimited JSON over stdin and stdout. Stderr is logged.
//   - stream: a WebSocket link that is either owned by one conversation or
//     pooled and shared between conversations. Pooled links rewrite request
//     ids so replies can be routed back, and reconnect with bounded
//     exponential backoff.
//   - request: one HTTP POST per message. Replies may be plain JSON or a
//     short event stream.
//
// A Conversation delivers backend traffic on Receive in arrival order and
// closes Done when it can no longer carry traffic:
//
//	set := transport.NewSet(transport.Options{Logger: logger})
//	conv, err := set.Open(ctx, desc)
//	if err != nil {
//		return err
//	}
//	defer conv.Close()
//
//	if err := conv.Send(ctx, msg); err != nil {
//		return err
//	}
//	select {
//	case reply := <-conv.Receive():
//		...
//	case <-conv.Done():
//		return conv.Err()
//	}
//
// Failures surface as TransportFailure or BackendProtocolError values from
// the errors package.
package transport
