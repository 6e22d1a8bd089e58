package session

import (
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
)

// translate routes one backend frame. A frame whose id matches a pending
// request resolves it, even if the frame also carries a method. Unmatched
// replies are discarded and never reach the client.
func (s *Session) translate(msg *protocol.Message, pending map[string]*PendingRequest) {
	if msg.HasID() {
		key := msg.CorrelationKey()
		if p, ok := pending[key]; ok {
			delete(pending, key)
			s.inflight.Store(int32(len(pending)))
			s.complete(p, msg, nil)
			return
		}
		if msg.Method == "" {
			s.logger.Warn("discarding reply with unknown correlation id", logging.String("id", key))
			s.observer.ReplyDiscarded(s.desc.Name)
			return
		}
		// backend-initiated request; the client answers it with a plain reply
		s.emit(msg, false)
		return
	}

	if msg.Method == "" {
		s.logger.Warn("discarding backend frame with neither id nor method")
		s.observer.ReplyDiscarded(s.desc.Name)
		return
	}
	s.emit(msg, false)
}
