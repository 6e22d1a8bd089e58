package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/errgroup"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/observability"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/session"
)

const (
	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var (
	errSessionEnded = errors.New("session ended")
	errDraining     = errors.New("gateway draining")
)

// handleWebSocket serves one session over a WebSocket. One task reads
// client frames and dispatches them; the other relays replies and
// unsolicited backend traffic back to the client.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	desc, err := g.router.Admit(r.PathValue("backend"))
	if err != nil {
		writeError(w, nil, err)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.doc.Gateway.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("websocket upgrade failed", logging.Backend(desc.Name), logging.ErrorField(err))
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	s, err := g.sessions.Create(desc, principalOf(r))
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "session refused")
		return
	}
	s.Claim()
	defer s.Close()

	logger := g.logger.WithFields(logging.Session(s.ID()), logging.Backend(desc.Name))
	logger.Debug("websocket connected")

	group, ctx := errgroup.WithContext(r.Context())
	group.Go(func() error {
		return g.readClient(ctx, conn, s)
	})
	group.Go(func() error {
		return g.relayToClient(ctx, conn, s)
	})
	err = group.Wait()

	switch {
	case errors.Is(err, errDraining), errors.Is(err, errSessionEnded):
	case websocket.CloseStatus(err) != -1:
		logger.Debug("websocket closed by client", logging.Int("status", int(websocket.CloseStatus(err))))
	default:
		logger.Debug("websocket ended", logging.ErrorField(err))
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (g *Gateway) readClient(ctx context.Context, conn *websocket.Conn, s *session.Session) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			if werr := writeFrame(ctx, conn, mcperrors.ToResponse(nil, mcperrors.InvalidMessage("malformed frame", err))); werr != nil {
				return werr
			}
			continue
		}

		dctx, span := g.tracing.StartDispatch(ctx, s.Backend(), msg.Method, s.ID(), msg.Kind().String())
		p, err := s.Dispatch(dctx, msg, session.WithReplyToStream())
		if err != nil {
			observability.EndSpan(span, err)
			if msg.Kind() == protocol.KindRequest {
				if werr := writeFrame(ctx, conn, mcperrors.ToResponse(msg.ID, err)); werr != nil {
					return werr
				}
			}
			if mcperrors.IsCode(err, mcperrors.CodeSessionNotFound) {
				return errSessionEnded
			}
			continue
		}
		if p == nil {
			observability.EndSpan(span, nil)
			continue
		}
		go func() {
			<-p.Done()
			_, rerr := p.Result()
			observability.EndSpan(span, rerr)
		}()
	}
}

// relayToClient writes session events to the client and keeps the
// connection and the session alive with periodic pings.
func (g *Gateway) relayToClient(ctx context.Context, conn *websocket.Conn, s *session.Session) error {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-g.draining:
			_ = conn.Close(websocket.StatusGoingAway, "gateway shutting down")
			return errDraining

		case <-s.Done():
			g.flushEvents(ctx, conn, s)
			_ = conn.Close(websocket.StatusNormalClosure, "session closed: "+s.CloseReason())
			return errSessionEnded

		case msg := <-s.Events():
			if err := writeFrame(ctx, conn, msg); err != nil {
				return err
			}

		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				return err
			}
			s.Keepalive()
		}
	}
}

// flushEvents delivers whatever the session emitted before it closed.
func (g *Gateway) flushEvents(ctx context.Context, conn *websocket.Conn, s *session.Session) {
	for {
		select {
		case msg := <-s.Events():
			if err := writeFrame(ctx, conn, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, msg *protocol.Message) error {
	raw, err := msg.Raw()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, raw)
}
