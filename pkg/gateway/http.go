package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/WebSurfinMurf/mcp-sub001/pkg/auth"
	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/logging"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/observability"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/protocol"
	"github.com/WebSurfinMurf/mcp-sub001/pkg/session"
)

const (
	headerSessionID      = "Mcp-Session-Id"
	headerRequestTimeout = "Mcp-Request-Timeout"

	maxFrameBytes = 4 << 20
	sseKeepalive  = 15 * time.Second
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	replyMediaTypes       = []contenttype.MediaType{jsonMediaType, eventStreamMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

func principalOf(r *http.Request) string {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p.ID
}

// handlePost relays one client frame. Without a session header a new
// session is opened for the backend and its id returned in the header.
func (g *Gateway) handlePost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSON(w, http.StatusUnsupportedMediaType,
			mcperrors.ToResponse(nil, mcperrors.InvalidMessage("content type must be application/json", nil)))
		return
	}
	accepted, _, err := contenttype.GetAcceptableMediaType(r, replyMediaTypes)
	if err != nil {
		writeJSON(w, http.StatusNotAcceptable,
			mcperrors.ToResponse(nil, mcperrors.InvalidMessage("client must accept application/json or text/event-stream", nil)))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		writeError(w, nil, mcperrors.InvalidMessage("request body unreadable", err))
		return
	}
	msg, err := protocol.Parse(body)
	if err != nil {
		writeError(w, nil, mcperrors.InvalidMessage("malformed frame", err))
		return
	}

	timeout, err := requestTimeout(r)
	if err != nil {
		writeError(w, msg.ID, err)
		return
	}

	backend := r.PathValue("backend")
	principal := principalOf(r)
	var s *session.Session
	if id := r.Header.Get(headerSessionID); id != "" {
		s, err = g.sessions.Get(id, backend, principal)
	} else {
		s, err = g.openSession(backend, principal)
	}
	if err != nil {
		writeError(w, msg.ID, err)
		return
	}
	w.Header().Set(headerSessionID, s.ID())

	ctx, span := g.tracing.StartDispatch(r.Context(), backend, msg.Method, s.ID(), msg.Kind().String())

	var opts []session.DispatchOption
	if timeout > 0 {
		opts = append(opts, session.WithTimeout(timeout))
	}
	p, err := s.Dispatch(ctx, msg, opts...)
	if err != nil {
		observability.EndSpan(span, err)
		writeError(w, msg.ID, err)
		return
	}
	if p == nil {
		observability.EndSpan(span, nil)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	select {
	case <-p.Done():
	case <-r.Context().Done():
		observability.EndSpan(span, r.Context().Err())
		return
	}
	reply, rerr := p.Result()
	observability.EndSpan(span, rerr)

	if accepted.Matches(eventStreamMediaType) {
		ew, ok := newEventWriter(w)
		if !ok {
			writeError(w, msg.ID, errors.New("streaming unsupported"))
			return
		}
		ew.start()
		_ = ew.message(p.Response())
		return
	}
	if rerr != nil {
		writeError(w, msg.ID, rerr)
		return
	}
	writeMessage(w, http.StatusOK, reply)
}

// openSession admits backend through the router before any transport work.
func (g *Gateway) openSession(backend, principal string) (*session.Session, error) {
	desc, err := g.router.Admit(backend)
	if err != nil {
		return nil, err
	}
	return g.sessions.Create(desc, principal)
}

// requestTimeout reads the optional per-request timeout header, written as
// a Go duration or as integer milliseconds.
func requestTimeout(r *http.Request) (time.Duration, error) {
	raw := strings.TrimSpace(r.Header.Get(headerRequestTimeout))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		ms, perr := strconv.Atoi(raw)
		if perr != nil {
			return 0, mcperrors.InvalidMessage(fmt.Sprintf("invalid %s header %q", headerRequestTimeout, raw), nil)
		}
		d = time.Duration(ms) * time.Millisecond
	}
	if d <= 0 {
		return 0, mcperrors.InvalidMessage(headerRequestTimeout+" must be positive", nil)
	}
	return d, nil
}

// handleEvents streams the session's unsolicited backend traffic as
// server-sent events until the client leaves or the session ends.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSON(w, http.StatusNotAcceptable,
			mcperrors.ToResponse(nil, mcperrors.InvalidMessage("client must accept text/event-stream", nil)))
		return
	}
	s, ok := g.requireSession(w, r)
	if !ok {
		return
	}
	ew, ok := newEventWriter(w)
	if !ok {
		writeError(w, nil, errors.New("streaming unsupported"))
		return
	}

	logger := g.logger.WithFields(logging.Session(s.ID()), logging.Backend(s.Backend()))
	logger.Debug("event stream opened")
	defer logger.Debug("event stream closed")

	w.Header().Set(headerSessionID, s.ID())
	ew.start()

	ticker := time.NewTicker(sseKeepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.draining:
			return
		case <-s.Done():
			return
		case msg := <-s.Events():
			if err := ew.message(msg); err != nil {
				return
			}
		case <-ticker.C:
			s.Keepalive()
			if err := ew.comment("ping"); err != nil {
				return
			}
		}
	}
}

// handleDelete drains and closes the session.
func (g *Gateway) handleDelete(w http.ResponseWriter, r *http.Request) {
	s, ok := g.requireSession(w, r)
	if !ok {
		return
	}
	if err := g.sessions.Close(r.Context(), s.ID()); err != nil {
		writeError(w, nil, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) requireSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := r.Header.Get(headerSessionID)
	if id == "" {
		writeError(w, nil, mcperrors.InvalidMessage("missing "+headerSessionID+" header", nil))
		return nil, false
	}
	s, err := g.sessions.Get(id, r.PathValue("backend"), principalOf(r))
	if err != nil {
		writeError(w, nil, err)
		return nil, false
	}
	return s, true
}

// eventWriter frames messages as server-sent events.
type eventWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newEventWriter(w http.ResponseWriter) (*eventWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &eventWriter{w: w, f: f}, true
}

func (e *eventWriter) start() {
	h := e.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	e.w.WriteHeader(http.StatusOK)
	e.f.Flush()
}

func (e *eventWriter) message(msg *protocol.Message) error {
	raw, err := msg.Raw()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "event: message\ndata: %s\n\n", raw); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}

func (e *eventWriter) comment(text string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	e.f.Flush()
	return nil
}
