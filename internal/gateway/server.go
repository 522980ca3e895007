// ABOUTME: HTTP transport for the RPC gateway: POST /rpc, SSE stream, session teardown.
// ABOUTME: Envelope decoding and error mapping happen here; semantics live in dispatch.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/opal-labs/opal-gateway/internal/auth"
	"github.com/opal-labs/opal-gateway/internal/dispatch"
	"github.com/opal-labs/opal-gateway/internal/protocol"
	"github.com/opal-labs/opal-gateway/internal/session"
	"github.com/opal-labs/opal-gateway/internal/subscribe"
)

// SessionHeader carries the session id on every post-initialize request.
const SessionHeader = "Opal-Session-Id"

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// Config holds the transport's collaborators.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Broadcast  *subscribe.Broadcaster
	Sessions   *session.Manager
	Logger     *slog.Logger
}

// Server exposes the dispatcher over HTTP. POST /rpc carries requests and
// notifications; GET /rpc/stream opens the server-to-client event stream;
// DELETE /rpc tears a session down.
type Server struct {
	dispatcher *dispatch.Dispatcher
	broadcast  *subscribe.Broadcaster
	sessions   *session.Manager
	logger     *slog.Logger
}

// NewServer creates the transport over the given dispatcher.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if cfg.Broadcast == nil {
		return nil, errors.New("broadcaster is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		broadcast:  cfg.Broadcast,
		sessions:   cfg.Sessions,
		logger:     logger.With("component", "gateway"),
	}, nil
}

// RegisterRoutes registers the RPC endpoints on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.HandleFunc("/rpc/stream", s.handleStream)
	mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handlePost processes one JSON-RPC message sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendEnvelope(w, protocol.NewError(nil, protocol.CodeParseError, "failed to read request body", nil))
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendEnvelope(w, protocol.NewError(nil, protocol.CodeInvalidRequest, "request body too large", nil))
		return
	}

	env, err := protocol.Decode(body)
	if err != nil {
		s.sendEnvelope(w, decodeErrorEnvelope(err))
		return
	}

	// Notifications are accepted and dropped: this transport has no
	// client-to-server notification semantics beyond acknowledgment.
	if env.Kind() == protocol.KindNotification {
		s.logger.Debug("accepted notification", "method", env.Method)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	credential, _ := auth.BearerToken(r.Header.Get("Authorization"))

	if env.Method == "initialize" {
		out, sess := s.dispatcher.Initialize(r.Context(), credential, env)
		if sess != nil {
			w.Header().Set(SessionHeader, sess.ID)
		}
		s.sendEnvelope(w, out)
		return
	}

	// A session header, when present, must name a live session. Requests
	// without one fall back to per-call credential resolution.
	var sess *session.Session
	if sessionID := r.Header.Get(SessionHeader); sessionID != "" {
		var ok bool
		sess, ok = s.sessions.Get(sessionID)
		if !ok {
			http.Error(w, "Not Found: unknown session", http.StatusNotFound)
			return
		}
	}

	s.sendEnvelope(w, s.dispatcher.Dispatch(r.Context(), sess, credential, env))
}

// handleDelete terminates a session. The caller must present the same
// principal that opened it.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing "+SessionHeader, http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if !s.callerOwns(r, sess) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.dispatcher.CloseSession(sessionID)
	s.logger.Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handleStream opens the server-to-client notification stream for a session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = r.URL.Query().Get("session")
	}
	if sessionID == "" {
		http.Error(w, "Bad Request: missing "+SessionHeader, http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "Not Found: unknown session", http.StatusNotFound)
		return
	}
	if !s.callerOwns(r, sess) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := s.broadcast.Attach(sess.ID)
	// Detaching on exit drops the session's subscriptions with it: a
	// subscriber without a stream cannot receive anything anyway.
	defer s.broadcast.Detach(sess.ID)

	s.writeSSEEvent(w, "ready", map[string]string{"sessionId": sess.ID})
	flusher.Flush()

	s.logger.Info("stream opened", "session_id", sess.ID, "principal", sess.Principal.ID)

	for {
		select {
		case <-r.Context().Done():
			return
		case env, open := <-ch:
			if !open {
				return
			}
			s.writeSSEEvent(w, "message", env)
			flusher.Flush()
		}
	}
}

// callerOwns verifies the request credential resolves to the principal
// that opened the session.
func (s *Server) callerOwns(r *http.Request, sess *session.Session) bool {
	credential, _ := auth.BearerToken(r.Header.Get("Authorization"))
	principal, err := s.dispatcher.ResolveCredential(r.Context(), credential)
	if err != nil {
		return false
	}
	return principal.ID == sess.Principal.ID
}

// writeSSEEvent writes one SSE frame. Marshal failures are logged and the
// frame is skipped rather than corrupting the stream.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("marshaling SSE event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
}

// sendEnvelope writes a response envelope as JSON. HTTP status stays 200;
// failures ride in the envelope's error object.
func (s *Server) sendEnvelope(w http.ResponseWriter, env *protocol.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// decodeErrorEnvelope maps protocol decode failures to error envelopes.
func decodeErrorEnvelope(err error) *protocol.Envelope {
	switch {
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.NewError(nil, protocol.CodeParseError, "invalid JSON", nil)
	default:
		return protocol.NewError(nil, protocol.CodeInvalidRequest, err.Error(), nil)
	}
}
