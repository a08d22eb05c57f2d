// Package streamhttp implements the relay streamable HTTP transport: a
// single endpoint where POST carries peer-to-server envelopes, GET attaches
// a resumable server-sent-event stream for server-initiated traffic, and
// DELETE terminates the session.
//
// In stateful mode (the default) a session is minted when the handshake
// request arrives without a session header; the client presents the
// returned Relay-Session-Id on every later request and may resume the GET
// stream with Last-Event-ID. In stateless mode every POST runs against an
// ephemeral, pre-initialized session and no cross-request state exists.
package streamhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/relayrpc/relay/auth"
	"github.com/relayrpc/relay/eventlog"
	"github.com/relayrpc/relay/internal/logctx"
	"github.com/relayrpc/relay/jsonrpc"
	"github.com/relayrpc/relay/sessions"
)

const (
	// SessionIDHeader carries the session identity on every request after
	// the handshake.
	SessionIDHeader = "Relay-Session-Id"
	// lastEventIDHeader is the standard SSE resume header.
	lastEventIDHeader = "Last-Event-ID"

	wwwAuthenticateHeader = "WWW-Authenticate"

	maxBodyBytes = 4 << 20
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthenticator requires bearer authentication on every request.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.authenticator = a }
}

// WithRealm sets the authentication realm advertised in WWW-Authenticate
// challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// WithStateless switches the handler to stateless mode: no session header,
// no standing GET stream, no event log; every POST runs in isolation.
func WithStateless() Option {
	return func(h *Handler) { h.stateless = true }
}

// WithHandshakeMethod overrides the method that mints a session in stateful
// mode. Must match the session-level handshake method.
func WithHandshakeMethod(method string) Option {
	return func(h *Handler) { h.handshakeMethod = method }
}

// Handler is the streamable HTTP endpoint.
type Handler struct {
	mgr      *Manager
	registry *sessions.Registry

	log           *slog.Logger
	authenticator auth.Authenticator
	realm         string
	stateless     bool

	handshakeMethod string
	sessOpts        []sessions.Option
}

// New constructs a Handler over a Manager. In stateless mode the manager's
// registry and session options are still used, but no records, event
// streams, or live sessions are kept.
func New(mgr *Manager, opts ...Option) *Handler {
	h := &Handler{
		mgr:             mgr,
		registry:        mgr.registry,
		log:             mgr.log,
		realm:           "relay",
		handshakeMethod: "initialize",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithHTTPData(r.Context(), &logctx.HTTPData{
		Method:     r.Method,
		Path:       r.URL.Path,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	})
	r = r.WithContext(ctx)

	switch r.Method {
	case http.MethodPost:
		h.handlePost(w, r)
	case http.MethodGet:
		h.handleGet(w, r)
	case http.MethodDelete:
		h.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// checkAuthentication resolves the caller's principal. With no configured
// authenticator every caller maps to the anonymous principal. On failure it
// writes an RFC 6750 challenge and returns false.
func (h *Handler) checkAuthentication(w http.ResponseWriter, r *http.Request) (string, bool) {
	if h.authenticator == nil {
		return "", true
	}

	raw := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(raw, "Bearer ")
	if !ok || token == "" {
		w.Header().Set(wwwAuthenticateHeader, `Bearer realm="`+h.realm+`"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}

	ui, err := h.authenticator.CheckAuthentication(r.Context(), token)
	if err != nil {
		h.log.Info("auth.check.fail", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, `Bearer realm="`+h.realm+`", error="invalid_token"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	return ui.UserID(), true
}

// writeError writes a JSON-RPC error envelope as the HTTP response body.
func (h *Handler) writeError(w http.ResponseWriter, status int, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(id, code, msg, nil))
}

func (h *Handler) writeMessage(w http.ResponseWriter, status int, msg *jsonrpc.Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(msg)
}

// readMessage decodes the single envelope carried by a POST body. Batch
// arrays are rejected: the transport correlates one message per request.
func (h *Handler) readMessage(w http.ResponseWriter, r *http.Request) (*jsonrpc.Message, bool) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		h.writeError(w, http.StatusUnsupportedMediaType, nil, jsonrpc.ErrorCodeInvalidRequest, "content type must be application/json")
		return nil, false
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeParseError, "unreadable body")
		return nil, false
	}

	trimmed := strings.TrimLeft(string(body), " \t\r\n")
	if strings.HasPrefix(trimmed, "[") {
		h.writeError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeInvalidRequest, "batch requests are not supported")
		return nil, false
	}

	msg, err := jsonrpc.Decode(body)
	if err != nil {
		code := jsonrpc.ErrorCodeInvalidRequest
		if errors.Is(err, jsonrpc.ErrParse) {
			code = jsonrpc.ErrorCodeParseError
		}
		h.writeError(w, http.StatusBadRequest, nil, code, err.Error())
		return nil, false
	}
	return msg, true
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}
	msg, ok := h.readMessage(w, r)
	if !ok {
		return
	}

	ctx := logctx.WithRPCData(r.Context(), &logctx.RPCData{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   msg.Kind().String(),
	})

	if h.stateless {
		h.handleStatelessPost(ctx, w, r, msg, userID)
		return
	}

	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		// Only the handshake may run without a session; it mints one.
		if msg.Kind() != jsonrpc.KindRequest || msg.Method != h.handshakeMethod {
			h.writeError(w, http.StatusBadRequest, msg.ID, jsonrpc.ErrorCodeNotInitialized, "missing session header")
			return
		}
		sess, err := h.mgr.CreateSession(ctx, userID)
		if err != nil {
			h.log.Error("post.create_session.fail", slog.String("err", err.Error()))
			h.writeError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "internal error")
			return
		}
		resp, err := sess.Handle(ctx, msg)
		if err != nil || resp == nil {
			h.writeError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "internal error")
			return
		}
		if resp.Error == nil {
			h.mgr.MarkInitialized(ctx, sess.ID())
		}
		w.Header().Set(SessionIDHeader, sess.ID())
		h.writeMessage(w, http.StatusOK, resp)
		return
	}

	sess, err := h.mgr.GetSession(ctx, sessionID, userID)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			h.writeError(w, http.StatusNotFound, msg.ID, jsonrpc.ErrorCodeSessionNotFound, "session not found")
			return
		}
		h.log.Error("post.load_session.fail", slog.String("err", err.Error()))
		h.writeError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "internal error")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		UserID:    sess.UserID(),
		State:     sess.State().String(),
	})

	switch msg.Kind() {
	case jsonrpc.KindNotification, jsonrpc.KindResponse:
		if _, err := sess.Handle(ctx, msg); err != nil {
			h.writeError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	default:
		h.respondOverSSE(ctx, w, r, sess, msg)
	}
}

// respondOverSSE runs one request and delivers its response as a single SSE
// event on the POST response stream. The event id comes from a per-request
// stream in the event log, so even these one-shot frames carry well-formed,
// ordered ids.
func (h *Handler) respondOverSSE(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *sessions.Session, msg *jsonrpc.Message) {
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		h.writeError(w, http.StatusNotAcceptable, msg.ID, jsonrpc.ErrorCodeInvalidRequest, "accept must admit text/event-stream")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "streaming unsupported")
		return
	}

	resp, err := sess.Handle(ctx, msg)
	if err != nil {
		h.writeError(w, http.StatusNotFound, msg.ID, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "internal error")
		return
	}

	streamID := sess.ID() + "/req/" + uuid.NewString()
	eventID, err := h.mgr.events.Append(ctx, streamID, payload)
	if err != nil {
		h.log.Warn("post.response.log_fail", slog.String("err", err.Error()))
		eventID = ""
	}

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	if err := writeSSEEvent(wf, eventID, payload); err != nil {
		h.log.Debug("sse.write.fail", slog.String("err", err.Error()))
	}
	_ = h.mgr.events.DropStream(context.WithoutCancel(ctx), streamID)
}

// handleStatelessPost runs the message against an ephemeral session that
// lives exactly as long as this request. Concurrent stateless requests
// share nothing.
func (h *Handler) handleStatelessPost(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.Message, userID string) {
	opts := []sessions.Option{
		sessions.WithLogger(h.log),
		sessions.WithInstrumenter(h.mgr.instr),
		sessions.WithUserID(userID),
		sessions.WithCallerScopedRequests(),
	}
	if msg.Method != h.handshakeMethod {
		opts = append(opts, sessions.WithInitializedState())
	}
	opts = append(opts, h.mgr.sessOpts...)

	// Server-initiated traffic has nowhere to go without a standing
	// stream; drop it.
	sink := sessions.MessageSinkFunc(func(context.Context, *jsonrpc.Message) error {
		return errors.New("streamhttp: no stream in stateless mode")
	})
	sess := sessions.New(ctx, "stateless-"+uuid.NewString(), h.registry, sink, opts...)
	defer sess.Close(nil)

	resp, err := sess.Handle(ctx, msg)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, msg.ID, jsonrpc.ErrorCodeInternalError, "internal error")
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	h.writeMessage(w, http.StatusOK, resp)
}

// handleGet attaches the standing notification stream for a session,
// honoring Last-Event-ID resume.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	if h.stateless {
		http.Error(w, "no event stream in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		http.Error(w, "accept must admit text/event-stream", http.StatusNotAcceptable)
		return
	}
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeNotInitialized, "missing session header")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ls, err := h.mgr.getLive(r.Context(), sessionID, userID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.mgr.events.Subscribe(ctx, sessionID, lastEventID)
	if err != nil {
		switch {
		case errors.Is(err, eventlog.ErrHistoryExpired):
			// The client's resume point is gone; it must start over.
			h.log.Info("get.resume.history_expired",
				slog.String("session_id", sessionID),
				slog.String("last_event_id", lastEventID),
			)
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, eventlog.ErrBadEventID):
			http.Error(w, "malformed Last-Event-ID", http.StatusBadRequest)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	defer sub.Close()

	// Take over as the session's single standing stream.
	holder := ls.takeOverStream(cancel)
	defer ls.releaseStream(holder)

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, eventlog.ErrStreamClosed) {
				h.log.Debug("get.stream.end", slog.String("session_id", sessionID), slog.String("err", err.Error()))
			}
			return
		}
		if err := writeSSEEvent(wf, ev.ID, ev.Payload); err != nil {
			h.log.Debug("sse.write.fail", slog.String("session_id", sessionID), slog.String("err", err.Error()))
			return
		}
	}
}

// handleDelete terminates a session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if h.stateless {
		http.Error(w, "no sessions in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := h.checkAuthentication(w, r)
	if !ok {
		return
	}
	sessionID := r.Header.Get(SessionIDHeader)
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, nil, jsonrpc.ErrorCodeNotInitialized, "missing session header")
		return
	}

	if _, err := h.mgr.GetSession(r.Context(), sessionID, userID); err != nil {
		h.writeError(w, http.StatusNotFound, nil, jsonrpc.ErrorCodeSessionNotFound, "session not found")
		return
	}
	h.mgr.DeleteSession(r.Context(), sessionID, sessions.ErrClosed)
	w.WriteHeader(http.StatusNoContent)
}
