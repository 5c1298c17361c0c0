// Package streaminghttp exposes the session, stream, and dispatch layers over
// a single HTTP endpoint: POST carries JSON-RPC messages in, GET opens the
// SSE delivery channel, DELETE terminates the session.
package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/streamplex/streamplex/auth"
	"github.com/streamplex/streamplex/dispatch"
	"github.com/streamplex/streamplex/internal/jsonrpc"
	"github.com/streamplex/streamplex/internal/logctx"
	"github.com/streamplex/streamplex/sessions"
	"github.com/streamplex/streamplex/stream"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	sessionIDHeader       = "Streamplex-Session-Id"
	protocolVersionHeader = "Streamplex-Protocol-Version"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// Handler is the streamable HTTP transport. It serves one endpoint path with
// POST, GET, and DELETE verbs.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	auth     auth.Authenticator
	sessions *sessions.Manager
	dispatch *dispatch.Dispatcher
	streams  *stream.Manager

	allowedOrigins map[string]bool
	realm          string
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithAuthenticator enables bearer token authentication. Sessions are bound
// to the authenticated user; without an authenticator all requests share the
// anonymous principal.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithAllowedOrigins sets the CORS allow list. Empty leaves CORS headers off
// entirely.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Handler) {
		h.allowedOrigins = make(map[string]bool, len(origins))
		for _, o := range origins {
			h.allowedOrigins[o] = true
		}
	}
}

// WithRealm sets the realm reported in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// New constructs a Handler serving endpointPath.
func New(endpointPath string, sm *sessions.Manager, d *dispatch.Dispatcher, str *stream.Manager, opts ...Option) (*Handler, error) {
	if sm == nil || d == nil || str == nil {
		return nil, fmt.Errorf("streaminghttp: session manager, dispatcher, and stream manager are required")
	}
	if endpointPath == "" || !strings.HasPrefix(endpointPath, "/") {
		return nil, fmt.Errorf("streaminghttp: invalid endpoint path %q", endpointPath)
	}

	h := &Handler{
		log:      slog.Default(),
		sessions: sm,
		dispatch: d,
		streams:  str,
		realm:    "streamplex",
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", endpointPath), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", endpointPath), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", endpointPath), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", endpointPath), h.handleOptions)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// connWriter guards the SSE response for writes from the delivery goroutine.
// Once the request context ends, writes fail and flushes become no-ops.
type connWriter struct {
	mu  sync.Mutex
	w   io.Writer
	f   http.Flusher
	ctx context.Context
}

func (c *connWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

func (c *connWriter) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}
	c.f.Flush()
}

// writeFrame emits one SSE frame as a single write. Frames without an id stay
// out of the client's Last-Event-ID tracking.
func writeFrame(c *connWriter, id string, payload []byte) error {
	var b bytes.Buffer
	if id != "" {
		b.WriteString("id: ")
		b.WriteString(id)
		b.WriteByte('\n')
	}
	b.WriteString("data: ")
	b.Write(payload)
	b.WriteString("\n\n")
	if _, err := c.Write(b.Bytes()); err != nil {
		return fmt.Errorf("sse frame: %w", err)
	}
	c.Flush()
	return nil
}

// sseWriter adapts the guarded connection to the stream delivery contract.
type sseWriter struct {
	c *connWriter
}

func (s sseWriter) WriteEvent(ev sessions.Event) error {
	return writeFrame(s.c, strconv.FormatUint(ev.ID, 10), ev.Payload)
}

func (s sseWriter) WriteHeartbeat() error {
	if _, err := s.c.Write([]byte(": keep-alive\n\n")); err != nil {
		return fmt.Errorf("sse heartbeat: %w", err)
	}
	s.c.Flush()
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeResponse(w http.ResponseWriter, resp *jsonrpc.Response) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(resp)
}

// applyCORS emits CORS headers when the request's origin is on the allow
// list. Reports whether the request may proceed.
func (h *Handler) applyCORS(w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	if !h.allowedOrigins[origin] {
		w.WriteHeader(http.StatusForbidden)
		return false
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Vary", "Origin")
	return true
}

func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	if !h.applyCORS(w, r) {
		return
	}
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{
		"Content-Type", "Accept", "Authorization",
		sessionIDHeader, protocolVersionHeader, lastEventIDHeader,
	}, ", "))
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// anonymousUser is the principal used when no authenticator is configured.
type anonymousUser struct{}

func (anonymousUser) UserID() string       { return "" }
func (anonymousUser) Claims(ref any) error { return nil }

// checkAuthentication resolves the request's principal. On failure it writes
// the challenge response and returns nil.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	if h.auth == nil {
		return anonymousUser{}
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf(`Bearer realm=%q`, h.realm))
		w.WriteHeader(http.StatusUnauthorized)
		h.log.InfoContext(ctx, "auth.check.missing")
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf(`Bearer realm=%q error="invalid_request"`, h.realm))
		w.WriteHeader(http.StatusBadRequest)
		h.log.InfoContext(ctx, "auth.check.invalid")
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf(`Bearer realm=%q error="invalid_token"`, h.realm))
			w.WriteHeader(http.StatusUnauthorized)
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			return nil
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		return nil
	}
	return userInfo
}

// handlePost carries client-to-server JSON-RPC messages: the handshake when
// no session header is present, requests and notifications afterwards.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if !h.applyCORS(w, r) {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		id := jsonrpc.RecoverID(raw)
		if id == nil {
			// Nothing to correlate a parse error with: malformed
			// notifications are accepted and dropped.
			w.WriteHeader(http.StatusAccepted)
			h.log.WarnContext(ctx, "jsonrpc.message.drop", slog.String("err", err.Error()))
			return
		}
		resp := jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil)
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(resp)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Kind:   msg.Kind(),
	})

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		h.handleHandshake(ctx, w, r, userInfo, &msg, start)
		return
	}

	sess, err := h.sessions.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) || errors.Is(err, sessions.ErrSessionUserMismatch) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           string(sess.State()),
	})

	if pv := r.Header.Get(protocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if err := h.sessions.Touch(ctx, sess.ID()); err != nil {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	req := msg.AsRequest()
	if req == nil {
		// Client-to-server responses have no server-side correlation here;
		// accept and drop.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.drop")
		return
	}

	w.Header().Set(sessionIDHeader, sess.ID())
	w.Header().Set(protocolVersionHeader, sess.ProtocolVersion())

	if req.IsNotification() {
		h.dispatch.DispatchNotification(ctx, sess, req)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	resp := h.dispatch.DispatchRequest(ctx, sess, req)
	if err := writeResponse(w, resp); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleHandshake serves the sessionless POST: only the initialize request is
// admissible, and a successful handshake mints the session advertised in the
// response headers.
func (h *Handler) handleHandshake(ctx context.Context, w http.ResponseWriter, r *http.Request, userInfo auth.UserInfo, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.IsNotification() {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	sess, resp, err := h.dispatch.InitializeSession(ctx, userInfo.UserID(), req)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	if sess == nil {
		// The dispatcher refused the method; relay its error response.
		if resp.Error != nil && resp.Error.Code == jsonrpc.ErrorCodeSessionNotFound {
			w.Header().Set("Content-Type", jsonMediaType.String())
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(resp)
			h.log.InfoContext(ctx, "session.initialize.refused")
			return
		}
		if err := writeResponse(w, resp); err != nil {
			h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		}
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		UserID:    sess.UserID(),
	})

	w.Header().Set(sessionIDHeader, sess.ID())
	w.Header().Set(protocolVersionHeader, sess.ProtocolVersion())
	if err := writeResponse(w, resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet opens the SSE delivery channel for an established session,
// resuming from Last-Event-ID when the client presents one.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.applyCORS(w, r) {
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &connWriter{w: w, f: f, ctx: ctx}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, err := h.sessions.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) || errors.Is(err, sessions.ErrSessionUserMismatch) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID(),
		UserID:          sess.UserID(),
		ProtocolVersion: sess.ProtocolVersion(),
		State:           string(sess.State()),
	})

	if pv := r.Header.Get(protocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	var lastEventID *uint64
	if v := r.Header.Get(lastEventIDHeader); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			h.log.WarnContext(ctx, "last_event_id.invalid", slog.String("value", v))
			return
		}
		lastEventID = &id
	}

	// Attach before committing to SSE so resume and capacity problems still
	// surface as plain HTTP statuses.
	sub, err := h.streams.Attach(ctx, sess.ID(), lastEventID)
	if err != nil {
		switch {
		case errors.Is(err, sessions.ErrReplayGap):
			w.WriteHeader(http.StatusConflict)
			h.log.InfoContext(ctx, "sse.resume.gap")
		case errors.Is(err, stream.ErrStreamLimit):
			w.WriteHeader(http.StatusTooManyRequests)
			h.log.WarnContext(ctx, "sse.stream.limit")
		case errors.Is(err, stream.ErrStreamBusy):
			w.WriteHeader(http.StatusConflict)
			h.log.InfoContext(ctx, "sse.stream.busy")
		case errors.Is(err, sessions.ErrSessionNotFound):
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.load.miss")
		default:
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "sse.attach.fail", slog.String("err", err.Error()))
		}
		return
	}

	if err := h.sessions.Touch(ctx, sess.ID()); err != nil {
		h.log.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}

	w.Header().Set(sessionIDHeader, sess.ID())
	w.Header().Set(protocolVersionHeader, sess.ProtocolVersion())
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	if err := sub.Serve(ctx, sseWriter{c: wf}); err != nil {
		if errors.Is(err, stream.ErrSuperseded) || errors.Is(err, stream.ErrSessionEnded) {
			h.log.InfoContext(ctx, "sse.stream.detach", slog.String("reason", err.Error()))
		} else {
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
		}
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates a session explicitly. Idempotence lives below: the
// first delete removes the session, later ones see 404.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.applyCORS(w, r) {
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, err := h.sessions.Load(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) || errors.Is(err, sessions.ErrSessionUserMismatch) {
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID(),
		UserID:    sess.UserID(),
	})

	if pv := r.Header.Get(protocolVersionHeader); pv != "" && pv != sess.ProtocolVersion() {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if err := h.sessions.Delete(ctx, sess.ID()); err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}
