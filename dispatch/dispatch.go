// Package dispatch routes decoded JSON-RPC messages to registered application
// handlers and owns the conversion of failures into wire error responses.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streamplex/streamplex/internal/jsonrpc"
	"github.com/streamplex/streamplex/metrics"
	"github.com/streamplex/streamplex/protocol"
	"github.com/streamplex/streamplex/sessions"
)

// Reserved lifecycle methods. Applications cannot register handlers under
// these names.
const (
	// MethodInitialize is the handshake request that creates a session.
	MethodInitialize = "initialize"
	// MethodInitialized is the client's acknowledgment notification that
	// completes the handshake.
	MethodInitialized = "initialized"
	// MethodPing is answered directly by the dispatcher with an empty result.
	MethodPing = "ping"
)

// HandlerFunc serves one request method. The returned value is marshaled as
// the result; a returned *Error selects the wire code, any other error maps
// to an internal error without leaking its text.
type HandlerFunc func(ctx context.Context, sess *sessions.Session, params json.RawMessage) (any, error)

// NotificationFunc consumes one notification method. Errors are logged and
// dropped; notifications never produce responses.
type NotificationFunc func(ctx context.Context, sess *sessions.Session, params json.RawMessage) error

// ServerInfo identifies the server in the handshake result.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the client half of the handshake.
type InitializeParams struct {
	ProtocolVersion string `json:"protocolVersion"`
	ClientInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"clientInfo"`
}

// InitializeResult is the server half of the handshake. The negotiated
// version may be older than the one the client asked for.
type InitializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	Features        protocol.FeatureSet `json:"features"`
	ServerInfo      ServerInfo          `json:"serverInfo"`
}

// Dispatcher routes requests and notifications by method name. Registration
// is expected at startup; routing is safe for concurrent use.
type Dispatcher struct {
	sessions *sessions.Manager
	log      *slog.Logger
	metrics  metrics.Sink
	info     ServerInfo

	mu            sync.RWMutex
	handlers      map[string]HandlerFunc
	notifications map[string]NotificationFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// WithMetrics attaches an instrumentation sink.
func WithMetrics(s metrics.Sink) Option {
	return func(d *Dispatcher) { d.metrics = s }
}

// WithServerInfo sets the identity reported in the handshake result.
func WithServerInfo(info ServerInfo) Option {
	return func(d *Dispatcher) { d.info = info }
}

// NewDispatcher constructs a Dispatcher over the session manager.
func NewDispatcher(sm *sessions.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions:      sm,
		log:           slog.Default(),
		info:          ServerInfo{Name: "streamplex", Version: "dev"},
		handlers:      make(map[string]HandlerFunc),
		notifications: make(map[string]NotificationFunc),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func reservedMethod(method string) bool {
	return method == MethodInitialize || method == MethodInitialized || method == MethodPing
}

// Handle registers a request handler. Panics on a duplicate or reserved
// method name, which is a programming error.
func (d *Dispatcher) Handle(method string, fn HandlerFunc) {
	if reservedMethod(method) {
		panic(fmt.Sprintf("dispatch: method %q is reserved", method))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.handlers[method]; dup {
		panic(fmt.Sprintf("dispatch: duplicate handler for %q", method))
	}
	d.handlers[method] = fn
}

// HandleNotification registers a notification consumer. Panics on a duplicate
// or reserved method name.
func (d *Dispatcher) HandleNotification(method string, fn NotificationFunc) {
	if reservedMethod(method) {
		panic(fmt.Sprintf("dispatch: method %q is reserved", method))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.notifications[method]; dup {
		panic(fmt.Sprintf("dispatch: duplicate notification handler for %q", method))
	}
	d.notifications[method] = fn
}

// InitializeSession performs the handshake: it negotiates a protocol feature
// set, creates the session bound to userID, and returns the session together
// with the handshake response. This is the only path that creates sessions.
func (d *Dispatcher) InitializeSession(ctx context.Context, userID string, req *jsonrpc.Request) (*sessions.Session, *jsonrpc.Response, error) {
	if req.Method != MethodInitialize {
		return nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeSessionNotFound,
			"a session is required for this method", nil), nil
	}

	var params InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams,
				"malformed initialize params", nil), nil
		}
	}

	features := protocol.Negotiate(params.ProtocolVersion)
	sess, err := d.sessions.CreateSession(ctx, userID, features)
	if err != nil {
		return nil, nil, fmt.Errorf("create session: %w", err)
	}
	if err := d.sessions.MarkInitialized(ctx, sess.ID()); err != nil {
		return nil, nil, fmt.Errorf("mark initialized: %w", err)
	}
	// Refresh so the returned snapshot reflects the transition.
	sess, err = d.sessions.Get(ctx, sess.ID())
	if err != nil {
		return nil, nil, fmt.Errorf("reload session: %w", err)
	}

	result := InitializeResult{
		ProtocolVersion: features.Version,
		Features:        features,
		ServerInfo:      d.info,
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		return nil, nil, fmt.Errorf("encode handshake result: %w", err)
	}

	d.count("handshakes")
	d.log.InfoContext(ctx, "dispatch.initialize.ok",
		slog.String("session_id", sess.ID()),
		slog.String("protocol_version", features.Version),
		slog.String("client", params.ClientInfo.Name))
	return sess, resp, nil
}

// DispatchRequest routes a request on an established session. It always
// returns a well-formed response: routing failures, lifecycle gates, and
// handler errors all come back as JSON-RPC error objects correlated to the
// request's ID.
func (d *Dispatcher) DispatchRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) *jsonrpc.Response {
	if req.Method == MethodPing {
		resp, err := jsonrpc.NewResultResponse(req.ID, struct{}{})
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
		}
		return resp
	}
	if req.Method == MethodInitialize {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeLifecycleViolation,
			"session already initialized", nil)
	}

	d.mu.RLock()
	fn := d.handlers[req.Method]
	d.mu.RUnlock()
	if fn == nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil)
	}

	if err := d.sessions.Ready(sess); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeLifecycleViolation,
			"session handshake not complete", nil)
	}

	result, err := fn(ctx, sess, req.Params)
	if err != nil {
		return d.errorResponse(ctx, req, err)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		d.log.ErrorContext(ctx, "dispatch.result.encode.fail",
			slog.String("method", req.Method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	d.count("requests_dispatched")
	return resp
}

// DispatchNotification consumes a notification. The lifecycle acknowledgment
// activates the session; everything else routes to registered consumers.
// Unknown methods and consumer errors are dropped silently toward the client.
func (d *Dispatcher) DispatchNotification(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) {
	if req.Method == MethodInitialized {
		if err := d.sessions.MarkActive(ctx, sess.ID()); err != nil {
			d.log.WarnContext(ctx, "dispatch.activate.fail",
				slog.String("session_id", sess.ID()), slog.String("err", err.Error()))
		}
		return
	}

	d.mu.RLock()
	fn := d.notifications[req.Method]
	d.mu.RUnlock()
	if fn == nil {
		d.log.DebugContext(ctx, "dispatch.notification.unknown",
			slog.String("method", req.Method))
		return
	}

	if err := d.sessions.Ready(sess); err != nil {
		d.log.DebugContext(ctx, "dispatch.notification.not_ready",
			slog.String("session_id", sess.ID()), slog.String("method", req.Method))
		return
	}

	if err := fn(ctx, sess, req.Params); err != nil {
		d.log.WarnContext(ctx, "dispatch.notification.fail",
			slog.String("method", req.Method), slog.String("err", err.Error()))
		return
	}
	d.count("notifications_dispatched")
}

// errorResponse converts a handler error to the wire. Typed domain errors
// select their code; session errors map to the server range; anything else is
// reported as a bare internal error so internals never leak to clients.
func (d *Dispatcher) errorResponse(ctx context.Context, req *jsonrpc.Request, err error) *jsonrpc.Response {
	var domErr *Error
	switch {
	case errors.As(err, &domErr):
		return jsonrpc.NewErrorResponse(req.ID, domErr.Kind.wireCode(), domErr.Message, domErr.Data)
	case errors.Is(err, sessions.ErrSessionNotFound):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeSessionNotFound, "session not found", nil)
	case errors.Is(err, sessions.ErrLifecycleViolation):
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeLifecycleViolation, "session handshake not complete", nil)
	default:
		d.log.ErrorContext(ctx, "dispatch.handler.fail",
			slog.String("method", req.Method), slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
}

func (d *Dispatcher) count(name string) {
	if d.metrics != nil {
		d.metrics.IncCounter(name, nil)
	}
}
