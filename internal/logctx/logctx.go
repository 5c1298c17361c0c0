// Package logctx enriches slog records with request, session, and RPC
// metadata carried on the context, so call sites never thread those fields
// by hand.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends context-carried groups.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("user_id", sd.UserID),
			slog.String("protocol_version", sd.ProtocolVersion),
			slog.String("state", sd.State),
		))
	}
	if rm, ok := ctx.Value(rpcDataKey{}).(*RPCData); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", rm.Method),
			slog.String("id", rm.ID),
			slog.String("kind", rm.Kind),
		))
	}
	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one HTTP exchange.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a log record concerns.
type SessionData struct {
	SessionID       string
	UserID          string
	ProtocolVersion string
	State           string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcDataKey struct{}

// RPCData identifies the JSON-RPC message being processed.
type RPCData struct {
	Method string
	ID     string
	Kind   string
}

func WithRPCData(ctx context.Context, data *RPCData) context.Context {
	return context.WithValue(ctx, rpcDataKey{}, data)
}
