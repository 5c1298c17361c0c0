// Package notify builds server-initiated JSON-RPC notifications and fans
// them out over session streams.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streamplex/streamplex/internal/jsonrpc"
	"github.com/streamplex/streamplex/metrics"
	"github.com/streamplex/streamplex/sessions"
	"github.com/streamplex/streamplex/stream"
)

// Broadcaster is the application-facing notification API. Safe for
// concurrent use.
type Broadcaster struct {
	sessions *sessions.Manager
	streams  *stream.Manager
	log      *slog.Logger
	metrics  metrics.Sink
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.log = l
		}
	}
}

// WithMetrics attaches an instrumentation sink.
func WithMetrics(s metrics.Sink) Option {
	return func(b *Broadcaster) { b.metrics = s }
}

// NewBroadcaster constructs a Broadcaster over the session and stream
// managers.
func NewBroadcaster(sm *sessions.Manager, st *stream.Manager, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		sessions: sm,
		streams:  st,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func encodeNotification(method string, params any) ([]byte, error) {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return nil, fmt.Errorf("build notification %q: %w", method, err)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal notification %q: %w", method, err)
	}
	return payload, nil
}

// SendToSession delivers one notification to one session. A session that has
// meanwhile expired or been removed is a soft failure: it is logged at debug
// level and reported as success, since the recipient is simply gone.
func (b *Broadcaster) SendToSession(ctx context.Context, sessionID, method string, params any) error {
	payload, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	if _, err := b.streams.Publish(ctx, sessionID, payload); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			b.log.DebugContext(ctx, "notify.send.gone",
				slog.String("session_id", sessionID),
				slog.String("method", method))
			return nil
		}
		return fmt.Errorf("publish notification %q: %w", method, err)
	}
	b.count("notifications_sent")
	return nil
}

// Broadcast delivers one notification to every active session and returns the
// number of sessions it reached. Per-session failures are logged and skipped;
// they never abort the remainder. A deployment with zero active sessions is
// not an error.
func (b *Broadcaster) Broadcast(ctx context.Context, method string, params any) (int, error) {
	payload, err := encodeNotification(method, params)
	if err != nil {
		return 0, err
	}

	ids, err := b.sessions.ActiveIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate sessions: %w", err)
	}

	delivered := 0
	for _, id := range ids {
		if _, err := b.streams.Publish(ctx, id, payload); err != nil {
			if !errors.Is(err, sessions.ErrSessionNotFound) {
				b.log.WarnContext(ctx, "notify.broadcast.skip",
					slog.String("session_id", id),
					slog.String("method", method),
					slog.String("err", err.Error()))
			}
			continue
		}
		delivered++
	}
	b.count("broadcasts")
	b.log.InfoContext(ctx, "notify.broadcast.ok",
		slog.String("method", method),
		slog.Int("delivered", delivered))
	return delivered, nil
}

func (b *Broadcaster) count(name string) {
	if b.metrics != nil {
		b.metrics.IncCounter(name, nil)
	}
}
