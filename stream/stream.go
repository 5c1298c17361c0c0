// Package stream manages per-session event delivery: at most one live
// subscriber per session, bounded buffering with an explicit overflow policy,
// and resumption from the store's replay buffer by last-delivered event ID.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/streamplex/streamplex/metrics"
	"github.com/streamplex/streamplex/sessions"
)

const (
	defaultBufferSize        = 64
	defaultReplayLimit       = 256
	defaultHeartbeatInterval = 15 * time.Second
	defaultMaxStreams        = 1024
)

var (
	// ErrStreamLimit is returned by Attach when the configured cap on
	// concurrent live streams is already reached.
	ErrStreamLimit = errors.New("concurrent stream limit reached")
	// ErrStreamBusy is returned by Attach in reject mode when the session
	// already has a live subscriber.
	ErrStreamBusy = errors.New("session already has a live stream")
	// ErrSuperseded ends a subscription that was replaced by a newer stream
	// for the same session.
	ErrSuperseded = errors.New("stream superseded by a newer subscriber")
	// ErrSessionEnded ends a subscription whose session was removed under it.
	ErrSessionEnded = errors.New("session ended")
)

// Policy selects the behavior when a live delivery buffer is full.
type Policy int

const (
	// PolicyDropOldest evicts the oldest undelivered event to admit the new
	// one. The evicted event remains in the replay buffer, so a client that
	// notices the ID gap can resume with Last-Event-ID. Memory stays bounded
	// and publishers never stall on a slow consumer.
	PolicyDropOldest Policy = iota
	// PolicyBlock makes Publish wait until the subscriber drains or the
	// publisher's context ends.
	PolicyBlock
)

// Writer delivers frames to the client connection. The HTTP layer implements
// it over a flushing SSE writer.
type Writer interface {
	// WriteEvent emits one event frame carrying the event's ID.
	WriteEvent(ev sessions.Event) error
	// WriteHeartbeat emits a keep-alive frame. Heartbeats carry no ID and
	// never enter the replay buffer.
	WriteHeartbeat() error
}

// Manager owns live subscriptions and the publish path. Safe for concurrent
// use.
type Manager struct {
	store    sessions.Store
	sessions *sessions.Manager
	log      *slog.Logger
	metrics  metrics.Sink

	bufferSize  int
	replayLimit int
	heartbeat   time.Duration
	maxStreams  int
	policy      Policy
	rejectBusy  bool

	mu   sync.Mutex
	subs map[string]*Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics attaches an instrumentation sink.
func WithMetrics(s metrics.Sink) Option {
	return func(m *Manager) { m.metrics = s }
}

// WithBufferSize bounds the live delivery buffer per subscription.
func WithBufferSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

// WithReplayLimit bounds the per-session replay buffer in the store.
func WithReplayLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.replayLimit = n
		}
	}
}

// WithHeartbeatInterval sets the idle interval between keep-alive frames.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.heartbeat = d
		}
	}
}

// WithMaxConcurrentStreams caps live streams across all sessions.
func WithMaxConcurrentStreams(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxStreams = n
		}
	}
}

// WithPolicy selects the full-buffer behavior for Publish.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithRejectBusy makes Attach refuse a second stream for a session instead of
// superseding the first.
func WithRejectBusy() Option {
	return func(m *Manager) { m.rejectBusy = true }
}

// NewManager constructs a stream manager over the given store and session
// manager, and registers itself so removed sessions detach their subscriber
// immediately.
func NewManager(store sessions.Store, sm *sessions.Manager, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		sessions:    sm,
		log:         slog.Default(),
		bufferSize:  defaultBufferSize,
		replayLimit: defaultReplayLimit,
		heartbeat:   defaultHeartbeatInterval,
		maxStreams:  defaultMaxStreams,
		subs:        make(map[string]*Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	sm.OnDrop(m.DropSession)
	return m
}

// Subscription is one live stream for one session. Obtain via Attach and
// drive with Serve; the subscription is single-use.
type Subscription struct {
	mgr       *Manager
	sessionID string
	heartbeat time.Duration

	replay        []sessions.Event
	lastDelivered uint64

	ch chan sessions.Event

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// SessionID identifies the session this subscription serves.
func (s *Subscription) SessionID() string { return s.sessionID }

// Attach validates the session, resolves the resume point, and registers a
// live subscription. lastEventID nil means a fresh stream with no replay;
// otherwise buffered events after lastEventID are queued for replay and
// ErrReplayGap is reported when that span is no longer retained. A prior
// subscriber for the session is superseded unless reject mode is configured.
func (m *Manager) Attach(ctx context.Context, sessionID string, lastEventID *uint64) (*Subscription, error) {
	if _, err := m.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	var resumeFrom uint64
	if lastEventID != nil {
		resumeFrom = *lastEventID
	}

	sub := &Subscription{
		mgr:           m,
		sessionID:     sessionID,
		heartbeat:     m.heartbeat,
		lastDelivered: resumeFrom,
		ch:            make(chan sessions.Event, m.bufferSize),
		closed:        make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.subs[sessionID]
	if prev != nil && m.rejectBusy {
		m.mu.Unlock()
		return nil, ErrStreamBusy
	}
	if prev == nil && len(m.subs) >= m.maxStreams {
		m.mu.Unlock()
		return nil, ErrStreamLimit
	}
	m.subs[sessionID] = sub
	m.mu.Unlock()

	if prev != nil {
		// Superseding swaps the slot, so the live count is unchanged.
		prev.close(ErrSuperseded)
	} else {
		m.gaugeLive(+1)
	}

	// Snapshot the replay span with the subscription already registered: an
	// event published meanwhile lands in the snapshot, the live channel, or
	// both, and Serve's last-delivered check absorbs the overlap.
	if lastEventID != nil {
		err := sessions.WithRetry(ctx, func() error {
			var err error
			sub.replay, err = m.store.ListEventsSince(ctx, sessionID, resumeFrom)
			return err
		})
		if err != nil {
			m.detach(sub)
			sub.close(err)
			return nil, err
		}
	}

	m.log.InfoContext(ctx, "sse.stream.start",
		slog.String("session_id", sessionID),
		slog.Uint64("resume_from", resumeFrom),
		slog.Int("replay", len(sub.replay)))
	return sub, nil
}

// Publish appends the payload to the session's replay buffer and delivers it
// to the live subscriber, if any. Returns the assigned event ID. Delivery to
// a full buffer follows the configured policy; with drop-oldest the publisher
// never blocks and the evicted event remains resumable.
func (m *Manager) Publish(ctx context.Context, sessionID string, payload []byte) (uint64, error) {
	var id uint64
	err := sessions.WithRetry(ctx, func() error {
		var err error
		id, err = m.store.AppendEvent(ctx, sessionID, payload, m.replayLimit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	m.count("events_published", nil)

	m.mu.Lock()
	sub := m.subs[sessionID]
	m.mu.Unlock()
	if sub == nil {
		return id, nil
	}

	ev := sessions.Event{ID: id, Payload: payload, CreatedAt: time.Now().UTC()}
	if err := m.deliver(ctx, sub, ev); err != nil {
		// The event is persisted; a failed live delivery only means the
		// subscriber is gone or the publisher gave up waiting.
		m.log.DebugContext(ctx, "sse.deliver.skip",
			slog.String("session_id", sessionID),
			slog.Uint64("event_id", id),
			slog.String("reason", err.Error()))
	}
	return id, nil
}

func (m *Manager) deliver(ctx context.Context, sub *Subscription, ev sessions.Event) error {
	if m.policy == PolicyBlock {
		select {
		case sub.ch <- ev:
			return nil
		case <-sub.closed:
			return ErrSessionEnded
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case sub.ch <- ev:
			return nil
		case <-sub.closed:
			return ErrSessionEnded
		default:
		}
		// Full buffer: evict the oldest undelivered event and retry. It is
		// still in the replay buffer, so the client can resume across the gap.
		select {
		case dropped := <-sub.ch:
			m.count("events_dropped", nil)
			m.log.DebugContext(ctx, "sse.deliver.drop_oldest",
				slog.String("session_id", sub.sessionID),
				slog.Uint64("event_id", dropped.ID))
		default:
		}
	}
}

// DropSession detaches and closes the session's live subscriber, if any.
// Registered with the session manager so expiry and explicit deletes take
// effect without waiting for the next write.
func (m *Manager) DropSession(sessionID string) {
	m.mu.Lock()
	sub := m.subs[sessionID]
	if sub != nil {
		delete(m.subs, sessionID)
	}
	m.mu.Unlock()

	if sub != nil {
		sub.close(ErrSessionEnded)
		m.gaugeLive(-1)
	}
}

// LiveStreams reports the number of attached subscribers.
func (m *Manager) LiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// detach releases the subscription's slot. The map entry may already point at
// a superseding subscription, which must not be disturbed.
func (m *Manager) detach(sub *Subscription) {
	m.mu.Lock()
	removed := false
	if m.subs[sub.sessionID] == sub {
		delete(m.subs, sub.sessionID)
		removed = true
	}
	m.mu.Unlock()
	if removed {
		m.gaugeLive(-1)
	}
}

func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		close(s.closed)
	})
}

// Serve replays buffered events past the resume point, then delivers live
// events in ID order, emitting a heartbeat whenever the stream has been idle
// for the heartbeat interval. Events at or below the last delivered ID are
// suppressed, so the replay/live seam never duplicates. Returns nil when ctx
// ends (client disconnect), ErrSessionEnded when the session is removed, and
// ErrSuperseded when a newer stream takes over. The subscriber slot is
// released on return.
func (s *Subscription) Serve(ctx context.Context, w Writer) error {
	defer s.mgr.detach(s)
	defer s.close(nil)

	for _, ev := range s.replay {
		if ev.ID <= s.lastDelivered {
			continue
		}
		if err := w.WriteEvent(ev); err != nil {
			return fmt.Errorf("write replayed event: %w", err)
		}
		s.lastDelivered = ev.ID
		s.mgr.count("events_replayed", nil)
	}
	s.replay = nil

	hb := time.NewTicker(s.heartbeat)
	defer hb.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.closed:
			return s.closeErr
		case ev := <-s.ch:
			if ev.ID <= s.lastDelivered {
				continue
			}
			if err := w.WriteEvent(ev); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
			s.lastDelivered = ev.ID
			hb.Reset(s.heartbeat)
		case <-hb.C:
			if err := w.WriteHeartbeat(); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		}
	}
}

func (m *Manager) count(name string, tags map[string]string) {
	if m.metrics != nil {
		m.metrics.IncCounter(name, tags)
	}
}

func (m *Manager) gaugeLive(delta int) {
	if m.metrics != nil {
		m.metrics.AddGauge("live_streams", float64(delta), nil)
	}
}
