package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamplex/streamplex/metrics"
	"github.com/streamplex/streamplex/protocol"
)

const (
	defaultSessionExpiry   = 30 * time.Minute
	defaultCleanupInterval = 60 * time.Second
	defaultTouchDebounce   = 2 * time.Second
)

// errSessionFresh aborts an expiry Mutate without writing anything.
var errSessionFresh = errors.New("session still fresh")

// Manager owns session identity and lifecycle. It is process-scoped state:
// construct one per server instance and hand it to the components that need
// it. Safe for concurrent use.
type Manager struct {
	store   Store
	log     *slog.Logger
	metrics metrics.Sink

	expiry          time.Duration
	cleanupInterval time.Duration
	strict          bool
	touchDebounce   time.Duration

	lastTouchMu sync.Mutex
	lastTouch   map[string]time.Time

	dropMu    sync.Mutex
	dropHooks []func(sessionID string)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics attaches an instrumentation sink.
func WithMetrics(s metrics.Sink) ManagerOption {
	return func(m *Manager) { m.metrics = s }
}

// WithSessionExpiry sets the idle window after which a session expires.
func WithSessionExpiry(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.expiry = d
		}
	}
}

// WithCleanupInterval sets the sweep cadence.
func WithCleanupInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.cleanupInterval = d
		}
	}
}

// WithStrictLifecycle gates all non-handshake operations until the client's
// initialized acknowledgment has been received.
func WithStrictLifecycle() ManagerOption {
	return func(m *Manager) { m.strict = true }
}

// WithTouchDebounce suppresses redundant Touch writes within d of each other.
// Zero disables debouncing.
func WithTouchDebounce(d time.Duration) ManagerOption {
	return func(m *Manager) { m.touchDebounce = d }
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:           store,
		log:             slog.Default(),
		expiry:          defaultSessionExpiry,
		cleanupInterval: defaultCleanupInterval,
		touchDebounce:   defaultTouchDebounce,
		lastTouch:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StrictLifecycle reports whether strict lifecycle gating is enabled.
func (m *Manager) StrictLifecycle() bool { return m.strict }

// Expiry returns the configured idle expiry window.
func (m *Manager) Expiry() time.Duration { return m.expiry }

// OnDrop registers a hook invoked whenever a session is removed, whether by
// the expiry sweep or an explicit delete. The stream manager registers here
// so live subscribers are detached without waiting for a sweep.
func (m *Manager) OnDrop(fn func(sessionID string)) {
	m.dropMu.Lock()
	m.dropHooks = append(m.dropHooks, fn)
	m.dropMu.Unlock()
}

// CreateSession allocates a new time-ordered identifier, persists the initial
// record in StateNew, and returns a snapshot. Identifier uniqueness holds
// across concurrent calls by construction (UUIDv7).
func (m *Manager) CreateSession(ctx context.Context, userID string, features protocol.FeatureSet) (*Session, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("allocate session id: %w", err)
	}
	now := time.Now().UTC()
	rec := &Record{
		ID:              id.String(),
		UserID:          userID,
		CreatedAt:       now,
		LastActivity:    now,
		ProtocolVersion: features.Version,
		Features:        features,
		State:           StateNew,
		Data:            map[string]string{},
	}
	if err := WithRetry(ctx, func() error { return m.store.Create(ctx, rec) }); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	m.count("sessions_created", nil)
	m.log.InfoContext(ctx, "session.create.ok", slog.String("session_id", rec.ID))
	return &Session{rec: *rec, mgr: m}, nil
}

// Load fetches a session and verifies the caller's user binding. Sessions
// past their idle expiry are reported as not found even before the sweep
// removes them.
func (m *Manager) Load(ctx context.Context, sessionID, userID string) (*Session, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.rec.UserID != userID {
		return nil, ErrSessionUserMismatch
	}
	return sess, nil
}

// Get fetches a session without a user binding check. Internal callers that
// already trust the session ID (stream attach, dispatch reloads) use this;
// anything facing a client credential goes through Load.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	return m.load(ctx, sessionID)
}

func (m *Manager) load(ctx context.Context, sessionID string) (*Session, error) {
	var rec *Record
	err := WithRetry(ctx, func() error {
		var err error
		rec, err = m.store.Get(ctx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec.State == StateExpired || m.pastExpiry(rec) {
		return nil, ErrSessionNotFound
	}
	return &Session{rec: *rec, mgr: m}, nil
}

// Touch refreshes the session's last-activity timestamp, resetting the
// expiry clock. Writes within the debounce window of a previous touch are
// skipped.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	if m.touchDebounce > 0 {
		now := time.Now()
		m.lastTouchMu.Lock()
		if last, ok := m.lastTouch[sessionID]; ok && now.Sub(last) < m.touchDebounce {
			m.lastTouchMu.Unlock()
			return nil
		}
		m.lastTouch[sessionID] = now
		m.lastTouchMu.Unlock()
	}
	return WithRetry(ctx, func() error { return m.store.Touch(ctx, sessionID) })
}

// MarkInitialized records completion of the handshake response. Idempotent
// for sessions that already progressed further.
func (m *Manager) MarkInitialized(ctx context.Context, sessionID string) error {
	return m.transition(ctx, sessionID, StateInitialized, StateNew)
}

// MarkActive records the client's initialized acknowledgment. Idempotent for
// already-active sessions.
func (m *Manager) MarkActive(ctx context.Context, sessionID string) error {
	return m.transition(ctx, sessionID, StateActive, StateNew, StateInitialized)
}

func (m *Manager) transition(ctx context.Context, sessionID string, to State, from ...State) error {
	return WithRetry(ctx, func() error {
		return m.store.Mutate(ctx, sessionID, func(r *Record) error {
			if r.State == to || (to == StateInitialized && r.State == StateActive) {
				return nil
			}
			for _, f := range from {
				if r.State == f {
					r.State = to
					r.LastActivity = time.Now().UTC()
					return nil
				}
			}
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.State, to)
		})
	})
}

// Ready reports whether non-handshake operations are admissible for the
// session. In strict lifecycle mode a session must be active; otherwise the
// completed handshake (initialized) is enough.
func (m *Manager) Ready(sess *Session) error {
	switch sess.State() {
	case StateActive:
		return nil
	case StateInitialized:
		if m.strict {
			return ErrLifecycleViolation
		}
		return nil
	default:
		return ErrLifecycleViolation
	}
}

// Delete removes the session and its buffered events, detaching any live
// subscriber first. Deleting an unknown session is not an error, but a store
// failure that leaves the record behind is.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.dropSession(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	m.count("sessions_deleted", nil)
	m.log.InfoContext(ctx, "session.delete.ok", slog.String("session_id", sessionID))
	return nil
}

// ActiveIDs enumerates sessions eligible for fan-out delivery: handshake
// complete and not past expiry.
func (m *Manager) ActiveIDs(ctx context.Context) ([]string, error) {
	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		rec, err := m.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if rec.State != StateInitialized && rec.State != StateActive {
			continue
		}
		if m.pastExpiry(rec) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// Run drives the periodic cleanup sweep until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.log.ErrorContext(ctx, "session.sweep.fail", slog.String("err", err.Error()))
			} else if n > 0 {
				m.log.InfoContext(ctx, "session.sweep.ok", slog.Int("removed", n))
			}
		}
	}
}

// Sweep expires and removes every session whose idle window has lapsed. The
// expiry decision is a compare-and-transition against the store's current
// record, so a concurrent Touch and a Sweep cannot reach opposite
// conclusions from stale reads. Safe to run concurrently with request
// handling and with other sweeps; idempotent.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	ids, err := m.store.ListIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	removed := 0
	for _, id := range ids {
		err := WithRetry(ctx, func() error {
			return m.store.Mutate(ctx, id, func(r *Record) error {
				if !m.pastExpiry(r) {
					return errSessionFresh
				}
				r.State = StateExpired
				return nil
			})
		})
		if errors.Is(err, errSessionFresh) || errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			m.log.WarnContext(ctx, "session.sweep.mutate.fail",
				slog.String("session_id", id), slog.String("err", err.Error()))
			continue
		}

		m.dropSession(ctx, id)
		m.count("sessions_expired", nil)
		removed++
		m.log.InfoContext(ctx, "session.sweep.expire", slog.String("session_id", id))
	}
	return removed, nil
}

// dropSession detaches the session's stream (closing any live subscriber)
// and deletes the record. No session data is readable once this begins.
// Returns the store's delete error, if any.
func (m *Manager) dropSession(ctx context.Context, sessionID string) error {
	m.dropMu.Lock()
	hooks := make([]func(string), len(m.dropHooks))
	copy(hooks, m.dropHooks)
	m.dropMu.Unlock()
	for _, fn := range hooks {
		fn(sessionID)
	}

	err := WithRetry(ctx, func() error { return m.store.Delete(ctx, sessionID) })
	if err != nil {
		m.log.WarnContext(ctx, "session.remove.fail",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}

	m.lastTouchMu.Lock()
	delete(m.lastTouch, sessionID)
	m.lastTouchMu.Unlock()
	return err
}

func (m *Manager) pastExpiry(r *Record) bool {
	return time.Since(r.LastActivity) > m.expiry
}

func (m *Manager) count(name string, tags map[string]string) {
	if m.metrics != nil {
		m.metrics.IncCounter(name, tags)
	}
}

// PutData stores a key in the session's application state.
func (s *Session) PutData(ctx context.Context, key, value string) error {
	return WithRetry(ctx, func() error {
		return s.mgr.store.Mutate(ctx, s.rec.ID, func(r *Record) error {
			if r.Data == nil {
				r.Data = map[string]string{}
			}
			r.Data[key] = value
			return nil
		})
	})
}

// GetData reads a key from the session's application state.
func (s *Session) GetData(ctx context.Context, key string) (string, bool, error) {
	rec, err := s.mgr.store.Get(ctx, s.rec.ID)
	if err != nil {
		return "", false, err
	}
	v, ok := rec.Data[key]
	return v, ok, nil
}

// DeleteData removes a key from the session's application state.
func (s *Session) DeleteData(ctx context.Context, key string) error {
	return WithRetry(ctx, func() error {
		return s.mgr.store.Mutate(ctx, s.rec.ID, func(r *Record) error {
			delete(r.Data, key)
			return nil
		})
	})
}
