package sessions_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/streamplex/streamplex/protocol"
	"github.com/streamplex/streamplex/sessions"
	"github.com/streamplex/streamplex/sessions/memorystore"
)

func newManager(t *testing.T, opts ...sessions.ManagerOption) *sessions.Manager {
	t.Helper()
	st := memorystore.New()
	t.Cleanup(func() { _ = st.Close() })
	return sessions.NewManager(st, opts...)
}

func latestFeatures() protocol.FeatureSet {
	return protocol.Negotiate(protocol.VersionLatest)
}

func TestCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	sess, err := mgr.CreateSession(ctx, "user-1", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.ID() == "" {
		t.Fatal("expected a non-empty session id")
	}
	if sess.State() != sessions.StateNew {
		t.Fatalf("state = %q, want %q", sess.State(), sessions.StateNew)
	}
	if sess.ProtocolVersion() != protocol.VersionLatest {
		t.Fatalf("protocol version = %q, want %q", sess.ProtocolVersion(), protocol.VersionLatest)
	}

	got, err := mgr.Load(ctx, sess.ID(), "user-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID() != sess.ID() {
		t.Fatalf("loaded id %q, want %q", got.ID(), sess.ID())
	}
}

func TestSessionIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	const n = 50
	var (
		mu  sync.Mutex
		ids = make(map[string]bool, n)
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
			if err != nil {
				t.Errorf("CreateSession: %v", err)
				return
			}
			mu.Lock()
			ids[sess.ID()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != n {
		t.Fatalf("got %d distinct ids, want %d", len(ids), n)
	}
}

func TestLoadEnforcesUserBinding(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	sess, err := mgr.CreateSession(ctx, "alice", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := mgr.Load(ctx, sess.ID(), "mallory"); !errors.Is(err, sessions.ErrSessionUserMismatch) {
		t.Fatalf("Load as wrong user: got %v, want ErrSessionUserMismatch", err)
	}
}

func TestGetSkipsUserBinding(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	sess, err := mgr.CreateSession(ctx, "alice", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Get serves internal callers that hold only the session ID; the user
	// binding is Load's concern.
	got, err := mgr.Get(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Get on user-bound session: %v", err)
	}
	if got.UserID() != "alice" {
		t.Fatalf("user id = %q, want alice", got.UserID())
	}

	if _, err := mgr.Load(ctx, sess.ID(), ""); !errors.Is(err, sessions.ErrSessionUserMismatch) {
		t.Fatalf("anonymous Load of a bound session: got %v, want ErrSessionUserMismatch", err)
	}
}

func TestLoadUnknownSession(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	if _, err := mgr.Load(ctx, "no-such-session", ""); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := mgr.MarkInitialized(ctx, sess.ID()); err != nil {
		t.Fatalf("MarkInitialized: %v", err)
	}
	// Repeating the same transition is a no-op.
	if err := mgr.MarkInitialized(ctx, sess.ID()); err != nil {
		t.Fatalf("MarkInitialized twice: %v", err)
	}

	if err := mgr.MarkActive(ctx, sess.ID()); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}
	if err := mgr.MarkActive(ctx, sess.ID()); err != nil {
		t.Fatalf("MarkActive twice: %v", err)
	}
	// MarkInitialized after activation stays a no-op rather than regressing.
	if err := mgr.MarkInitialized(ctx, sess.ID()); err != nil {
		t.Fatalf("MarkInitialized after active: %v", err)
	}

	got, err := mgr.Get(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State() != sessions.StateActive {
		t.Fatalf("state = %q, want %q", got.State(), sessions.StateActive)
	}
}

func TestReadyGating(t *testing.T) {
	ctx := context.Background()

	t.Run("default mode admits initialized", func(t *testing.T) {
		mgr := newManager(t)
		sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := mgr.Ready(sess); !errors.Is(err, sessions.ErrLifecycleViolation) {
			t.Fatalf("Ready on new session: got %v, want ErrLifecycleViolation", err)
		}

		if err := mgr.MarkInitialized(ctx, sess.ID()); err != nil {
			t.Fatalf("MarkInitialized: %v", err)
		}
		sess, err = mgr.Get(ctx, sess.ID())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if err := mgr.Ready(sess); err != nil {
			t.Fatalf("Ready on initialized session: %v", err)
		}
	})

	t.Run("strict mode requires active", func(t *testing.T) {
		mgr := newManager(t, sessions.WithStrictLifecycle())
		sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if err := mgr.MarkInitialized(ctx, sess.ID()); err != nil {
			t.Fatalf("MarkInitialized: %v", err)
		}
		sess, err = mgr.Get(ctx, sess.ID())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if err := mgr.Ready(sess); !errors.Is(err, sessions.ErrLifecycleViolation) {
			t.Fatalf("Ready before acknowledgment: got %v, want ErrLifecycleViolation", err)
		}

		if err := mgr.MarkActive(ctx, sess.ID()); err != nil {
			t.Fatalf("MarkActive: %v", err)
		}
		sess, err = mgr.Get(ctx, sess.ID())
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if err := mgr.Ready(sess); err != nil {
			t.Fatalf("Ready after acknowledgment: %v", err)
		}
	})
}

func TestTouchResetsExpiry(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t,
		sessions.WithSessionExpiry(150*time.Millisecond),
		sessions.WithTouchDebounce(0),
	)

	sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := mgr.MarkActive(ctx, sess.ID()); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	// Keep touching past the original deadline; the session must survive.
	for i := 0; i < 4; i++ {
		time.Sleep(60 * time.Millisecond)
		if err := mgr.Touch(ctx, sess.ID()); err != nil {
			t.Fatalf("Touch %d: %v", i, err)
		}
	}
	if _, err := mgr.Get(ctx, sess.ID()); err != nil {
		t.Fatalf("session expired despite activity: %v", err)
	}

	// Now let it lapse.
	time.Sleep(200 * time.Millisecond)
	if _, err := mgr.Get(ctx, sess.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound after idle window", err)
	}
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	t.Cleanup(func() { _ = st.Close() })
	mgr := sessions.NewManager(st, sessions.WithSessionExpiry(50*time.Millisecond))

	stale, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	fresh, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	n, err := mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d sessions, want 1", n)
	}

	if _, err := st.Get(ctx, stale.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("stale record still present: %v", err)
	}
	if _, err := st.Get(ctx, fresh.ID()); err != nil {
		t.Fatalf("fresh record removed: %v", err)
	}

	// Sweeping again finds nothing; idempotent.
	n, err = mgr.Sweep(ctx)
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep removed %d, want 0", n)
	}
}

func TestSweepInvokesDropHooks(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t, sessions.WithSessionExpiry(30*time.Millisecond))

	var (
		mu      sync.Mutex
		dropped []string
	)
	mgr.OnDrop(func(id string) {
		mu.Lock()
		dropped = append(dropped, id)
		mu.Unlock()
	})

	sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	if _, err := mgr.Sweep(ctx); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(dropped) != 1 || dropped[0] != sess.ID() {
		t.Fatalf("drop hooks saw %v, want [%s]", dropped, sess.ID())
	}
}

func TestDeleteIsIdempotentAndSignalsHooks(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	var calls int
	mgr.OnDrop(func(string) { calls++ })

	sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := mgr.Delete(ctx, sess.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := mgr.Get(ctx, sess.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("got %v, want ErrSessionNotFound after delete", err)
	}
	// Deleting again must not fail.
	if err := mgr.Delete(ctx, sess.ID()); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if calls != 2 {
		t.Fatalf("drop hook ran %d times, want 2", calls)
	}
}

// brokenDeleteStore refuses every delete.
type brokenDeleteStore struct {
	sessions.Store
}

func (s *brokenDeleteStore) Delete(ctx context.Context, sessionID string) error {
	return errors.New("backend offline")
}

func TestDeleteSurfacesStoreFailure(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	t.Cleanup(func() { _ = st.Close() })
	mgr := sessions.NewManager(&brokenDeleteStore{Store: st})

	sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := mgr.Delete(ctx, sess.ID()); err == nil {
		t.Fatal("Delete reported success while the record survived")
	}
	if _, err := st.Get(ctx, sess.ID()); err != nil {
		t.Fatalf("record unexpectedly gone: %v", err)
	}
}

func TestActiveIDsFiltersByState(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	raw, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	_ = raw

	ready, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := mgr.MarkActive(ctx, ready.ID()); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	ids, err := mgr.ActiveIDs(ctx)
	if err != nil {
		t.Fatalf("ActiveIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != ready.ID() {
		t.Fatalf("ActiveIDs = %v, want [%s]", ids, ready.ID())
	}
}

func TestTouchDebounceSuppressesWrites(t *testing.T) {
	ctx := context.Background()
	st := memorystore.New()
	t.Cleanup(func() { _ = st.Close() })
	mgr := sessions.NewManager(st, sessions.WithTouchDebounce(time.Hour))

	sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := mgr.Touch(ctx, sess.ID()); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	before, err := st.Get(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	if err := mgr.Touch(ctx, sess.ID()); err != nil {
		t.Fatalf("debounced Touch: %v", err)
	}
	after, err := st.Get(ctx, sess.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !after.LastActivity.Equal(before.LastActivity) {
		t.Fatal("debounced touch still wrote last activity")
	}
}

func TestSessionData(t *testing.T) {
	ctx := context.Background()
	mgr := newManager(t)

	sess, err := mgr.CreateSession(ctx, "u", latestFeatures())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := sess.PutData(ctx, "cursor", "abc123"); err != nil {
		t.Fatalf("PutData: %v", err)
	}
	v, ok, err := sess.GetData(ctx, "cursor")
	if err != nil || !ok || v != "abc123" {
		t.Fatalf("GetData = (%q, %v, %v), want (abc123, true, nil)", v, ok, err)
	}

	if err := sess.DeleteData(ctx, "cursor"); err != nil {
		t.Fatalf("DeleteData: %v", err)
	}
	_, ok, err = sess.GetData(ctx, "cursor")
	if err != nil {
		t.Fatalf("GetData after delete: %v", err)
	}
	if ok {
		t.Fatal("key still present after DeleteData")
	}
}

func TestWithRetryRecoversTransientFailures(t *testing.T) {
	attempts := 0
	err := sessions.WithRetry(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return sessions.Transient(errors.New("backend hiccup"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithRetry: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("made %d attempts, want 3", attempts)
	}
}

func TestWithRetryDoesNotRetryPermanentErrors(t *testing.T) {
	attempts := 0
	wantErr := errors.New("bad input")
	err := sessions.WithRetry(context.Background(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if attempts != 1 {
		t.Fatalf("made %d attempts, want 1", attempts)
	}
}
