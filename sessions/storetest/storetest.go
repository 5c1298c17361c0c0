// Package storetest provides a conformance suite that every sessions.Store
// implementation must pass. Backend packages invoke RunStoreTests from their
// own tests with a factory for a fresh store.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/streamplex/streamplex/protocol"
	"github.com/streamplex/streamplex/sessions"
)

// Factory creates a fresh, empty store for one test. Cleanup is the test's
// responsibility via t.Cleanup.
type Factory func(t *testing.T) sessions.Store

// RunStoreTests runs the complete conformance suite against the factory.
func RunStoreTests(t *testing.T, factory Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, factory) })
	t.Run("CreateDuplicateFails", func(t *testing.T) { testCreateDuplicateFails(t, factory) })
	t.Run("GetUnknownSession", func(t *testing.T) { testGetUnknownSession(t, factory) })
	t.Run("TouchAdvancesLastActivity", func(t *testing.T) { testTouchAdvancesLastActivity(t, factory) })
	t.Run("MutateIsAtomic", func(t *testing.T) { testMutateIsAtomic(t, factory) })
	t.Run("MutateErrorWritesNothing", func(t *testing.T) { testMutateErrorWritesNothing(t, factory) })
	t.Run("DeleteIsIdempotent", func(t *testing.T) { testDeleteIsIdempotent(t, factory) })
	t.Run("ListIDs", func(t *testing.T) { testListIDs(t, factory) })
	t.Run("EventIDsAreMonotonicFromOne", func(t *testing.T) { testEventIDsMonotonic(t, factory) })
	t.Run("ListEventsSinceFiltersAndOrders", func(t *testing.T) { testListEventsSince(t, factory) })
	t.Run("EvictionSignalsReplayGap", func(t *testing.T) { testEvictionReplayGap(t, factory) })
	t.Run("EventsVanishWithSession", func(t *testing.T) { testEventsVanishWithSession(t, factory) })
}

func newRecord(id string) *sessions.Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	fs := protocol.Negotiate(protocol.VersionLatest)
	return &sessions.Record{
		ID:              id,
		UserID:          "user-1",
		CreatedAt:       now,
		LastActivity:    now,
		ProtocolVersion: fs.Version,
		Features:        fs,
		State:           sessions.StateNew,
		Data:            map[string]string{"k": "v"},
	}
}

func testCreateAndGet(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-create")
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != rec.ID || got.UserID != rec.UserID || got.State != sessions.StateNew {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if got.ProtocolVersion != protocol.VersionLatest || !got.Features.ExtendedMeta {
		t.Fatalf("feature set not preserved: %+v", got.Features)
	}
	if got.Data["k"] != "v" {
		t.Fatalf("data not preserved: %+v", got.Data)
	}
}

func testCreateDuplicateFails(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-dup")
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Create(ctx, rec); err == nil {
		t.Fatal("expected duplicate Create to fail")
	}
}

func testGetUnknownSession(t *testing.T, factory Factory) {
	st := factory(t)
	_, err := st.Get(context.Background(), "nope")
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testTouchAdvancesLastActivity(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-touch")
	rec.LastActivity = time.Now().UTC().Add(-time.Hour)
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Touch(ctx, rec.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActivity.After(rec.LastActivity) {
		t.Fatalf("LastActivity not advanced: %v", got.LastActivity)
	}

	if err := st.Touch(ctx, "nope"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Touch unknown: expected ErrSessionNotFound, got %v", err)
	}
}

func testMutateIsAtomic(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-mutate")
	rec.Data = map[string]string{"n": "0"}
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Concurrent increments must not lose updates.
	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				err := st.Mutate(ctx, rec.ID, func(r *sessions.Record) error {
					var n int
					fmt.Sscanf(r.Data["n"], "%d", &n)
					r.Data["n"] = fmt.Sprintf("%d", n+1)
					return nil
				})
				if err != nil {
					t.Errorf("Mutate: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Data["n"] != fmt.Sprintf("%d", workers*perWorker) {
		t.Fatalf("lost updates: n = %s, want %d", got.Data["n"], workers*perWorker)
	}
}

func testMutateErrorWritesNothing(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-mutate-err")
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	boom := errors.New("boom")
	err := st.Mutate(ctx, rec.ID, func(r *sessions.Record) error {
		r.State = sessions.StateExpired
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to surface, got %v", err)
	}
	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State != sessions.StateNew {
		t.Fatalf("aborted mutation was persisted: state = %s", got.State)
	}

	if err := st.Mutate(ctx, "nope", func(*sessions.Record) error { return nil }); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("Mutate unknown: expected ErrSessionNotFound, got %v", err)
	}
}

func testDeleteIsIdempotent(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-del")
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := st.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := st.Get(ctx, rec.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func testListIDs(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	want := map[string]bool{"sess-a": true, "sess-b": true, "sess-c": true}
	for id := range want {
		if err := st.Create(ctx, newRecord(id)); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	ids, err := st.ListIDs(ctx)
	if err != nil {
		t.Fatalf("ListIDs: %v", err)
	}
	if len(ids) != len(want) {
		t.Fatalf("ListIDs returned %d ids, want %d: %v", len(ids), len(want), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected id %q", id)
		}
	}
}

func testEventIDsMonotonic(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-events")
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 1; i <= 5; i++ {
		id, err := st.AppendEvent(ctx, rec.ID, []byte(fmt.Sprintf("ev-%d", i)), 100)
		if err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
		if id != uint64(i) {
			t.Fatalf("event id = %d, want %d", id, i)
		}
	}

	if _, err := st.AppendEvent(ctx, "nope", []byte("x"), 100); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("AppendEvent unknown: expected ErrSessionNotFound, got %v", err)
	}
}

func testListEventsSince(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-since")
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := st.AppendEvent(ctx, rec.ID, []byte(fmt.Sprintf("ev-%d", i)), 100); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	evs, err := st.ListEventsSince(ctx, rec.ID, 1)
	if err != nil {
		t.Fatalf("ListEventsSince: %v", err)
	}
	if len(evs) != 2 || evs[0].ID != 2 || evs[1].ID != 3 {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if string(evs[0].Payload) != "ev-2" {
		t.Fatalf("payload mismatch: %s", evs[0].Payload)
	}

	// Caught-up resume point yields nothing.
	evs, err = st.ListEventsSince(ctx, rec.ID, 3)
	if err != nil {
		t.Fatalf("ListEventsSince caught-up: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("expected no events, got %+v", evs)
	}
}

func testEvictionReplayGap(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-gap")
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Retain only two events: publishing three evicts event 1.
	for i := 1; i <= 3; i++ {
		if _, err := st.AppendEvent(ctx, rec.ID, []byte(fmt.Sprintf("ev-%d", i)), 2); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}

	if _, err := st.ListEventsSince(ctx, rec.ID, 0); !errors.Is(err, sessions.ErrReplayGap) {
		t.Fatalf("expected ErrReplayGap for afterID=0, got %v", err)
	}

	// Resuming from the eviction boundary is still continuous.
	evs, err := st.ListEventsSince(ctx, rec.ID, 1)
	if err != nil {
		t.Fatalf("ListEventsSince(1): %v", err)
	}
	if len(evs) != 2 || evs[0].ID != 2 || evs[1].ID != 3 {
		t.Fatalf("unexpected events after eviction: %+v", evs)
	}
}

func testEventsVanishWithSession(t *testing.T, factory Factory) {
	st := factory(t)
	ctx := context.Background()

	rec := newRecord("sess-vanish")
	if err := st.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.AppendEvent(ctx, rec.ID, []byte("ev"), 10); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := st.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.ListEventsSince(ctx, rec.ID, 0); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for deleted session's events, got %v", err)
	}
}
