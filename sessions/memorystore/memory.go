// Package memorystore provides an in-memory sessions.Store suitable for
// single-node deployments and tests. State is process-local; nothing
// survives a restart.
package memorystore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streamplex/streamplex/sessions"
)

// Store implements sessions.Store over process memory. The top-level mutex
// guards only the session map; each entry carries its own lock so unrelated
// sessions never contend.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	mu     sync.Mutex
	rec    sessions.Record
	nextID uint64
	events []sessions.Event
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{entries: make(map[string]*entry)}
}

func (s *Store) Create(ctx context.Context, rec *sessions.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memorystore: closed")
	}
	if _, exists := s.entries[rec.ID]; exists {
		return fmt.Errorf("memorystore: session %q already exists", rec.ID)
	}
	s.entries[rec.ID] = &entry{rec: cloneRecord(rec), nextID: 1}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := cloneRecord(&e.rec)
	return &rec, nil
}

func (s *Store) Mutate(ctx context.Context, sessionID string, fn func(*sessions.Record) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec := cloneRecord(&e.rec)
	if err := fn(&rec); err != nil {
		return err
	}
	e.rec = rec
	return nil
}

func (s *Store) Touch(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e, err := s.entry(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rec.LastActivity = time.Now().UTC()
	e.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, payload []byte, limit int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e, err := s.entry(sessionID)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ev := sessions.Event{
		ID:        e.nextID,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	}
	e.nextID++
	e.events = append(e.events, ev)
	if limit > 0 && len(e.events) > limit {
		// Evict oldest-first; IDs already handed out are never reused.
		e.events = append([]sessions.Event(nil), e.events[len(e.events)-limit:]...)
	}
	return ev.ID, nil
}

func (s *Store) ListEventsSince(ctx context.Context, sessionID string, afterID uint64) ([]sessions.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, err := s.entry(sessionID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) > 0 {
		oldest := e.events[0].ID
		if afterID+1 < oldest {
			return nil, sessions.ErrReplayGap
		}
	}
	var out []sessions.Event
	for _, ev := range e.events {
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.entries = make(map[string]*entry)
	s.mu.Unlock()
	return nil
}

func (s *Store) entry(sessionID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	return e, nil
}

func cloneRecord(rec *sessions.Record) sessions.Record {
	out := *rec
	if rec.Data != nil {
		out.Data = make(map[string]string, len(rec.Data))
		for k, v := range rec.Data {
			out.Data[k] = v
		}
	}
	return out
}

var _ sessions.Store = (*Store)(nil)
