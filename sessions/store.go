package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
)

// Store is the persistence contract for session records and their buffered
// event logs. Implementations live in sessions/memorystore, sessions/
// redisstore, and sessions/pgstore; the rest of the core depends only on
// this interface.
//
// Implementations must provide per-session consistency: Mutate applies its
// function against a current read of the record with no interleaved writer,
// and AppendEvent allocates strictly monotonic per-session IDs starting at 1.
// Unrelated sessions must not contend on a shared lock beyond map access.
type Store interface {
	// Create persists a new record. It fails if the ID already exists.
	Create(ctx context.Context, rec *Record) error

	// Get returns a copy of the record or ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// Mutate atomically applies fn to the current record and persists the
	// result. If fn returns an error, nothing is written and that error is
	// returned. Returns ErrSessionNotFound for unknown sessions.
	Mutate(ctx context.Context, sessionID string, fn func(*Record) error) error

	// Touch stamps the record's LastActivity with the backend's current
	// time. Cheaper than Mutate for the hot path.
	Touch(ctx context.Context, sessionID string) error

	// Delete removes the record and its event log. Deleting an unknown
	// session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// ListIDs enumerates all stored session IDs.
	ListIDs(ctx context.Context) ([]string, error)

	// AppendEvent appends an event to the session's log, allocating the next
	// per-session ID, and trims the log oldest-first to at most limit
	// entries. Appending to an unknown session returns ErrSessionNotFound.
	AppendEvent(ctx context.Context, sessionID string, payload []byte, limit int) (uint64, error)

	// ListEventsSince returns buffered events with ID > afterID in ascending
	// order. When afterID predates the oldest retained event (and is not the
	// immediate predecessor of it), it returns ErrReplayGap: the gap must be
	// surfaced, never silently skipped.
	ListEventsSince(ctx context.Context, sessionID string, afterID uint64) ([]Event, error)

	// Close releases backend resources.
	Close() error
}

// ErrTransient marks a storage failure that is worth retrying: a dropped
// connection, a timeout, a failover blip. Backends wrap such errors with
// Transient; everything else surfaces immediately.
var ErrTransient = errors.New("transient storage error")

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

const (
	storeRetryAttempts = 3
	storeRetryDelay    = 25 * time.Millisecond
)

// WithRetry runs fn, retrying transient storage errors a bounded number of
// times with backoff. Callers must not hold any in-process lock across the
// call. Non-transient errors and retry exhaustion surface to the caller.
func WithRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(storeRetryAttempts),
		retry.Delay(storeRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
	)
}
