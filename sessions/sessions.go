// Package sessions owns session identity and lifecycle for the streamable
// HTTP transport: creation, activity tracking, expiry, and the Store contract
// that pluggable persistence backends implement.
package sessions

import (
	"errors"
	"time"

	"github.com/streamplex/streamplex/protocol"
)

// State is the lifecycle state of a session.
//
// Transitions: new -> initialized -> active -> expired -> removed. The
// expired and removed states are terminal from the client's perspective; a
// removed session's ID is never resurrected.
type State string

const (
	// StateNew is a session whose handshake response has not been sent yet.
	StateNew State = "new"
	// StateInitialized is a session whose handshake completed but whose
	// client has not yet acknowledged with the initialized notification.
	StateInitialized State = "initialized"
	// StateActive is a fully established session.
	StateActive State = "active"
	// StateExpired marks a session the cleanup sweep has condemned. It is
	// transient: the sweep removes the record immediately after.
	StateExpired State = "expired"
)

var (
	// ErrSessionNotFound covers sessions that never existed, have expired,
	// or were removed.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionUserMismatch is returned when a session is loaded by a
	// different authenticated user than the one that created it.
	ErrSessionUserMismatch = errors.New("session user mismatch")
	// ErrLifecycleViolation is returned in strict lifecycle mode for
	// operations attempted before the client's initialized acknowledgment.
	ErrLifecycleViolation = errors.New("session lifecycle violation")
	// ErrReplayGap is returned when a requested resume point is older than
	// the oldest retained event, so continuity cannot be guaranteed.
	ErrReplayGap = errors.New("replay gap: requested events no longer buffered")
	// ErrInvalidTransition is returned by state transition helpers when the
	// current state does not admit the requested transition.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Record is the persisted form of a session. It is owned by the Manager;
// other components read it through Session snapshots.
type Record struct {
	ID              string              `json:"id"`
	UserID          string              `json:"userId,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	LastActivity    time.Time           `json:"lastActivity"`
	ProtocolVersion string              `json:"protocolVersion"`
	Features        protocol.FeatureSet `json:"features"`
	State           State               `json:"state"`
	Data            map[string]string   `json:"data,omitempty"`
}

// Event is one buffered unit of stream delivery. IDs are per-session,
// strictly monotonic, and start at 1. Events are immutable once appended.
type Event struct {
	ID        uint64    `json:"id"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is an immutable snapshot of a session record, plus access to the
// session-scoped key/value state. Snapshots do not observe later mutations;
// reload through the Manager to refresh.
type Session struct {
	rec Record
	mgr *Manager
}

func (s *Session) ID() string                    { return s.rec.ID }
func (s *Session) UserID() string                { return s.rec.UserID }
func (s *Session) CreatedAt() time.Time          { return s.rec.CreatedAt }
func (s *Session) LastActivity() time.Time       { return s.rec.LastActivity }
func (s *Session) ProtocolVersion() string       { return s.rec.ProtocolVersion }
func (s *Session) Features() protocol.FeatureSet { return s.rec.Features }
func (s *Session) State() State                  { return s.rec.State }
