// Package redisstore provides a Redis-backed sessions.Store for horizontal
// deployments: session records as JSON strings, event logs as capped lists,
// and per-session ID counters.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/streamplex/streamplex/sessions"
)

// Config for the Redis store. Defaults can be loaded via envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, empty for none. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD"`
	// DB index. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for all keys. ENV: STREAMPLEX_REDIS_KEY_PREFIX
	KeyPrefix string `env:"STREAMPLEX_REDIS_KEY_PREFIX,default=streamplex:"`
	// KeyTTL bounds how long orphaned keys survive if the owning process
	// dies between expiry and delete. It must exceed the session expiry
	// window. ENV: STREAMPLEX_REDIS_KEY_TTL
	KeyTTL time.Duration `env:"STREAMPLEX_REDIS_KEY_TTL,default=24h"`
}

// Store implements sessions.Store over Redis.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New builds a Store and verifies connectivity with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "streamplex:"
	}
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 24 * time.Hour
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := cl.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewWithClient(cl, cfg.KeyPrefix, cfg.KeyTTL), nil
}

// NewWithClient wraps an existing client. Useful for tests and shared pools.
func NewWithClient(cl *redis.Client, prefix string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: cl, prefix: prefix, ttl: ttl}
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode redis config: %w", err)
	}
	return New(ctx, cfg)
}

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) recKey(id string) string    { return s.prefix + "rec:" + id }
func (s *Store) eventsKey(id string) string { return s.prefix + "events:" + id }
func (s *Store) seqKey(id string) string    { return s.prefix + "seq:" + id }

// createScript refuses to overwrite an existing record.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

func (s *Store) Create(ctx context.Context, rec *sessions.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	res, err := createScript.Run(ctx, s.client, []string{s.recKey(rec.ID)}, b, s.ttl.Milliseconds()).Int()
	if err != nil {
		return classify(err)
	}
	if res == 0 {
		return fmt.Errorf("redisstore: session %q already exists", rec.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Record, error) {
	b, err := s.client.Get(ctx, s.recKey(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, classify(err)
	}
	var rec sessions.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", sessionID, err)
	}
	return &rec, nil
}

const (
	mutateTxAttempts = 32
	mutateTxDelay    = time.Millisecond
	mutateTxMaxDelay = 50 * time.Millisecond
)

// Mutate applies fn under an optimistic WATCH transaction so concurrent
// writers never interleave on the same record. Lost WATCH races back off
// with jitter before retrying, so plain contention resolves instead of
// burning the attempt budget in a tight loop.
func (s *Store) Mutate(ctx context.Context, sessionID string, fn func(*sessions.Record) error) error {
	key := s.recKey(sessionID)
	var cbErr error
	txf := func(tx *redis.Tx) error {
		cbErr = nil
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				cbErr = sessions.ErrSessionNotFound
				return cbErr
			}
			return err
		}
		var rec sessions.Record
		if err := json.Unmarshal(b, &rec); err != nil {
			cbErr = fmt.Errorf("decode record %q: %w", sessionID, err)
			return cbErr
		}
		if err := fn(&rec); err != nil {
			cbErr = err
			return err
		}
		out, err := json.Marshal(&rec)
		if err != nil {
			cbErr = fmt.Errorf("marshal record: %w", err)
			return cbErr
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.ttl)
			return nil
		})
		return err
	}

	err := retry.Do(
		func() error {
			err := s.client.Watch(ctx, txf, key)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, redis.TxFailedErr):
				// Another writer won the race; re-read and retry.
				return err
			case cbErr != nil:
				// The mutation function (or record decode) failed; not an I/O
				// problem, so it must not be classified as transient.
				return cbErr
			default:
				return classify(err)
			}
		},
		retry.Context(ctx),
		retry.Attempts(mutateTxAttempts),
		retry.Delay(mutateTxDelay),
		retry.MaxDelay(mutateTxMaxDelay),
		retry.MaxJitter(mutateTxDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool { return errors.Is(err, redis.TxFailedErr) }),
		retry.LastErrorOnly(true),
	)
	if errors.Is(err, redis.TxFailedErr) {
		return sessions.Transient(fmt.Errorf("redisstore: mutate contention on %q", sessionID))
	}
	return err
}

func (s *Store) Touch(ctx context.Context, sessionID string) error {
	return s.Mutate(ctx, sessionID, func(r *sessions.Record) error {
		r.LastActivity = time.Now().UTC()
		return nil
	})
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	// Cleanup must proceed even when the caller's context is being torn down.
	c := context.WithoutCancel(ctx)
	err := s.client.Del(c, s.recKey(sessionID), s.eventsKey(sessionID), s.seqKey(sessionID)).Err()
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		ids    []string
	)
	pattern := s.prefix + "rec:*"
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, classify(err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, s.prefix+"rec:"))
		}
		if next == 0 {
			return ids, nil
		}
		cursor = next
	}
}

// appendScript allocates the next event ID, pushes the event, trims the log
// oldest-first, and refreshes TTLs, all atomically.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local id = redis.call('INCR', KEYS[2])
local ev = cjson.encode({id = id, payload = ARGV[1], createdAt = ARGV[2]})
redis.call('RPUSH', KEYS[3], ev)
local limit = tonumber(ARGV[3])
if limit > 0 then
  redis.call('LTRIM', KEYS[3], -limit, -1)
end
redis.call('PEXPIRE', KEYS[2], ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[4])
return id
`)

// storedEvent is the Lua-side event encoding. Payload travels base64-free as
// a raw string; JSON-RPC payloads are valid UTF-8 by construction.
type storedEvent struct {
	ID        uint64 `json:"id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"createdAt"`
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, payload []byte, limit int) (uint64, error) {
	keys := []string{s.recKey(sessionID), s.seqKey(sessionID), s.eventsKey(sessionID)}
	res, err := appendScript.Run(ctx, s.client, keys,
		string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
		limit,
		s.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, classify(err)
	}
	if res < 0 {
		return 0, sessions.ErrSessionNotFound
	}
	return uint64(res), nil
}

func (s *Store) ListEventsSince(ctx context.Context, sessionID string, afterID uint64) ([]sessions.Event, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	raw, err := s.client.LRange(ctx, s.eventsKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, classify(err)
	}
	var out []sessions.Event
	for i, item := range raw {
		var se storedEvent
		if err := json.Unmarshal([]byte(item), &se); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		if i == 0 && afterID+1 < se.ID {
			return nil, sessions.ErrReplayGap
		}
		if se.ID <= afterID {
			continue
		}
		created, _ := time.Parse(time.RFC3339Nano, se.CreatedAt)
		out = append(out, sessions.Event{ID: se.ID, Payload: []byte(se.Payload), CreatedAt: created})
	}
	return out, nil
}

// classify marks backend I/O failures as transient so the manager's retry
// policy applies. Caller-originated errors pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	return sessions.Transient(err)
}

var _ sessions.Store = (*Store)(nil)
