// Package redis provides a Redis-backed GateStore.
//
// Admission state is kept in sorted sets and hashes updated by Lua scripts,
// so reserve and finalize are atomic across instances. The scripts touch
// keys from more than one hash slot and require a single-node deployment
// or a proxy that routes them to one node.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/creditgate"
)

// DefaultRetention is how long finalized reservation records are kept.
const DefaultRetention = 7 * 24 * time.Hour

// Store is a Redis-backed GateStore.
type Store struct {
	client    goredis.Cmdable
	namespace creditgate.Namespace
	keyPrefix string
	retention time.Duration
}

var _ creditgate.GateStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithNamespace selects the namespace (default staging). Keys are prefixed
// with "creditgate:<namespace>:" unless WithKeyPrefix overrides it.
func WithNamespace(ns creditgate.Namespace) Option {
	return func(s *Store) { s.namespace = ns }
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithRetention sets how long finalized reservations stay readable.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// New creates a new Redis-backed GateStore.
// The client must be a connected *goredis.Client.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		namespace: creditgate.NamespaceStaging,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.keyPrefix == "" {
		s.keyPrefix = "creditgate:" + string(s.namespace) + ":"
	}
	return s
}

// Namespace returns the store's namespace.
func (s *Store) Namespace() creditgate.Namespace { return s.namespace }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *Store) windowKey(userID string, task creditgate.TaskType) string {
	return fmt.Sprintf("%swindow:{%s}:%d", s.keyPrefix, userID, task)
}

func (s *Store) pendingKey(userID string, task creditgate.TaskType) string {
	return fmt.Sprintf("%spending:{%s}:%d", s.keyPrefix, userID, task)
}

func (s *Store) reservationKey(id string) string {
	return s.keyPrefix + "res:" + id
}

func (s *Store) pendingIndexKey() string {
	return s.keyPrefix + "pending"
}

// reserveScript admits and records a reservation.
// KEYS[1] = window sorted set (member id, score created_at ms)
// KEYS[2] = pending set of the user and task type
// KEYS[3] = reservation hash
// KEYS[4] = global pending index
// ARGV[1] = id
// ARGV[2] = user id
// ARGV[3] = task type
// ARGV[4] = created_at (unix ms)
// ARGV[5] = window start (unix ms, exclusive)
// ARGV[6] = limit (0 disables)
// ARGV[7] = max pending (0 disables)
// ARGV[8] = window ttl (ms)
//
// Returns:
//
//	1 = admitted
//	0 = rate limited
var reserveScript = goredis.NewScript(`
local window_key = KEYS[1]
local pending_key = KEYS[2]
local res_key = KEYS[3]
local index_key = KEYS[4]
local id = ARGV[1]
local created = ARGV[4]
local start = ARGV[5]
local limit = tonumber(ARGV[6])
local max_pending = tonumber(ARGV[7])

redis.call("ZREMRANGEBYSCORE", window_key, "-inf", start)

if limit > 0 then
    local in_window = redis.call("ZCOUNT", window_key, "(" .. start, "+inf")
    if in_window >= limit then
        return 0
    end
end

if max_pending > 0 then
    if redis.call("SCARD", pending_key) >= max_pending then
        return 0
    end
end

redis.call("ZADD", window_key, created, id)
redis.call("PEXPIRE", window_key, ARGV[8])
redis.call("SADD", pending_key, id)
redis.call("HSET", res_key,
    "user_id", ARGV[2],
    "task_type", ARGV[3],
    "status", "pending",
    "created_at", created,
    "pending_key", pending_key)
redis.call("ZADD", index_key, created, id)
return 1
`)

// finalizeScript moves a pending reservation to a terminal status.
// KEYS[1] = reservation hash
// KEYS[2] = global pending index
// ARGV[1] = id
// ARGV[2] = status
// ARGV[3] = consumed credit ("" for none)
// ARGV[4] = model ("" keeps the current value)
// ARGV[5] = tool ("" keeps the current value)
// ARGV[6] = retention (ms)
//
// Returns 1 if applied, 0 if missing or already terminal.
var finalizeScript = goredis.NewScript(`
local res_key = KEYS[1]
local index_key = KEYS[2]
local id = ARGV[1]

if redis.call("HGET", res_key, "status") ~= "pending" then
    return 0
end

redis.call("HSET", res_key, "status", ARGV[2])
if ARGV[3] ~= "" then
    redis.call("HSET", res_key, "consumed_credit", ARGV[3])
else
    redis.call("HDEL", res_key, "consumed_credit")
end
if ARGV[4] ~= "" then
    redis.call("HSET", res_key, "model", ARGV[4])
end
if ARGV[5] ~= "" then
    redis.call("HSET", res_key, "tool", ARGV[5])
end

local pending_key = redis.call("HGET", res_key, "pending_key")
if pending_key then
    redis.call("SREM", pending_key, id)
end
redis.call("ZREM", index_key, id)
redis.call("PEXPIRE", res_key, ARGV[6])
return 1
`)

// Reserve atomically checks the policy and records r.
func (s *Store) Reserve(ctx context.Context, r creditgate.Reservation, policy creditgate.RatePolicy) error {
	created := r.CreatedAt.UnixMilli()
	ttl := policy.Window + time.Second

	result, err := reserveScript.Run(ctx, s.client,
		[]string{
			s.windowKey(r.UserID, r.TaskType),
			s.pendingKey(r.UserID, r.TaskType),
			s.reservationKey(r.ID),
			s.pendingIndexKey(),
		},
		r.ID, r.UserID, int(r.TaskType), created,
		policy.WindowStart(r.CreatedAt).UnixMilli(),
		policy.Limit, policy.MaxPending, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return fmt.Errorf("creditgate/redis: reserve: %w", err)
	}

	switch result {
	case 1:
		return nil
	case 0:
		return creditgate.ErrRateLimited
	default:
		return fmt.Errorf("creditgate/redis: unexpected reserve result: %d", result)
	}
}

// Finalize moves a pending reservation to a terminal status.
func (s *Store) Finalize(ctx context.Context, id string, o creditgate.Outcome) (bool, error) {
	var consumed, model, tool string
	if o.ConsumedCredit != nil {
		consumed = strconv.FormatInt(*o.ConsumedCredit, 10)
	}
	if o.Model != nil {
		model = *o.Model
	}
	if o.Tool != nil {
		tool = *o.Tool
	}

	result, err := finalizeScript.Run(ctx, s.client,
		[]string{s.reservationKey(id), s.pendingIndexKey()},
		id, string(o.Status), consumed, model, tool, s.retention.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("creditgate/redis: finalize: %w", err)
	}
	return result == 1, nil
}

// Get returns a reservation by ID.
func (s *Store) Get(ctx context.Context, id string) (creditgate.Reservation, error) {
	vals, err := s.client.HGetAll(ctx, s.reservationKey(id)).Result()
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: get reservation: %w", err)
	}
	if len(vals) == 0 {
		return creditgate.Reservation{}, creditgate.ErrReservationNotFound
	}

	task, err := strconv.Atoi(vals["task_type"])
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: reservation %s task_type: %w", id, err)
	}
	created, err := strconv.ParseInt(vals["created_at"], 10, 64)
	if err != nil {
		return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: reservation %s created_at: %w", id, err)
	}

	r := creditgate.Reservation{
		ID:        id,
		UserID:    vals["user_id"],
		TaskType:  creditgate.TaskType(task),
		Status:    creditgate.ReservationStatus(vals["status"]),
		CreatedAt: time.UnixMilli(created).UTC(),
	}
	if v, ok := vals["consumed_credit"]; ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return creditgate.Reservation{}, fmt.Errorf("creditgate/redis: reservation %s consumed_credit: %w", id, err)
		}
		r.ConsumedCredit = creditgate.Int64Ptr(n)
	}
	if v, ok := vals["model"]; ok {
		r.Model = creditgate.StringPtr(v)
	}
	if v, ok := vals["tool"]; ok {
		r.Tool = creditgate.StringPtr(v)
	}
	return r, nil
}

// ExpirePending fails pending reservations created before cutoff.
func (s *Store) ExpirePending(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.pendingIndexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("creditgate/redis: expire pending: %w", err)
	}

	var (
		n    int64
		errs []error
	)
	for _, id := range ids {
		applied, err := s.Finalize(ctx, id, creditgate.Outcome{Status: creditgate.ReservationFailed})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if applied {
			n++
		}
	}
	return n, errors.Join(errs...)
}
