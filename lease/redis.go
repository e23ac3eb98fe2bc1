package lease

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("github.com/editlock-io/editlock/lease")

const defaultKeyPrefix = "editlock:lease:"

// Expiry is logical: the payload carries expiresMs and readers compare it
// against the caller's clock. The physical key TTL is only hygiene, set to
// twice the lease duration so a lapsed lease stays visible long enough to be
// reported as expired rather than silently vanishing.
var createScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    local lease = cjson.decode(cur)
    if tonumber(lease.expiresMs) > tonumber(ARGV[2]) then
        return {0, cur}
    end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", tonumber(ARGV[3]))
if cur then
    return {1, cur}
end
return {1}
`)

var renewScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return false
end
local lease = cjson.decode(cur)
if lease.holder ~= ARGV[1] or lease.session ~= ARGV[2] then
    return false
end
local now = tonumber(ARGV[3])
if tonumber(lease.expiresMs) <= now then
    return false
end
local nxt = now + tonumber(lease.durationMs)
if nxt > tonumber(lease.expiresMs) then
    lease.expiresMs = nxt
end
local payload = cjson.encode(lease)
redis.call("SET", KEYS[1], payload, "PX", math.floor(tonumber(lease.durationMs) * 2))
return payload
`)

var releaseScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if not cur then
    return 0
end
local lease = cjson.decode(cur)
if lease.holder ~= ARGV[1] or lease.session ~= ARGV[2] then
    return 0
end
redis.call("DEL", KEYS[1])
if tonumber(lease.expiresMs) <= tonumber(ARGV[3]) then
    return 0
end
return 1
`)

var purgeScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
    local lease = cjson.decode(cur)
    if lease.token == ARGV[1] then
        redis.call("DEL", KEYS[1])
    end
end
return 0
`)

// redisLease is the stored wire form. Timestamps are Unix milliseconds so
// the Lua scripts can compare them without date parsing.
type redisLease struct {
	Record     string `json:"record"`
	Holder     string `json:"holder"`
	Session    string `json:"session"`
	Display    string `json:"display"`
	Token      string `json:"token"`
	AcquiredMs int64  `json:"acquiredMs"`
	ExpiresMs  int64  `json:"expiresMs"`
	DurationMs int64  `json:"durationMs"`
}

func (r *redisLease) lease() *Lease {
	return &Lease{
		RecordID:    r.Record,
		HolderID:    r.Holder,
		SessionID:   r.Session,
		DisplayName: r.Display,
		Token:       r.Token,
		AcquiredAt:  time.UnixMilli(r.AcquiredMs),
		ExpiresAt:   time.UnixMilli(r.ExpiresMs),
		Duration:    time.Duration(r.DurationMs) * time.Millisecond,
	}
}

// Redis implements Store using a Redis backend. All conditional writes run
// as Lua scripts so concurrent acquires on the same record serialize inside
// Redis.
type Redis struct {
	client    *redis.Client
	keyPrefix string

	mu       sync.Mutex
	onExpire func(Lease)
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix overrides the default "editlock:lease:" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *Redis) { s.keyPrefix = prefix }
}

// NewRedis returns a Redis-backed lease store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{client: client, keyPrefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOnExpire implements ExpiryNotifier.
func (s *Redis) SetOnExpire(fn func(Lease)) {
	s.mu.Lock()
	s.onExpire = fn
	s.mu.Unlock()
}

func (s *Redis) key(recordID string) string {
	return s.keyPrefix + recordID
}

func (s *Redis) notifyExpired(raw string) {
	s.mu.Lock()
	fn := s.onExpire
	s.mu.Unlock()
	if fn == nil {
		return
	}
	var wire redisLease
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return
	}
	fn(*wire.lease())
}

// TryCreate implements Store.TryCreate.
func (s *Redis) TryCreate(ctx context.Context, spec CreateSpec) (*Lease, *Lease, error) {
	if err := spec.validate(); err != nil {
		return nil, nil, err
	}
	ctx, span := tracer.Start(ctx, "Redis.TryCreate")
	defer span.End()
	span.SetAttributes(attribute.String("editlock.record", spec.RecordID))

	token, err := uuid.GenerateUUID()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	wire := redisLease{
		Record:     spec.RecordID,
		Holder:     spec.HolderID,
		Session:    spec.SessionID,
		Display:    spec.DisplayName,
		Token:      token,
		AcquiredMs: now.UnixMilli(),
		ExpiresMs:  now.Add(spec.Duration).UnixMilli(),
		DurationMs: spec.Duration.Milliseconds(),
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, nil, err
	}

	res, err := createScript.Run(ctx, s.client, []string{s.key(spec.RecordID)},
		payload, now.UnixMilli(), spec.Duration.Milliseconds()*2).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("lease: create script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) == 0 {
		return nil, nil, fmt.Errorf("lease: unexpected create reply %T", res)
	}
	createdFlag, _ := arr[0].(int64)
	var prevRaw string
	if len(arr) > 1 {
		prevRaw, _ = arr[1].(string)
	}

	if createdFlag == 0 {
		var held redisLease
		if err := json.Unmarshal([]byte(prevRaw), &held); err != nil {
			return nil, nil, fmt.Errorf("lease: decode held lease: %w", err)
		}
		return nil, held.lease(), nil
	}
	if prevRaw != "" {
		// Replaced a lapsed lease in the same write.
		s.notifyExpired(prevRaw)
	}
	return wire.lease(), nil, nil
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, recordID string) (*Lease, error) {
	if recordID == "" {
		return nil, ErrInvalidRecordID
	}
	ctx, span := tracer.Start(ctx, "Redis.Get")
	defer span.End()
	span.SetAttributes(attribute.String("editlock.record", recordID))

	raw, err := s.client.Get(ctx, s.key(recordID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: get: %w", err)
	}
	var wire redisLease
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("lease: decode lease: %w", err)
	}
	l := wire.lease()
	if l.Expired(time.Now()) {
		// Purge guarded by token so a racing re-acquire is never deleted.
		_, _ = purgeScript.Run(ctx, s.client, []string{s.key(recordID)}, wire.Token).Result()
		s.notifyExpired(raw)
		return nil, nil
	}
	return l, nil
}

// Renew implements Store.Renew.
func (s *Redis) Renew(ctx context.Context, recordID, holderID, sessionID string) (*Lease, error) {
	if recordID == "" {
		return nil, ErrInvalidRecordID
	}
	ctx, span := tracer.Start(ctx, "Redis.Renew")
	defer span.End()
	span.SetAttributes(attribute.String("editlock.record", recordID))

	res, err := renewScript.Run(ctx, s.client, []string{s.key(recordID)},
		holderID, sessionID, time.Now().UnixMilli()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease: renew script: %w", err)
	}
	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("lease: unexpected renew reply %T", res)
	}
	var wire redisLease
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("lease: decode renewed lease: %w", err)
	}
	return wire.lease(), nil
}

// Release implements Store.Release.
func (s *Redis) Release(ctx context.Context, recordID, holderID, sessionID string) (bool, error) {
	if recordID == "" {
		return false, ErrInvalidRecordID
	}
	ctx, span := tracer.Start(ctx, "Redis.Release")
	defer span.End()
	span.SetAttributes(attribute.String("editlock.record", recordID))

	res, err := releaseScript.Run(ctx, s.client, []string{s.key(recordID)},
		holderID, sessionID, time.Now().UnixMilli()).Result()
	if err != nil {
		return false, fmt.Errorf("lease: release script: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}
