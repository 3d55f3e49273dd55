package escalation

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/ledgerflow/internal/runtime/deadletter"
)

// DefaultDedupTTL bounds how long an escalation key is remembered.
const DefaultDedupTTL = 24 * time.Hour

// Deduper claims an escalation key. First reports whether this caller is the
// first to claim key within the TTL.
type Deduper interface {
	First(ctx context.Context, key string) (bool, error)
}

// DedupKey identifies one terminal event: the topic, the message UUID and
// the attempt number.
func DedupKey(f deadletter.Failure) string {
	id := f.MessageID
	if id == "" {
		id = string(f.Payload)
	}
	return f.Topic + "|" + id + "|" + strconv.Itoa(f.RetryCount)
}

// MemoryDeduper keeps claimed keys in process memory.
type MemoryDeduper struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewMemoryDeduper returns a deduper forgetting keys after ttl.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDeduper{ttl: ttl, seen: map[string]time.Time{}, now: time.Now}
}

func (d *MemoryDeduper) First(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, expires := range d.seen {
		if now.After(expires) {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

// RedisDeduper claims keys with SET NX so several consumer instances share
// one view of what was already escalated.
type RedisDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper wraps an existing client.
func NewRedisDeduper(client redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDeduper{client: client, prefix: "ledgerflow:escalation:", ttl: ttl}
}

// NewRedisDeduperFromAddr dials a single Redis node.
func NewRedisDeduperFromAddr(addr, password string, db int, ttl time.Duration) *RedisDeduper {
	return NewRedisDeduper(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), ttl)
}

func (d *RedisDeduper) First(ctx context.Context, key string) (bool, error) {
	ok, err := d.client.SetNX(ctx, d.prefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim escalation key: %w", err)
	}
	return ok, nil
}

// Ping checks the connection.
func (d *RedisDeduper) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

func (d *RedisDeduper) Close() error {
	return d.client.Close()
}
