package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

// Registry tracks which session holds each active fingerprint. It starts
// empty; entries are released when their session reaches a terminal state.
type Registry interface {
	// Acquire claims fingerprint for sessionID. If another session holds
	// it, Acquire returns that session's id and ok=false.
	Acquire(ctx context.Context, fingerprint, sessionID string) (holder string, ok bool, err error)
	// Refresh extends the claim while a long run is in progress.
	Refresh(ctx context.Context, fingerprint, sessionID string) error
	// Release drops the claim if sessionID still holds it.
	Release(ctx context.Context, fingerprint, sessionID string) error
}

// MemoryRegistry is a process-local Registry.
type MemoryRegistry struct {
	mu      sync.Mutex
	holders map[string]string
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{holders: make(map[string]string)}
}

// Acquire implements Registry.
func (r *MemoryRegistry) Acquire(_ context.Context, fingerprint, sessionID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if holder, ok := r.holders[fingerprint]; ok && holder != sessionID {
		return holder, false, nil
	}
	r.holders[fingerprint] = sessionID
	return sessionID, true, nil
}

// Refresh implements Registry.
func (r *MemoryRegistry) Refresh(context.Context, string, string) error {
	return nil
}

// Release implements Registry.
func (r *MemoryRegistry) Release(_ context.Context, fingerprint, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holders[fingerprint] == sessionID {
		delete(r.holders, fingerprint)
	}
	return nil
}

// Len returns the number of held fingerprints.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.holders)
}

// RedisRegistry shares active-session claims between processes. Claims
// expire after ttl unless refreshed, so a crashed process cannot hold a
// fingerprint forever.
type RedisRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis-backed registry.
func NewRedisRegistry(client *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisRegistry{client: client, prefix: "rate-harvest:active:", ttl: ttl}
}

// Compare-and-act scripts: only the holder may extend or drop a claim.
var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Acquire implements Registry.
func (r *RedisRegistry) Acquire(ctx context.Context, fingerprint, sessionID string) (string, bool, error) {
	key := r.prefix + fingerprint
	ok, err := r.client.SetNX(ctx, key, sessionID, r.ttl).Result()
	if err != nil {
		return "", false, eris.Wrap(err, "session: registry acquire")
	}
	if ok {
		return sessionID, true, nil
	}
	holder, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = r.client.SetNX(ctx, key, sessionID, r.ttl).Result()
		if err != nil {
			return "", false, eris.Wrap(err, "session: registry acquire")
		}
		if ok {
			return sessionID, true, nil
		}
		holder, err = r.client.Get(ctx, key).Result()
	}
	if err != nil {
		return "", false, eris.Wrap(err, "session: registry holder")
	}
	if holder == sessionID {
		return holder, true, r.Refresh(ctx, fingerprint, sessionID)
	}
	return holder, false, nil
}

// Refresh implements Registry.
func (r *RedisRegistry) Refresh(ctx context.Context, fingerprint, sessionID string) error {
	err := refreshScript.Run(ctx, r.client, []string{r.prefix + fingerprint}, sessionID, r.ttl.Milliseconds()).Err()
	return eris.Wrap(err, "session: registry refresh")
}

// Release implements Registry.
func (r *RedisRegistry) Release(ctx context.Context, fingerprint, sessionID string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.prefix + fingerprint}, sessionID).Err()
	return eris.Wrap(err, "session: registry release")
}
