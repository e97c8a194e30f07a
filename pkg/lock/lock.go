package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/store"
)

// KeyPrefix is the namespace for all lock keys in the shared store
const KeyPrefix = "redis_lock:"

var (
	// Release must compare owner and delete in one server-side step so the
	// lock cannot expire and be re-acquired between the read and the delete.
	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

	// Extend adds seconds to the remaining TTL, owner-checked in the same
	// atomic step
	extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
    return 0
end
local ttl = redis.call('TTL', KEYS[1])
if ttl < 0 then
    return 0
end
redis.call('EXPIRE', KEYS[1], ttl + tonumber(ARGV[2]))
return 1
`)
)

// Options control lock acquisition behavior
type Options struct {
	TTL        time.Duration // lock expiry; defaults to 30s
	RetryTimes int           // additional acquisition attempts after the first
	RetryDelay time.Duration // pause between attempts; defaults to 200ms
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	return o
}

// Mutex is a named, TTL-bounded lock shared across processes through the
// store. Each instance carries a fresh owner id, so only the acquiring
// instance can release or extend it.
type Mutex struct {
	store   *store.Client
	name    string
	key     string
	ownerID string
	opts    Options
}

// New creates a mutex for the named resource
func New(st *store.Client, name string, opts Options) *Mutex {
	return &Mutex{
		store:   st,
		name:    name,
		key:     KeyPrefix + name,
		ownerID: uuid.New().String(),
		opts:    opts.withDefaults(),
	}
}

// Name returns the lock name
func (m *Mutex) Name() string {
	return m.name
}

// Acquire attempts to take the lock, retrying up to RetryTimes with
// RetryDelay between attempts
func (m *Mutex) Acquire(ctx context.Context) (bool, error) {
	for attempt := 0; attempt <= m.opts.RetryTimes; attempt++ {
		ok, err := m.store.SetIfAbsent(ctx, m.key, m.ownerID, m.opts.TTL)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if attempt < m.opts.RetryTimes {
			select {
			case <-time.After(m.opts.RetryDelay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}
	return false, nil
}

// Release frees the lock if this instance still owns it
func (m *Mutex) Release(ctx context.Context) (bool, error) {
	result, err := m.store.Eval(ctx, releaseScript, []string{m.key}, m.ownerID)
	if err != nil {
		return false, err
	}
	n, _ := result.(int64)
	return n > 0, nil
}

// Extend adds the given duration to the lock's remaining TTL. Only the owner
// may extend, and an expired lock cannot be revived.
func (m *Mutex) Extend(ctx context.Context, additional time.Duration) (bool, error) {
	seconds := int64(additional / time.Second)
	if seconds <= 0 {
		return false, nil
	}
	result, err := m.store.Eval(ctx, extendScript, []string{m.key}, m.ownerID, seconds)
	if err != nil {
		return false, err
	}
	n, _ := result.(int64)
	return n > 0, nil
}

// IsAlive reports whether this instance still holds the lock
func (m *Mutex) IsAlive(ctx context.Context) (bool, error) {
	value, found, err := m.store.GetString(ctx, m.key)
	if err != nil {
		return false, err
	}
	return found && value == m.ownerID, nil
}

// WithLock runs fn while holding the named lock. This is a try-lock: when
// acquisition fails after the configured retries, fn is skipped and the
// first return value is false. The lock is released on every exit path,
// including a panic inside fn.
func WithLock(ctx context.Context, st *store.Client, name string, opts Options, fn func(ctx context.Context) error) (bool, error) {
	m := New(st, name, opts)

	acquired, err := m.Acquire(ctx)
	if err != nil {
		return false, err
	}
	logger := log.WithComponent("lock")
	if !acquired {
		logger.Debug().Str("lock", name).Msg("lock busy, skipping protected section")
		return false, nil
	}

	defer func() {
		if _, err := m.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Str("lock", name).Msg("failed to release lock")
		}
	}()

	return true, fn(ctx)
}
