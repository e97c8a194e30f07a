package counter

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/callmegate/gate/pkg/store"
)

// KeyPrefix namespaces counters in the shared store
const KeyPrefix = "counter:"

// Decrement must check the floor and subtract in one server-side step, so
// two concurrent decrements cannot both pass the check and drive the value
// negative
var decrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
if current - amount < 0 then
    return -1
end
return redis.call('DECRBY', KEYS[1], amount)
`)

// ErrWouldGoNegative is returned when a decrement would take the counter
// below zero
var ErrWouldGoNegative = fmt.Errorf("counter would go negative")

// Counters are shared non-negative integers in the store, safe for
// concurrent use across workers
type Counters struct {
	store *store.Client
}

// New creates a counter collection backed by the given store
func New(st *store.Client) *Counters {
	return &Counters{store: st}
}

func counterKey(name string) string {
	return KeyPrefix + name
}

// Increment adds amount to the named counter and returns the new value.
// A missing counter starts at zero.
func (c *Counters) Increment(ctx context.Context, name string, amount int64) (int64, error) {
	return c.store.IncrBy(ctx, counterKey(name), amount)
}

// Decrement subtracts amount from the named counter and returns the new
// value. The counter never goes below zero; a decrement that would is
// refused with ErrWouldGoNegative.
func (c *Counters) Decrement(ctx context.Context, name string, amount int64) (int64, error) {
	result, err := c.store.Eval(ctx, decrementScript, []string{counterKey(name)}, amount)
	if err != nil {
		return 0, err
	}
	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected decrement reply %T", result)
	}
	if n < 0 {
		return 0, ErrWouldGoNegative
	}
	return n, nil
}

// Get returns the counter's current value; a missing counter reads as zero
func (c *Counters) Get(ctx context.Context, name string) (int64, error) {
	value, found, err := c.store.GetString(ctx, counterKey(name))
	if err != nil || !found {
		return 0, err
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("counter %s holds non-integer value: %w", name, err)
	}
	return n, nil
}

// Set stores an explicit value for the named counter
func (c *Counters) Set(ctx context.Context, name string, value int64) error {
	if value < 0 {
		return ErrWouldGoNegative
	}
	return c.store.Set(ctx, counterKey(name), strconv.FormatInt(value, 10), 0)
}

// Reset sets the named counter back to zero
func (c *Counters) Reset(ctx context.Context, name string) error {
	return c.Set(ctx, name, 0)
}

// Delete removes the counter entirely
func (c *Counters) Delete(ctx context.Context, name string) (bool, error) {
	return c.store.Delete(ctx, counterKey(name))
}
