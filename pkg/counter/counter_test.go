package counter

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callmegate/gate/pkg/store"
)

func newTestCounters(t *testing.T) *Counters {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewWithAddr(mr.Addr())
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

func TestIncrement(t *testing.T) {
	c := newTestCounters(t)
	ctx := context.Background()

	value, err := c.Increment(ctx, "orders", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), value)

	value, err = c.Increment(ctx, "orders", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(5), value)
}

func TestDecrement(t *testing.T) {
	c := newTestCounters(t)
	ctx := context.Background()

	_, err := c.Increment(ctx, "orders", 5)
	require.NoError(t, err)

	value, err := c.Decrement(ctx, "orders", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)

	value, err = c.Decrement(ctx, "orders", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestDecrementRefusesNegative(t *testing.T) {
	c := newTestCounters(t)
	ctx := context.Background()

	_, err := c.Increment(ctx, "orders", 2)
	require.NoError(t, err)

	_, err = c.Decrement(ctx, "orders", 3)
	assert.ErrorIs(t, err, ErrWouldGoNegative)

	// The refused decrement left the value untouched.
	value, err := c.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(2), value)
}

func TestDecrementMissingCounter(t *testing.T) {
	c := newTestCounters(t)

	_, err := c.Decrement(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, ErrWouldGoNegative)
}

func TestConcurrentDecrements(t *testing.T) {
	c := newTestCounters(t)
	ctx := context.Background()

	_, err := c.Increment(ctx, "seats", 10)
	require.NoError(t, err)

	var wg sync.WaitGroup
	refused := make(chan struct{}, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Decrement(ctx, "seats", 1); err != nil {
				refused <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(refused)

	value, err := c.Get(ctx, "seats")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value, "the floor holds under concurrency")
	assert.Len(t, refused, 10)
}

func TestGetMissing(t *testing.T) {
	c := newTestCounters(t)

	value, err := c.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)
}

func TestSetResetDelete(t *testing.T) {
	c := newTestCounters(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "orders", 42))
	value, err := c.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)

	assert.ErrorIs(t, c.Set(ctx, "orders", -1), ErrWouldGoNegative)

	require.NoError(t, c.Reset(ctx, "orders"))
	value, err = c.Get(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(0), value)

	removed, err := c.Delete(ctx, "orders")
	require.NoError(t, err)
	assert.True(t, removed)
}
