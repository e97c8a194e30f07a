package lock

import (
	"context"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callmegate/gate/pkg/log"
	"github.com/callmegate/gate/pkg/store"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
	os.Exit(m.Run())
}

func newTestStore(t *testing.T) (*store.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := store.NewWithAddr(mr.Addr())
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestAcquireRelease(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	m := New(st, "jobs", Options{TTL: 10 * time.Second})

	ok, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	alive, err := m.IsAlive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)

	released, err := m.Release(ctx)
	require.NoError(t, err)
	assert.True(t, released)

	alive, err = m.IsAlive(ctx)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestMutualExclusion(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	var mu sync.Mutex
	winners := 0

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := New(st, "contended", Options{TTL: 10 * time.Second, RetryTimes: 0})
			ok, err := m.Acquire(ctx)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestReleaseByNonOwner(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	owner := New(st, "jobs", Options{TTL: 10 * time.Second})
	ok, err := owner.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	intruder := New(st, "jobs", Options{TTL: 10 * time.Second})
	released, err := intruder.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)

	// The owner still holds it.
	alive, err := owner.IsAlive(ctx)
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestAcquireAfterExpiry(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	first := New(st, "jobs", Options{TTL: 5 * time.Second})
	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	second := New(st, "jobs", Options{TTL: 5 * time.Second})
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// The first holder's release must not steal the lock back.
	released, err := first.Release(ctx)
	require.NoError(t, err)
	assert.False(t, released)
}

func TestExtend(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	m := New(st, "jobs", Options{TTL: 10 * time.Second})
	ok, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := m.Extend(ctx, 20*time.Second)
	require.NoError(t, err)
	assert.True(t, extended)

	ttl, err := st.TTL(ctx, KeyPrefix+"jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(30), ttl)
}

func TestExtendExpired(t *testing.T) {
	st, mr := newTestStore(t)
	ctx := context.Background()

	m := New(st, "jobs", Options{TTL: 5 * time.Second})
	ok, err := m.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(6 * time.Second)

	extended, err := m.Extend(ctx, 20*time.Second)
	require.NoError(t, err)
	assert.False(t, extended, "an expired lock cannot be revived")
}

func TestWithLock(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	ran := false
	acquired, err := WithLock(ctx, st, "section", Options{TTL: 5 * time.Second}, func(ctx context.Context) error {
		ran = true

		// The section is held while fn runs, so a try-lock must fail.
		inner, err := WithLock(ctx, st, "section", Options{TTL: 5 * time.Second, RetryTimes: 0}, func(ctx context.Context) error {
			return nil
		})
		require.NoError(t, err)
		assert.False(t, inner)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
	assert.True(t, ran)

	// Released on exit: a fresh attempt succeeds immediately.
	acquired, err = WithLock(ctx, st, "section", Options{TTL: 5 * time.Second, RetryTimes: 0}, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
}
