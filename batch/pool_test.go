package batch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return NewSession(Config{
		Argv:       []string{"/bin/cat"},
		Decoder:    Sentinel(),
		CloseGrace: time.Second,
	})
}

func TestPoolAcquireReusesExistingSession(t *testing.T) {
	pool := NewPool(PoolConfig{}, nil)
	defer pool.CloseAll(context.Background())

	calls := 0
	factory := func() *Session { calls++; return newTestSession() }

	s1 := pool.Acquire("k", factory)
	pool.Release("k")
	s2 := pool.Acquire("k", factory)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, calls)
}

func TestPoolEvictsOldestIdleOverCeiling(t *testing.T) {
	pool := NewPool(PoolConfig{MaxSessions: 1}, nil)
	defer pool.CloseAll(context.Background())

	_ = pool.Acquire("first", newTestSession)
	pool.Release("first")

	// Acquiring a second key while at the ceiling evicts "first", the
	// only idle entry, before the new one is created.
	_ = pool.Acquire("second", newTestSession)

	pool.mu.Lock()
	_, firstStillPresent := pool.sessions["first"]
	_, secondPresent := pool.sessions["second"]
	pool.mu.Unlock()

	assert.False(t, firstStillPresent)
	assert.True(t, secondPresent)
}

func TestPoolSweepEvictsPastMaxIdleAge(t *testing.T) {
	pool := NewPool(PoolConfig{MaxIdleAge: 10 * time.Millisecond}, nil)
	defer pool.CloseAll(context.Background())

	_ = pool.Acquire("k", newTestSession)
	pool.Release("k")

	require.Eventually(t, func() bool {
		pool.Sweep(context.Background())
		pool.mu.Lock()
		defer pool.mu.Unlock()
		_, present := pool.sessions["k"]
		return !present
	}, time.Second, 20*time.Millisecond)
}

func TestPoolAcquireDoesNotEvictSessionsInUse(t *testing.T) {
	pool := NewPool(PoolConfig{MaxSessions: 1}, nil)
	defer pool.CloseAll(context.Background())

	_ = pool.Acquire("first", newTestSession) // stays in use, never Released

	_ = pool.Acquire("second", newTestSession)

	pool.mu.Lock()
	defer pool.mu.Unlock()
	assert.Len(t, pool.sessions, 2)
}
