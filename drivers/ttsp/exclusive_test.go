package ttsp

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArbiterAtMostOneHolder(t *testing.T) {
	a := newArbiter()
	var holders, maxHolders, done int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cl := NewClient("worker")
			for j := 0; j < 25; j++ {
				if !assert.NoError(t, a.Acquire(cl, 0)) {
					return
				}
				n := atomic.AddInt32(&holders, 1)
				for {
					m := atomic.LoadInt32(&maxHolders)
					if n <= m || atomic.CompareAndSwapInt32(&maxHolders, m, n) {
						break
					}
				}
				atomic.AddInt32(&holders, -1)
				assert.NoError(t, a.Release(cl))
				atomic.AddInt32(&done, 1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, maxHolders)
	assert.EqualValues(t, 8*25, done)
	assert.False(t, a.Held())
	assert.Zero(t, a.Waiters())
}

func TestArbiterReleaseByNonOwner(t *testing.T) {
	a := newArbiter()
	owner, other := NewClient("owner"), NewClient("other")

	assert.ErrorIs(t, a.Release(owner), ErrNotOwner)

	require.NoError(t, a.Acquire(owner, 0))
	assert.ErrorIs(t, a.Release(other), ErrNotOwner)
	require.NoError(t, a.Release(owner))
	assert.ErrorIs(t, a.Release(owner), ErrNotOwner, "double release")
}

func TestArbiterTimeout(t *testing.T) {
	a := newArbiter()
	owner, waiter := NewClient("owner"), NewClient("waiter")
	require.NoError(t, a.Acquire(owner, 0))

	start := time.Now()
	err := a.Acquire(waiter, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Same(t, owner, a.Owner())
	assert.Zero(t, a.Waiters())
}

func TestArbiterWakesWaiterOnRelease(t *testing.T) {
	a := newArbiter()
	owner, waiter := NewClient("owner"), NewClient("waiter")
	require.NoError(t, a.Acquire(owner, 0))

	var released atomic.Int32
	a.onRelease = func(prev *Client) { released.Add(1) }

	got := make(chan error, 1)
	go func() { got <- a.Acquire(waiter, time.Second) }()
	require.Eventually(t, func() bool { return a.Waiters() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Release(owner))
	select {
	case err := <-got:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken")
	}
	assert.Same(t, waiter, a.Owner())
	assert.EqualValues(t, 1, released.Load())
}

func TestArbiterReacquireBySameOwner(t *testing.T) {
	a := newArbiter()
	cl := NewClient("cl")
	require.NoError(t, a.Acquire(cl, 0))
	require.NoError(t, a.Acquire(cl, time.Millisecond))
	require.NoError(t, a.Release(cl))
	assert.False(t, a.Held())
}

func TestArbiterNilClient(t *testing.T) {
	err := newArbiter().Acquire(nil, 0)
	assert.True(t, errors.Is(err, ErrInvalidParams))
}
