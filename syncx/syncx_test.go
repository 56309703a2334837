package syncx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutex_Exclusive(t *testing.T) {
	m := NewMutex()
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.WithLock(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive)
}

func TestMutex_FIFO(t *testing.T) {
	m := NewMutex()
	require.NoError(t, m.Lock(context.Background()))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, m.Lock(context.Background()))
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			m.Unlock()
		}(i)
		// Give each waiter time to enqueue before the next one.
		time.Sleep(20 * time.Millisecond)
	}
	m.Unlock()
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2}, order)
}

func TestMutex_LockCancelled(t *testing.T) {
	m := NewMutex()
	require.True(t, m.TryLock())
	assert.False(t, m.TryLock())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.Unlock()
	assert.True(t, m.TryLock(), "abandoned waiter must not hold the lock")
	m.Unlock()
}

func TestMutex_WithLockReleasesOnError(t *testing.T) {
	m := NewMutex()
	boom := errors.New("boom")
	err := m.WithLock(context.Background(), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.True(t, m.TryLock())
}

func TestLimiter_Concurrency(t *testing.T) {
	l := NewLimiter(2, 0, 0)
	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), func(context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					cur := atomic.LoadInt32(&maxActive)
					if n <= cur || atomic.CompareAndSwapInt32(&maxActive, cur, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, maxActive, int32(2))
}

func TestLimiter_Rate(t *testing.T) {
	l := NewLimiter(0, 20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		release, err := l.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}
	// Burst of one at 20/s: the second and third starts wait ~50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiter_AcquireCancelled(t *testing.T) {
	l := NewLimiter(1, 0, 0)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	release()
	release() // second call is a no-op
	release2, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestLimiter_Disabled(t *testing.T) {
	l := NewLimiter(0, 0, 0)
	for i := 0; i < 100; i++ {
		release, err := l.Acquire(context.Background())
		require.NoError(t, err)
		release()
	}
}

func TestLimiter_TokenBeyondDeadline(t *testing.T) {
	l := NewLimiter(1, 0.01, 1)
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The concurrency slot was handed back.
	assert.True(t, l.sem.TryAcquire(1))
}
