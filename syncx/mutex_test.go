package syncx_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwc0919/nitrocoro-sub000/syncx"
)

func TestTryLockOnlySucceedsOnce(t *testing.T) {
	var m syncx.Mutex
	require.True(t, m.TryLock())
	require.False(t, m.TryLock())
	m.Unlock()
	require.True(t, m.TryLock())
	m.Unlock()
}

func TestLockSerializesGoroutinesWithoutSchedulers(t *testing.T) {
	var m syncx.Mutex
	var counter int
	var wg sync.WaitGroup

	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			m.Lock(nil)
			defer m.Unlock()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, n, counter)
}

func TestScopedLockReleasesOnPanic(t *testing.T) {
	var m syncx.Mutex

	func() {
		guard := m.ScopedLock(nil)
		defer guard.Release()
		defer func() { _ = recover() }()
		panic("boom")
	}()

	require.True(t, m.TryLock(), "lock must be released after the guarded scope panics")
	m.Unlock()
}

func TestUnlockOfUnlockedMutexPanics(t *testing.T) {
	var m syncx.Mutex
	assert.Panics(t, func() { m.Unlock() })
}

func TestWaitersAreWokenInArrivalOrder(t *testing.T) {
	var m syncx.Mutex
	m.Lock(nil) // held by the test goroutine so every spawned goroutine queues

	const n = 10
	order := make(chan int, n)
	var started sync.WaitGroup
	started.Add(n)

	for i := 0; i < n; i++ {
		i := i
		go func() {
			started.Done()
			// Staggered starts make it overwhelmingly likely each
			// goroutine reaches Lock, and so pushes itself onto the
			// contender stack, before the next one starts.
			time.Sleep(time.Duration(i) * 5 * time.Millisecond)
			m.Lock(nil)
			order <- i
			m.Unlock()
		}()
	}
	started.Wait()
	time.Sleep(time.Duration(n) * 5 * time.Millisecond)

	m.Unlock() // release the test goroutine's hold, starting the drain

	got := make([]int, 0, n)
	for i := 0; i < n; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatal("not all waiters were woken")
		}
	}
	for i, v := range got {
		assert.Equal(t, i, v, "waiters should drain in arrival order")
	}
}
