package syncx_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwc0919/nitrocoro-sub000/syncx"
)

func TestFutureGetBlocksUntilSetValue(t *testing.T) {
	promise, future := syncx.NewPromise[int](nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		promise.SetValue(42)
	}()

	start := time.Now()
	v, err := future.Get()
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestFutureGetPropagatesException(t *testing.T) {
	promise, future := syncx.NewPromise[string](nil)
	boom := assert.AnError
	promise.SetException(boom)

	_, err := future.Get()
	assert.ErrorIs(t, err, boom)
}

func TestFutureGetTwicePanics(t *testing.T) {
	promise, future := syncx.NewPromise[int](nil)
	promise.SetValue(1)

	_, err := future.Get()
	require.NoError(t, err)

	assert.Panics(t, func() { _, _ = future.Get() })
}

func TestDoubleSetValuePanics(t *testing.T) {
	promise, _ := syncx.NewPromise[int](nil)
	promise.SetValue(1)
	assert.Panics(t, func() { promise.SetValue(2) })
}

func TestSharedFutureFansOutToManyConsumers(t *testing.T) {
	promise, future := syncx.NewPromise[int](nil)
	shared := future.Share()

	const consumers = 8
	var wg sync.WaitGroup
	wg.Add(consumers)
	results := make([]int, consumers)

	for i := 0; i < consumers; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, err := shared.Get()
			require.NoError(t, err)
			results[i] = v
		}()
	}

	time.Sleep(10 * time.Millisecond)
	promise.SetValue(7)
	wg.Wait()

	for _, v := range results {
		assert.Equal(t, 7, v)
	}

	// Get may be called again after resolution without blocking.
	v, err := shared.Get()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
