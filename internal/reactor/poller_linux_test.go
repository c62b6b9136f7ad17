//go:build linux

package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hwc0919/nitrocoro-sub000/internal/reactor"
)

func TestWaitReportsReadability(t *testing.T) {
	p, err := reactor.Open()
	require.NoError(t, err)
	defer p.Close()

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	rfd, wfd := fds[0], fds[1]
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	const key = 7
	require.NoError(t, p.Add(key, rfd, reactor.Readable))

	events, err := p.Wait(nil, 50)
	require.NoError(t, err)
	assert.Empty(t, events, "no data written yet")

	_, err = unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	events, err = p.Wait(nil, 1000)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(key), events[0].Key)
	assert.NotZero(t, events[0].Mask&uint32(reactor.Readable))
}

func TestWakeupUnblocksWait(t *testing.T) {
	p, err := reactor.Open()
	require.NoError(t, err)
	defer p.Close()

	done := make(chan struct{})
	go func() {
		_, _ = p.Wait(nil, 5000)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.Wakeup())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wakeup did not unblock a concurrent Wait")
	}
}
