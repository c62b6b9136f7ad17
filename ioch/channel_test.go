package ioch_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/hwc0919/nitrocoro-sub000/ioch"
	"github.com/hwc0919/nitrocoro-sub000/scheduler"
)

func newRunningScheduler(t *testing.T) (*scheduler.Scheduler, func()) {
	t.Helper()
	sched, err := scheduler.New(nil)
	require.NoError(t, err)
	go func() { _ = sched.Run() }()
	return sched, func() {
		sched.Stop()
		<-sched.Done()
		require.NoError(t, sched.Close())
	}
}

func nonblockingPipe(t *testing.T) (r, w int) {
	t.Helper()
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	return fds[0], fds[1]
}

func TestPerformReadWakesOnReadability(t *testing.T) {
	sched, stop := newRunningScheduler(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(wfd)

	ch := ioch.New(rfd, scheduler.EdgeTriggered, sched)
	defer ch.Close()
	sched.Schedule(func() { ch.EnableReading() })

	result := make(chan string, 1)
	sched.Spawn(func() {
		buf := make([]byte, 16)
		var n int
		status, _ := ch.PerformRead(func(fd int, c *ioch.Channel) (ioch.Status, error) {
			rn, err := unix.Read(fd, buf)
			if err != nil {
				if err == unix.EAGAIN {
					return ioch.NeedRead, nil
				}
				return ioch.Error, err
			}
			if rn == 0 {
				return ioch.Eof, nil
			}
			n = rn
			return ioch.Success, nil
		})
		if status == ioch.Success {
			result <- string(buf[:n])
		} else {
			result <- ""
		}
	})

	time.Sleep(20 * time.Millisecond) // give PerformRead time to suspend on an empty pipe
	_, err := unix.Write(wfd, []byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-result:
		assert.Equal(t, "hello", got)
	case <-time.After(time.Second):
		t.Fatal("PerformRead never observed the write")
	}
}

func TestCancelReadUnblocksWaiter(t *testing.T) {
	sched, stop := newRunningScheduler(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(wfd)

	ch := ioch.New(rfd, scheduler.EdgeTriggered, sched)
	defer ch.Close()
	sched.Schedule(func() { ch.EnableReading() })

	done := make(chan error, 1)
	sched.Spawn(func() {
		buf := make([]byte, 16)
		_, err := ch.PerformRead(func(fd int, c *ioch.Channel) (ioch.Status, error) {
			rn, rerr := unix.Read(fd, buf)
			if rerr != nil {
				if rerr == unix.EAGAIN {
					return ioch.NeedRead, nil
				}
				return ioch.Error, rerr
			}
			if rn == 0 {
				return ioch.Eof, nil
			}
			return ioch.Success, nil
		})
		done <- err
	})

	time.Sleep(20 * time.Millisecond)
	ch.CancelRead()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ioch.ErrCanceled)
	case <-time.After(time.Second):
		t.Fatal("CancelRead never unblocked the waiter")
	}
}

func TestConcurrentReadersPanic(t *testing.T) {
	sched, stop := newRunningScheduler(t)
	defer stop()

	rfd, wfd := nonblockingPipe(t)
	defer unix.Close(rfd)
	defer unix.Close(wfd)

	ch := ioch.New(rfd, scheduler.EdgeTriggered, sched)
	defer ch.Close()
	sched.Schedule(func() { ch.EnableReading() })

	blockingOp := func(fd int, c *ioch.Channel) (ioch.Status, error) {
		return ioch.NeedRead, nil
	}

	firstStarted := make(chan struct{})
	sched.Spawn(func() {
		close(firstStarted)
		_, _ = ch.PerformRead(blockingOp)
	})
	<-firstStarted
	time.Sleep(20 * time.Millisecond)

	panicked := make(chan bool, 1)
	sched.Spawn(func() {
		defer func() { panicked <- recover() != nil }()
		_, _ = ch.PerformRead(blockingOp)
	})

	select {
	case got := <-panicked:
		assert.True(t, got)
	case <-time.After(time.Second):
		t.Fatal("second concurrent reader did not panic")
	}
}
