package tcpnet_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hwc0919/nitrocoro-sub000/scheduler"
	"github.com/hwc0919/nitrocoro-sub000/tcpnet"
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

func TestEchoServerRoundTrip(t *testing.T) {
	sched, stop := newRunningScheduler(t)
	defer stop()

	server, err := tcpnet.NewServer(sched, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}, nil)
	require.NoError(t, err)

	require.NoError(t, server.Start(func(conn *tcpnet.Connection) {
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil || n == 0 {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
		}
	}))
	defer server.Stop()

	client, err := tcpnet.Connect(sched, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: server.Port()}, nil)
	require.NoError(t, err)
	defer client.ForceClose()

	payload := []byte("hello, world")
	_, err = client.Write(payload)
	require.NoError(t, err)

	buf := make([]byte, len(payload))
	total := 0
	deadline := time.Now().Add(2 * time.Second)
	for total < len(buf) && time.Now().Before(deadline) {
		n, err := client.Read(buf[total:])
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, payload, buf[:total])
}

// TestWriteBackpressureDrains writes far more than a loopback socket's send
// buffer can hold to a deliberately slow reader, forcing Write to hit
// EAGAIN and suspend on writability rather than the data ever fitting in
// one non-blocking write(2) call.
func TestWriteBackpressureDrains(t *testing.T) {
	sched, stop := newRunningScheduler(t)
	defer stop()

	const payloadSize = 8 * 1024 * 1024
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	server, err := tcpnet.NewServer(sched, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}, nil)
	require.NoError(t, err)

	received := make(chan int, 1)
	require.NoError(t, server.Start(func(conn *tcpnet.Connection) {
		buf := make([]byte, 4096)
		total := 0
		for {
			sched.SleepFor(time.Millisecond) // slow reader, forces the writer to block
			n, err := conn.Read(buf)
			if err != nil || n == 0 {
				received <- total
				return
			}
			total += n
		}
	}))
	defer server.Stop()

	client, err := tcpnet.Connect(sched, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: server.Port()}, nil)
	require.NoError(t, err)

	writeDone := make(chan error, 1)
	go func() {
		_, werr := client.Write(payload)
		writeDone <- werr
	}()

	select {
	case err := <-writeDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Write never returned; backpressured write path is stuck")
	}
	require.NoError(t, client.Shutdown())

	select {
	case n := <-received:
		assert.Equal(t, payloadSize, n)
	case <-time.After(10 * time.Second):
		t.Fatal("server never finished reading the payload")
	}
	client.ForceClose()
}

func TestServerStopClosesLiveConnections(t *testing.T) {
	sched, stop := newRunningScheduler(t)
	defer stop()

	server, err := tcpnet.NewServer(sched, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}, nil)
	require.NoError(t, err)

	accepted := make(chan *tcpnet.Connection, 1)
	require.NoError(t, server.Start(func(conn *tcpnet.Connection) {
		accepted <- conn
		buf := make([]byte, 16)
		_, _ = conn.Read(buf) // blocks until ForceClose cancels it during Stop
	}))

	client, err := tcpnet.Connect(sched, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: server.Port()}, nil)
	require.NoError(t, err)
	defer client.ForceClose()

	select {
	case <-accepted:
	case <-time.After(time.Second):
		t.Fatal("server never accepted the connection")
	}

	done := make(chan struct{})
	go func() {
		server.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return; live connections were not closed")
	}
}

func TestWaitReturnsAfterStop(t *testing.T) {
	sched, stop := newRunningScheduler(t)
	defer stop()

	server, err := tcpnet.NewServer(sched, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}, nil)
	require.NoError(t, err)
	require.NoError(t, server.Start(func(conn *tcpnet.Connection) {}))

	waited := make(chan struct{})
	go func() {
		_ = server.Wait()
		close(waited)
	}()

	time.Sleep(10 * time.Millisecond)
	server.Stop()

	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait never returned after Stop")
	}
}
