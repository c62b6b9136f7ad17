package tcpnet

import (
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/hwc0919/nitrocoro-sub000/ioch"
	"github.com/hwc0919/nitrocoro-sub000/scheduler"
	"github.com/hwc0919/nitrocoro-sub000/syncx"
)

// ErrClosed is returned by Read/Write once ForceClose has run.
var ErrClosed = errors.New("tcpnet: connection closed")

// Connection is a single non-blocking TCP stream socket bound to one
// Scheduler, with reads driven through one ioch.Channel and writes
// serialized by a coroutine-aware Mutex so concurrent writers are safe
// (spec §4.5: "concurrent writers are serialized by the mutex").
type Connection struct {
	fd      int
	ch      *ioch.Channel
	sched   *scheduler.Scheduler
	writeMu syncx.Mutex
	closed  atomic.Bool
	logger  *zap.Logger

	local  *net.TCPAddr
	remote *net.TCPAddr
}

func newConnection(fd int, sched *scheduler.Scheduler, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Connection{fd: fd, sched: sched, logger: logger}
	c.ch = ioch.New(fd, scheduler.EdgeTriggered, sched)
	sched.Schedule(func() { c.ch.EnableReading() })
	return c
}

// Connect dials raddr, suspending the calling goroutine until the
// connection completes or fails. Name resolution is the caller's
// responsibility — this core treats DNS as out of scope, so raddr must
// already carry a resolved IP.
func Connect(sched *scheduler.Scheduler, raddr *net.TCPAddr, logger *zap.Logger) (*Connection, error) {
	sa, domain := sockaddrFromTCPAddr(raddr)
	fd, err := newNonblockingSocket(domain)
	if err != nil {
		return nil, err
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, errors.Wrap(err, "connect")
	}

	conn := newConnection(fd, sched, logger)
	conn.remote = raddr
	if local, lerr := boundTCPAddr(fd); lerr == nil {
		conn.local = local
	}

	if err == nil {
		return conn, nil // connected synchronously (e.g. loopback)
	}

	conn.sched.Schedule(func() { conn.ch.EnableWriting() })

	firstWait := true
	status, werr := conn.ch.PerformWrite(func(fd int, ch *ioch.Channel) (ioch.Status, error) {
		if firstWait {
			// The channel's writable flag starts true, but a connect in
			// progress has not actually completed yet; force one real
			// suspension for the edge-triggered writable notification
			// before trusting SO_ERROR.
			firstWait = false
			return ioch.NeedWrite, nil
		}
		errno, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			return ioch.Error, gerr
		}
		if errno != 0 {
			return ioch.Error, unix.Errno(errno)
		}
		return ioch.Success, nil
	})
	conn.sched.Schedule(func() { conn.ch.DisableWriting() })
	if status != ioch.Success {
		conn.ForceClose()
		return nil, errors.Wrap(werr, "connect")
	}
	return conn, nil
}

// LocalAddr returns the connection's local endpoint, if known.
func (c *Connection) LocalAddr() *net.TCPAddr { return c.local }

// RemoteAddr returns the connection's peer endpoint, if known.
func (c *Connection) RemoteAddr() *net.TCPAddr { return c.remote }

// Read performs one non-blocking read into buf, suspending the calling
// goroutine until data, EOF or an error is available. A clean EOF
// reports (0, nil), matching spec §4.5.
func (c *Connection) Read(buf []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	var n int
	status, err := c.ch.PerformRead(func(fd int, ch *ioch.Channel) (ioch.Status, error) {
		readN, rerr := unix.Read(fd, buf)
		switch {
		case rerr == nil && readN == 0:
			return ioch.Eof, nil
		case rerr == nil:
			n = readN
			return ioch.Success, nil
		case errors.Is(rerr, unix.EAGAIN):
			return ioch.NeedRead, nil
		case errors.Is(rerr, unix.EINTR):
			return ioch.Retry, nil
		case errors.Is(rerr, unix.ECONNRESET):
			return ioch.Disconnect, rerr
		default:
			return ioch.Error, rerr
		}
	})
	switch status {
	case ioch.Success:
		return n, nil
	case ioch.Eof:
		return 0, nil
	case ioch.Disconnect:
		return 0, errors.Wrap(err, "connection reset by peer")
	default:
		if errors.Is(err, ioch.ErrCanceled) {
			return 0, ErrClosed
		}
		return 0, errors.Wrap(err, "read failed")
	}
}

// Write writes all of buf, looping internally across short writes and
// readiness suspensions. Concurrent Write calls on the same Connection
// are serialized by writeMu rather than racing the socket.
func (c *Connection) Write(buf []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	guard := c.writeMu.ScopedLock(c.sched)
	defer guard.Release()

	// EPOLLOUT is only registered once a write actually blocks, and torn
	// down again once this call is done with it — mirroring the original's
	// BufferWriter, which calls enableWriting() on EAGAIN and
	// disableWriting() once the write completes.
	var writingEnabled bool
	defer func() {
		if writingEnabled {
			c.sched.Schedule(func() { c.ch.DisableWriting() })
		}
	}()

	total := 0
	for total < len(buf) {
		var n int
		status, err := c.ch.PerformWrite(func(fd int, ch *ioch.Channel) (ioch.Status, error) {
			wn, werr := unix.Write(fd, buf[total:])
			switch {
			case werr == nil:
				n = wn
				return ioch.Success, nil
			case errors.Is(werr, unix.EAGAIN):
				if !writingEnabled {
					writingEnabled = true
					c.sched.Schedule(func() { ch.EnableWriting() })
				}
				return ioch.NeedWrite, nil
			case errors.Is(werr, unix.EINTR):
				return ioch.Retry, nil
			case errors.Is(werr, unix.EPIPE), errors.Is(werr, unix.ECONNRESET):
				return ioch.Disconnect, werr
			default:
				return ioch.Error, werr
			}
		})
		switch status {
		case ioch.Success:
			total += n
		case ioch.Disconnect:
			return total, errors.Wrap(err, "connection reset by peer")
		default:
			if errors.Is(err, ioch.ErrCanceled) {
				return total, ErrClosed
			}
			return total, errors.Wrap(err, "write failed")
		}
	}
	return total, nil
}

// Shutdown half-closes the write side (SHUT_WR), letting in-flight reads
// drain while signaling EOF to the peer. It runs on the scheduler's
// thread but may be called from any goroutine.
func (c *Connection) Shutdown() error {
	if c.closed.Load() {
		return ErrClosed
	}
	var shutErr error
	done := make(chan struct{})
	c.sched.Schedule(func() {
		shutErr = unix.Shutdown(c.fd, unix.SHUT_WR)
		close(done)
	})
	<-done
	if shutErr != nil {
		return errors.Wrap(shutErr, "shutdown")
	}
	return nil
}

// ForceClose tears the connection down immediately: it cancels any
// suspended reader/writer, deregisters the channel and closes the fd.
// Idempotent and safe from any goroutine.
func (c *Connection) ForceClose() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	c.sched.Schedule(func() {
		c.ch.CancelAll()
		c.ch.DisableAll()
		c.ch.Close()
		if err := unix.Close(c.fd); err != nil {
			c.logger.Debug("close failed", zap.Int("fd", c.fd), zap.Error(err))
		}
		close(done)
	})
	<-done
}
