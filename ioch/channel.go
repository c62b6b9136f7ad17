// Package ioch adapts a non-blocking file descriptor into suspendable
// read/write operations, with edge- and level-triggered epoll modes and
// cooperative cancellation. It is the Go analogue of spec's IoChannel.
package ioch

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hwc0919/nitrocoro-sub000/internal/reactor"
	"github.com/hwc0919/nitrocoro-sub000/scheduler"
)

// Status is the outcome a user I/O callable reports back to the
// readiness state machine driving PerformRead/PerformWrite.
type Status int

const (
	// Success reports the operation fully completed.
	Success Status = iota
	// NeedRead reports a would-block condition on read; the channel's
	// readable flag is cleared and the caller suspends until the next
	// readiness edge/level.
	NeedRead
	// NeedWrite is NeedRead's write-side counterpart.
	NeedWrite
	// Retry asks PerformRead/PerformWrite to invoke the callable again
	// immediately, without suspending (e.g. after EINTR).
	Retry
	// Eof reports a clean end-of-stream (a zero-length read).
	Eof
	// Disconnect reports a peer reset / broken pipe condition.
	Disconnect
	// Error reports any other I/O failure.
	Error
)

// OpFunc is the user-supplied callable driving one read or write attempt.
// It must not block; (fd, ch) mirror the spec's "(fd, channel) -> IoStatus"
// signature, plus a Go error carrying failure detail for Disconnect/Error.
type OpFunc func(fd int, ch *Channel) (Status, error)

// Sentinel errors. PerformRead/PerformWrite return ErrCanceled when a
// suspended operation is canceled. ErrAlreadyWaiting is not returned by
// this package: a second concurrent waiter on one slot panics instead.
var (
	ErrCanceled       = errors.New("ioch: operation canceled")
	ErrAlreadyWaiting = errors.New("ioch: channel already has a suspended reader or writer")
)

// ioState is the record shared between the Channel and the scheduler's
// installed handler closure. Go's tracing GC makes the weak-pointer dance
// spec §9 describes for C++ unnecessary: the handler closure simply holds
// a strong *ioState, and the cycle is broken explicitly by RemoveIO on
// Close, not by a finalizer.
type ioState struct {
	mu   sync.Mutex
	fd   int
	sch  *scheduler.Scheduler
	id   uint64
	mode scheduler.TriggerMode

	readable bool
	writable bool // initially true per spec §3

	readableWaiter chan struct{}
	writableWaiter chan struct{}

	readCanceled  bool
	writeCanceled bool
}

// Channel is a user-facing handle bound to a Scheduler and a single
// non-blocking fd. It is not safe to copy; always use *Channel.
type Channel struct {
	id    uint64
	fd    int
	mode  scheduler.TriggerMode
	sched *scheduler.Scheduler
	state *ioState
	// events is the currently-enabled epoll interest mask, touched only
	// on the scheduler's thread.
	events uint32
}

// New constructs a Channel for fd on sched with the given trigger mode.
// Construction may happen on any goroutine: registration with the
// scheduler is deferred onto the scheduler's own thread.
func New(fd int, mode scheduler.TriggerMode, sched *scheduler.Scheduler) *Channel {
	id := sched.NextIOID()
	st := &ioState{fd: fd, sch: sched, id: id, mode: mode, writable: true}
	c := &Channel{id: id, fd: fd, mode: mode, sched: sched, state: st}

	sched.Schedule(func() {
		sched.SetIOHandler(id, fd, func(fd int, ev uint32) {
			handleIOEvents(st, ev)
		})
	})
	return c
}

// Scheduler returns the scheduler this channel is bound to.
func (c *Channel) Scheduler() *scheduler.Scheduler { return c.sched }

// FD returns the underlying file descriptor.
func (c *Channel) FD() int { return c.fd }

// handleIOEvents runs on the scheduler's thread during the I/O phase of
// one event-loop iteration. It sets the readiness flag first, then
// schedules the waiter's resumption — satisfying the invariant that any
// readiness observation is visible before the waiter is woken, and that
// the actual resumption lands in the same iteration's ready-queue phase
// (spec §4.1 ordering guarantees).
func handleIOEvents(st *ioState, ev uint32) {
	st.mu.Lock()
	var wakeRead, wakeWrite chan struct{}
	if ev&uint32(reactor.Readable|reactor.ErrHangup) != 0 {
		st.readable = true
		if st.readableWaiter != nil {
			wakeRead = st.readableWaiter
			st.readableWaiter = nil
		}
	}
	if ev&uint32(reactor.Writable|reactor.ErrHangup) != 0 {
		st.writable = true
		if st.writableWaiter != nil {
			wakeWrite = st.writableWaiter
			st.writableWaiter = nil
		}
	}
	sch := st.sch
	st.mu.Unlock()

	if wakeRead != nil {
		sch.Schedule(func() { close(wakeRead) })
	}
	if wakeWrite != nil {
		sch.Schedule(func() { close(wakeWrite) })
	}
}

func (c *Channel) refreshEpoll() {
	if err := c.sched.UpdateIO(c.id, c.fd, c.events, c.mode); err != nil {
		// Non-fatal per spec §4.1: log and keep the loop alive. The
		// caller observes failures through the next read/write attempt.
		c.sched.Logger().Warn("epoll registration update failed",
			zap.Uint64("channel_id", c.id), zap.Int("fd", c.fd), zap.Error(err))
	}
}

// EnableReading/EnableWriting/DisableReading/DisableWriting/DisableAll
// must be called on the scheduler's thread; other goroutines reach them
// through Schedule. PerformRead/PerformWrite never call them.
func (c *Channel) EnableReading() {
	if c.events&uint32(reactor.Readable) == 0 {
		c.events |= uint32(reactor.Readable)
		c.refreshEpoll()
	}
}

func (c *Channel) DisableReading() {
	if c.events&uint32(reactor.Readable) != 0 {
		c.events &^= uint32(reactor.Readable)
		c.refreshEpoll()
	}
}

func (c *Channel) EnableWriting() {
	if c.events&uint32(reactor.Writable) == 0 {
		c.events |= uint32(reactor.Writable)
		c.refreshEpoll()
	}
}

func (c *Channel) DisableWriting() {
	if c.events&uint32(reactor.Writable) != 0 {
		c.events &^= uint32(reactor.Writable)
		c.refreshEpoll()
	}
}

func (c *Channel) DisableAll() {
	if c.events != 0 {
		c.events = 0
		c.refreshEpoll()
	}
}

// waitReadable suspends the calling goroutine until the channel's
// readable flag is set, a cancellation is requested, or it is already
// set. Only one goroutine may wait on this slot at a time; violating
// that single-reader contract is a programming error and panics.
func (st *ioState) waitReadable() error {
	st.mu.Lock()
	if st.readable {
		st.mu.Unlock()
		return nil
	}
	if st.readableWaiter != nil {
		st.mu.Unlock()
		panic("ioch: concurrent readers on one IoChannel")
	}
	ch := make(chan struct{})
	st.readableWaiter = ch
	st.mu.Unlock()

	<-ch

	st.mu.Lock()
	canceled := st.readCanceled
	st.readCanceled = false
	st.mu.Unlock()
	if canceled {
		return ErrCanceled
	}
	return nil
}

func (st *ioState) waitWritable() error {
	st.mu.Lock()
	if st.writable {
		st.mu.Unlock()
		return nil
	}
	if st.writableWaiter != nil {
		st.mu.Unlock()
		panic("ioch: concurrent writers on one IoChannel")
	}
	ch := make(chan struct{})
	st.writableWaiter = ch
	st.mu.Unlock()

	<-ch

	st.mu.Lock()
	canceled := st.writeCanceled
	st.writeCanceled = false
	st.mu.Unlock()
	if canceled {
		return ErrCanceled
	}
	return nil
}

// PerformRead drives op against the readable readiness machine described
// in spec §4.2 until it reports a terminal status.
func (c *Channel) PerformRead(op OpFunc) (Status, error) {
	c.sched.SwitchTo()
	for {
		if !c.state.readableSnapshot() {
			if err := c.state.waitReadable(); err != nil {
				return Error, err
			}
		}
		status, err := op(c.fd, c)
		switch status {
		case Success:
			if c.mode == scheduler.LevelTriggered {
				c.state.setReadable(false)
			}
			return Success, nil
		case NeedRead:
			c.state.setReadable(false)
			continue
		case Retry:
			continue
		case Eof:
			return Eof, nil
		case Disconnect:
			return Disconnect, err
		default:
			return Error, err
		}
	}
}

// PerformWrite is PerformRead's write-side mirror. A writable edge/level
// only ever arrives for fds with EPOLLOUT interest registered, so op must
// call EnableWriting itself the first time it reports NeedWrite, and
// DisableWriting once the write it is driving completes — PerformWrite
// does not toggle epoll interest on op's behalf.
func (c *Channel) PerformWrite(op OpFunc) (Status, error) {
	c.sched.SwitchTo()
	for {
		if !c.state.writableSnapshot() {
			if err := c.state.waitWritable(); err != nil {
				return Error, err
			}
		}
		status, err := op(c.fd, c)
		switch status {
		case Success:
			if c.mode == scheduler.LevelTriggered {
				c.state.setWritable(false)
			}
			return Success, nil
		case NeedWrite:
			c.state.setWritable(false)
			continue
		case Retry:
			continue
		case Eof:
			return Eof, nil
		case Disconnect:
			return Disconnect, err
		default:
			return Error, err
		}
	}
}

func (st *ioState) readableSnapshot() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.readable
}

func (st *ioState) writableSnapshot() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.writable
}

func (st *ioState) setReadable(v bool) {
	st.mu.Lock()
	st.readable = v
	st.mu.Unlock()
}

func (st *ioState) setWritable(v bool) {
	st.mu.Lock()
	st.writable = v
	st.mu.Unlock()
}

// CancelRead/CancelWrite/CancelAll are idempotent: they are no-ops unless
// a coroutine is currently suspended on the corresponding slot.
func (c *Channel) CancelRead() {
	c.state.mu.Lock()
	ch := c.state.readableWaiter
	if ch == nil {
		c.state.mu.Unlock()
		return
	}
	c.state.readableWaiter = nil
	c.state.readCanceled = true
	c.state.mu.Unlock()
	c.sched.Schedule(func() { close(ch) })
}

func (c *Channel) CancelWrite() {
	c.state.mu.Lock()
	ch := c.state.writableWaiter
	if ch == nil {
		c.state.mu.Unlock()
		return
	}
	c.state.writableWaiter = nil
	c.state.writeCanceled = true
	c.state.mu.Unlock()
	c.sched.Schedule(func() { close(ch) })
}

func (c *Channel) CancelAll() {
	c.CancelRead()
	c.CancelWrite()
}

// Close schedules de-registration of the channel on the scheduler's
// thread. Safe to call from any goroutine; safe to call more than once.
func (c *Channel) Close() {
	id := c.id
	sched := c.sched
	sched.Schedule(func() {
		_ = sched.RemoveIO(id)
	})
}
