// Package scheduler implements the single-threaded cooperative scheduler
// described by the core specification: one epoll reactor, one timer
// min-heap, one MPSC ready queue and an eventfd-backed cross-thread
// wakeup, all owned by the goroutine that calls Run.
//
// Go has no stackless coroutine handles, so "resuming a coroutine" here
// means invoking a plain func() continuation — almost always one that
// closes or sends on a channel a suspended goroutine is blocked on. The
// goroutine itself plays the role of the coroutine frame.
package scheduler

import (
	"bytes"
	"container/heap"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hwc0919/nitrocoro-sub000/internal/reactor"
)

// TriggerMode selects edge- or level-triggered epoll semantics for an
// IoChannel's registration. Stored per channel, never per fd.
type TriggerMode int

const (
	// LevelTriggered reports readiness repeatedly while it holds (used
	// for the listen socket, per spec §9).
	LevelTriggered TriggerMode = iota
	// EdgeTriggered reports each readiness transition exactly once
	// (used for client/accepted connections, per spec §9).
	EdgeTriggered
)

// IOHandler is invoked by the event loop when epoll reports activity for
// the fd a channel registered. It always runs on the scheduler's thread.
type IOHandler func(fd int, mask uint32)

// defaultPollTimeout bounds how long a loop iteration blocks in epoll_wait
// when no timer is pending, so the loop can still notice Stop().
const defaultPollTimeout = 10 * time.Second

var (
	// ErrAlreadyExists is returned by Run when Run is already executing on
	// the same Scheduler from another goroutine. New performs no per-thread
	// check: constructing several Schedulers is never refused.
	ErrAlreadyExists = errors.New("scheduler: a scheduler is already running on this thread")
	// ErrClosed is not returned by any Scheduler operation; calls made after
	// Stop or after Run has exited are not refused.
	ErrClosed = errors.New("scheduler: scheduler is stopped")
)

type ioChannelCtx struct {
	id           uint64
	fd           int
	handler      IOHandler
	addedToEpoll bool
	events       uint32
	mode         TriggerMode
}

type timerEntry struct {
	when   time.Time
	resume func()
	index  int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Scheduler is a single-threaded, epoll-backed coroutine scheduler. It is
// safe to create many Schedulers in a process as long as each one's Run
// is called from a distinct goroutine/thread — parallelism comes from
// running independent Schedulers on independent threads, never from one
// Scheduler fanning work across threads.
type Scheduler struct {
	poller *reactor.Poller
	logger *zap.Logger

	loopGoid atomic.Int64 // goroutine id of the Run() caller, 0 = not running

	readyMu    sync.Mutex
	ready      []func()
	readyOther []func()

	pendingTimerMu sync.Mutex
	pendingTimers  []*timerEntry
	timers         timerHeap // only ever touched from the loop goroutine

	nextIOID   atomic.Uint64
	ioChannels map[uint64]*ioChannelCtx // only ever touched from the loop goroutine

	running atomic.Bool
	done    chan struct{}
}

// New constructs a Scheduler. Failure to create the epoll instance or the
// wakeup eventfd is fatal, per spec §4.1/§7.
func New(logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p, err := reactor.Open()
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler")
	}
	return &Scheduler{
		poller:     p,
		logger:     logger,
		ioChannels: make(map[uint64]*ioChannelCtx),
		done:       make(chan struct{}),
	}, nil
}

// NextIOID allocates a channel id unique for the lifetime of this
// Scheduler. IDs start at 1 so that 0 stays reserved for the wakeup fd.
func (s *Scheduler) NextIOID() uint64 {
	return s.nextIOID.Add(1)
}

// Run blocks, pinning the calling goroutine to its OS thread, and drives
// the event loop until Stop is observed.
func (s *Scheduler) Run() error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !s.loopGoid.CompareAndSwap(0, curGoroutineID()) {
		return ErrAlreadyExists
	}
	defer s.loopGoid.Store(0)
	defer close(s.done)

	s.running.Store(true)
	var eventBuf []reactor.Event
	for s.running.Load() {
		timeoutMs := s.nextTimeoutMs()

		var err error
		eventBuf, err = s.poller.Wait(eventBuf[:0], timeoutMs)
		if err != nil {
			s.logger.Error("poller wait failed", zap.Error(err))
			continue
		}
		for _, e := range eventBuf {
			ctx, ok := s.ioChannels[e.Key]
			if !ok {
				continue
			}
			ctx.handler(ctx.fd, e.Mask)
		}

		s.runDueTimers()
		s.drainReady()
	}
	return nil
}

// Stop requests loop termination. Safe from any thread.
func (s *Scheduler) Stop() {
	s.running.Store(false)
	if err := s.poller.Wakeup(); err != nil {
		s.logger.Warn("wakeup failed during stop", zap.Error(err))
	}
}

// Done is closed once Run has fully unwound.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Logger returns the structured logger this scheduler was built with.
func (s *Scheduler) Logger() *zap.Logger { return s.logger }

// Close releases the underlying epoll and wakeup file descriptors. Call
// only after Run has returned.
func (s *Scheduler) Close() error {
	return s.poller.Close()
}

// OnLoopGoroutine reports whether the calling goroutine is the one
// currently executing Run's loop body. This is the convenience accessor
// spec §9 allows in place of a true thread-local "current scheduler" —
// every primitive that truly needs thread affinity is routed through
// Schedule/Dispatch instead of relying on this check for correctness.
func (s *Scheduler) OnLoopGoroutine() bool {
	return s.loopGoid.Load() == curGoroutineID()
}

// Schedule enqueues fn for invocation on the scheduler's thread. Safe
// from any thread; wakes the loop if called off-thread.
func (s *Scheduler) Schedule(fn func()) {
	s.readyMu.Lock()
	s.ready = append(s.ready, fn)
	s.readyMu.Unlock()
	if !s.OnLoopGoroutine() {
		if err := s.poller.Wakeup(); err != nil {
			s.logger.Warn("wakeup failed during schedule", zap.Error(err))
		}
	}
}

// Dispatch runs fn synchronously if already on the scheduler's thread,
// otherwise behaves like Schedule.
func (s *Scheduler) Dispatch(fn func()) {
	if s.OnLoopGoroutine() {
		fn()
		return
	}
	s.Schedule(fn)
}

// ScheduleAt submits a one-shot timer resumption. Safe from any thread.
func (s *Scheduler) ScheduleAt(when time.Time, resume func()) {
	s.pendingTimerMu.Lock()
	s.pendingTimers = append(s.pendingTimers, &timerEntry{when: when, resume: resume})
	s.pendingTimerMu.Unlock()
	if !s.OnLoopGoroutine() {
		if err := s.poller.Wakeup(); err != nil {
			s.logger.Warn("wakeup failed during schedule_at", zap.Error(err))
		}
	}
}

// SwitchTo returns at once on the loop goroutine. Elsewhere it suspends
// the calling goroutine until the loop has drained a hand-off placed in
// the ready queue, so everything scheduled before the call has run. The
// caller keeps running on its own goroutine afterwards: OnLoopGoroutine
// still reports false for it, and Dispatch from it still goes through
// the ready queue.
func (s *Scheduler) SwitchTo() {
	if s.OnLoopGoroutine() {
		return
	}
	done := make(chan struct{})
	s.Schedule(func() { close(done) })
	<-done
}

// SleepFor suspends the calling goroutine for at least d.
func (s *Scheduler) SleepFor(d time.Duration) {
	s.SleepUntil(time.Now().Add(d))
}

// SleepUntil suspends the calling goroutine until at least `when`.
func (s *Scheduler) SleepUntil(when time.Time) {
	done := make(chan struct{})
	s.ScheduleAt(when, func() { close(done) })
	<-done
}

// Spawn starts a fire-and-forget coroutine: the ready queue, on the
// scheduler's thread, starts a new goroutine that runs factory. factory
// itself does not run on the loop goroutine. A panic escaping factory is
// logged and then re-raised, terminating the process — spawn offers no
// supervision.
func (s *Scheduler) Spawn(factory func()) {
	s.Schedule(func() {
		go s.runSpawned(factory)
	})
}

func (s *Scheduler) runSpawned(factory func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic escaped spawned coroutine", zap.Any("panic", r))
			panic(r)
		}
	}()
	factory()
}

// SetIOHandler installs the readiness callback for a channel id/fd pair.
// Must be called on the scheduler's thread.
func (s *Scheduler) SetIOHandler(id uint64, fd int, handler IOHandler) {
	if ctx, ok := s.ioChannels[id]; ok {
		ctx.handler = handler
		return
	}
	s.ioChannels[id] = &ioChannelCtx{id: id, fd: fd, handler: handler}
}

// UpdateIO installs, modifies, or (when events==0) tears down the epoll
// registration for a channel, preserving its handler context. Must be
// called on the scheduler's thread.
func (s *Scheduler) UpdateIO(id uint64, fd int, events uint32, mode TriggerMode) error {
	ctx, ok := s.ioChannels[id]
	if !ok {
		ctx = &ioChannelCtx{id: id, fd: fd}
		s.ioChannels[id] = ctx
	}
	ctx.events = events
	ctx.mode = mode

	if events == 0 {
		if ctx.addedToEpoll {
			if err := s.poller.Remove(fd); err != nil {
				return errors.Wrap(err, "remove io interest")
			}
			ctx.addedToEpoll = false
		}
		return nil
	}

	epollEvents := events
	if mode == EdgeTriggered {
		epollEvents |= reactor.EdgeTrig
	}

	var err error
	if ctx.addedToEpoll {
		err = s.poller.Modify(id, fd, epollEvents)
	} else {
		err = s.poller.Add(id, fd, epollEvents)
	}
	if err != nil {
		return errors.Wrap(err, "update io interest")
	}
	ctx.addedToEpoll = true
	return nil
}

// RemoveIO detaches a channel entirely. Must be called on the scheduler's
// thread. Idempotent: removing an unknown id is a no-op.
func (s *Scheduler) RemoveIO(id uint64) error {
	ctx, ok := s.ioChannels[id]
	if !ok {
		return nil
	}
	delete(s.ioChannels, id)
	if ctx.addedToEpoll {
		if err := s.poller.Remove(ctx.fd); err != nil {
			s.logger.Warn("epoll remove failed", zap.Int("fd", ctx.fd), zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) nextTimeoutMs() int {
	s.drainPendingTimers()
	if s.timers.Len() == 0 {
		return int(defaultPollTimeout / time.Millisecond)
	}
	earliest := s.timers[0].when
	now := time.Now()
	if !earliest.After(now) {
		return 0
	}
	return int(earliest.Sub(now) / time.Millisecond)
}

func (s *Scheduler) drainPendingTimers() {
	s.pendingTimerMu.Lock()
	pending := s.pendingTimers
	s.pendingTimers = nil
	s.pendingTimerMu.Unlock()
	for _, t := range pending {
		heap.Push(&s.timers, t)
	}
}

func (s *Scheduler) runDueTimers() {
	s.drainPendingTimers()
	now := time.Now()
	var due []func()
	for s.timers.Len() > 0 && !s.timers[0].when.After(now) {
		t := heap.Pop(&s.timers).(*timerEntry)
		due = append(due, t.resume)
	}
	if len(due) == 0 {
		return
	}
	s.readyMu.Lock()
	s.ready = append(s.ready, due...)
	s.readyMu.Unlock()
}

func (s *Scheduler) drainReady() {
	s.readyMu.Lock()
	s.ready, s.readyOther = s.readyOther, s.ready
	s.readyMu.Unlock()

	for _, fn := range s.readyOther {
		fn()
	}
	for i := range s.readyOther {
		s.readyOther[i] = nil
	}
	s.readyOther = s.readyOther[:0]
}

// curGoroutineID extracts the calling goroutine's runtime id from the
// "goroutine N [running]:" header of a stack trace. It exists solely to
// back OnLoopGoroutine's convenience fast path (spec §9 explicitly allows
// omitting a true thread-local here in favor of explicit plumbing), never
// for correctness-critical synchronization.
func curGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return -1
	}
	return id
}
