package syncx

import (
	"github.com/pkg/errors"

	"github.com/hwc0919/nitrocoro-sub000/scheduler"
)

// ErrPromiseBroken is returned by Future.Get/SharedFuture.Get when the
// shared value pointer it was created against is the zero value — never
// produced by NewPromise, reserved for callers constructing a Future by
// hand in tests.
var ErrPromiseBroken = errors.New("syncx: broken promise")

// sharedState is the producer/consumer rendezvous point behind a
// Promise/Future/SharedFuture triple. Its mutex is the synchronization
// boundary the spec calls for between the producing and consuming
// coroutines, which may run on different schedulers or no scheduler at
// all.
type sharedState[T any] struct {
	mu      Mutex
	sched   *scheduler.Scheduler
	ready   bool
	value   T
	err     error
	waiters []func()
}

func (s *sharedState[T]) get() (T, error) {
	if s == nil {
		var zero T
		return zero, ErrPromiseBroken
	}
	s.mu.Lock(s.sched)
	if s.ready {
		v, err := s.value, s.err
		s.mu.Unlock()
		return v, err
	}
	done := make(chan struct{})
	s.waiters = append(s.waiters, func() { close(done) })
	s.mu.Unlock()

	<-done

	s.mu.Lock(s.sched)
	v, err := s.value, s.err
	s.mu.Unlock()
	return v, err
}

func (s *sharedState[T]) complete(v T, err error) {
	s.mu.Lock(s.sched)
	if s.ready {
		s.mu.Unlock()
		panic("syncx: promise already satisfied")
	}
	s.value, s.err, s.ready = v, err, true
	waiters := s.waiters
	s.waiters = nil
	sched := s.sched
	s.mu.Unlock()

	for _, w := range waiters {
		if sched != nil {
			sched.Schedule(w)
		} else {
			w()
		}
	}
}

// Promise is the write side of a one-shot value handed off between
// coroutines, mirroring spec §4.4.
type Promise[T any] struct {
	state *sharedState[T]
}

// Future is the single-consumer read side of a Promise's value. Get
// invalidates the Future; a second call panics, matching the spec's
// "future is no longer valid after awaiting it" contract.
type Future[T any] struct {
	state    *sharedState[T]
	consumed bool
}

// SharedFuture is Future's multi-consumer counterpart: Get may be called
// any number of times, from any number of goroutines, all observing the
// same resolved value or error.
type SharedFuture[T any] struct {
	state *sharedState[T]
}

// NewPromise creates a linked Promise/Future pair. sched, if non-nil, is
// the scheduler waiters should be resumed on; nil resumes inline from
// whichever goroutine calls SetValue/SetException.
func NewPromise[T any](sched *scheduler.Scheduler) (*Promise[T], *Future[T]) {
	st := &sharedState[T]{sched: sched}
	return &Promise[T]{state: st}, &Future[T]{state: st}
}

// SetValue resolves the promise with v. Calling SetValue or SetException
// more than once on the same promise is a programming error and panics.
func (p *Promise[T]) SetValue(v T) { p.state.complete(v, nil) }

// SetException resolves the promise with an error instead of a value.
func (p *Promise[T]) SetException(err error) {
	var zero T
	p.state.complete(zero, err)
}

// Get suspends the calling goroutine until the promise resolves, then
// returns its value or error. Get must not be called more than once on
// the same Future.
func (f *Future[T]) Get() (T, error) {
	if f.consumed {
		panic("syncx: Future.Get called more than once")
	}
	f.consumed = true
	return f.state.get()
}

// Valid reports whether Get may still be called.
func (f *Future[T]) Valid() bool { return f.state != nil && !f.consumed }

// Share converts the Future into a SharedFuture without consuming it,
// after which the original Future must not be used.
func (f *Future[T]) Share() *SharedFuture[T] {
	if f.consumed {
		panic("syncx: Share called on a consumed Future")
	}
	f.consumed = true
	return &SharedFuture[T]{state: f.state}
}

// Get suspends the calling goroutine until the underlying promise
// resolves. Unlike Future.Get, it may be called repeatedly and
// concurrently; every caller observes the same outcome.
func (f *SharedFuture[T]) Get() (T, error) { return f.state.get() }
