// Package syncx provides the coroutine-aware synchronization primitives
// from spec §4.3/§4.4: a non-blocking Mutex and a Future/Promise pair.
// "Coroutine-aware" here means they suspend goroutines via channels
// instead of blocking OS threads through sync.Mutex/sync.Cond.
package syncx

import (
	"sync"
	"sync/atomic"

	"github.com/hwc0919/nitrocoro-sub000/scheduler"
)

// waiterNode is one entry of the Mutex's lock-free, push-only contender
// stack. Its `next` pointer is only ever written by its own pusher before
// the CAS that publishes it, so no synchronization is needed for writes,
// only for the publish itself.
type waiterNode struct {
	next   *waiterNode
	resume func()
	sched  *scheduler.Scheduler
}

// unlocked is a distinguished sentinel *waiterNode that can never be a
// real waiter (it is never pushed), so Mutex.state == unlocked is the
// only representation of "unlocked". Any other value — nil or a real
// waiter pointer — means "locked", per spec §4.3.
var unlocked = &waiterNode{}

// Mutex is a coroutine-aware mutual exclusion lock. The zero value is
// ready to use.
type Mutex struct {
	initOnce sync.Once
	state    atomic.Pointer[waiterNode]

	// fifo is the one-directional queue popped during Unlock, built by
	// reversing the LIFO contender stack. It is logically thread-confined
	// to whichever goroutine is inside Unlock, but fifoMu guards it since
	// distinct goroutines call Unlock at distinct times.
	fifoMu sync.Mutex
	fifo   []*waiterNode
}

// init nudges a zero-value Mutex's state to `unlocked` exactly once.
// atomic.Pointer's zero value is nil, which this package also uses to mean
// "locked, empty wait list" — so this must run only on the very first call
// any Mutex method makes, via initOnce, never as an unconditional
// CAS(nil, unlocked) on every call: once a lock has been acquired, state
// legitimately sits at nil while held, and re-running that CAS would stomp
// a live "locked" state back to "unlocked" underneath its holder.
func (m *Mutex) init() {
	m.initOnce.Do(func() {
		m.state.Store(unlocked)
	})
}

// TryLock attempts to acquire the mutex without suspending. It succeeds
// only if the mutex was unlocked.
func (m *Mutex) TryLock() bool {
	m.init()
	return m.state.CompareAndSwap(unlocked, nil)
}

// Lock suspends the calling goroutine until the mutex is acquired. sched,
// if non-nil, is the scheduler this waiter should be resumed on; nil
// means "resume inline from whichever goroutine calls Unlock".
func (m *Mutex) Lock(sched *scheduler.Scheduler) {
	m.init()
	if m.TryLock() {
		return
	}

	done := make(chan struct{})
	node := &waiterNode{resume: func() { close(done) }, sched: sched}
	for {
		old := m.state.Load()
		if old == unlocked {
			if m.state.CompareAndSwap(old, nil) {
				return // acquired directly, no suspension needed
			}
			continue
		}
		var next *waiterNode
		if old != nil {
			next = old
		}
		node.next = next
		if m.state.CompareAndSwap(old, node) {
			break
		}
	}
	<-done
}

// Unlock releases the mutex, waking the next waiter in FIFO order within
// the batch that accumulated since the previous Unlock. Ordering across
// batches is arbitrary but starvation-free: every push eventually drains.
func (m *Mutex) Unlock() {
	m.init()
	m.fifoMu.Lock()
	defer m.fifoMu.Unlock()

	if len(m.fifo) == 0 {
		for {
			old := m.state.Load()
			if old == unlocked {
				panic("syncx: Unlock of unlocked Mutex")
			}
			if !m.state.CompareAndSwap(old, nil) {
				continue
			}
			// Reverse the popped LIFO stack into FIFO order.
			for n := old; n != nil; {
				next := n.next
				n.next = nil
				m.fifo = append(m.fifo, n)
				n = next
			}
			for i, j := 0, len(m.fifo)-1; i < j; i, j = i+1, j-1 {
				m.fifo[i], m.fifo[j] = m.fifo[j], m.fifo[i]
			}
			break
		}
	}

	if len(m.fifo) == 0 {
		// No contenders existed at the moment we swapped the stack to
		// nil. Try to publish "unlocked" — a CAS, not a store, so a
		// waiter that pushed itself in the meantime is never lost: the
		// CAS simply fails and we fall through to hand off to it below.
		if m.state.CompareAndSwap(nil, unlocked) {
			return
		}
		old := m.state.Load()
		for !m.state.CompareAndSwap(old, nil) {
			old = m.state.Load()
		}
		for n := old; n != nil; {
			next := n.next
			n.next = nil
			m.fifo = append(m.fifo, n)
			n = next
		}
		for i, j := 0, len(m.fifo)-1; i < j; i, j = i+1, j-1 {
			m.fifo[i], m.fifo[j] = m.fifo[j], m.fifo[i]
		}
	}

	if len(m.fifo) == 0 {
		// Lost the race above to another Unlock (shouldn't happen given
		// fifoMu serializes unlockers, but stay defensive).
		return
	}

	next := m.fifo[0]
	m.fifo = m.fifo[1:]
	if next.sched != nil {
		next.sched.Schedule(next.resume)
	} else {
		next.resume()
	}
}

// Guard is the RAII-style value ScopedLock resolves to; Release() (or
// Unlock(), its alias) releases the lock exactly once, from any return
// path — normal completion, early return, or a recovered panic.
type Guard struct {
	m        *Mutex
	released bool
}

// Release unlocks the mutex. Calling it more than once is a no-op.
func (g *Guard) Release() {
	if g.released {
		return
	}
	g.released = true
	g.m.Unlock()
}

// Unlock is an alias for Release so `defer guard.Unlock()` reads naturally.
func (g *Guard) Unlock() { g.Release() }

// ScopedLock acquires m and returns a Guard; callers are expected to
// `defer guard.Release()` immediately.
func (m *Mutex) ScopedLock(sched *scheduler.Scheduler) *Guard {
	m.Lock(sched)
	return &Guard{m: m}
}
