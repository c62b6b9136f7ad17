//go:build linux

// Package reactor wraps the epoll(7) readiness poller and the eventfd(2)
// cross-thread wakeup primitive used by the scheduler's event loop.
//
// This mirrors the split the teacher (xtaci/gaio) keeps between its
// watcher and its platform poller, adapted to a single epoll fd owned
// by one Scheduler rather than a pool of per-loop pollers.
package reactor

import (
	"encoding/binary"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Event is one readiness notification returned from Wait. Key is the
// epoll user-data value installed by Add/Modify — the scheduler uses the
// IoChannel id there, never the raw fd, so that fd reuse can't be
// misattributed to a stale channel.
type Event struct {
	Key  uint64
	Mask uint32
}

// Masks mirrors the subset of epoll bits the core cares about.
const (
	Readable  = unix.EPOLLIN
	Writable  = unix.EPOLLOUT
	EdgeTrig  = unix.EPOLLET
	ErrHangup = unix.EPOLLERR | unix.EPOLLHUP
)

// Poller owns one epoll instance plus its wakeup eventfd.
type Poller struct {
	epfd     int
	wakeupFd int
}

// Open creates the epoll instance and the wakeup eventfd. Failure here is
// fatal to Scheduler construction per spec.
func Open() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}
	p := &Poller{epfd: epfd, wakeupFd: efd}
	if err := p.Add(uint64(wakeupKey), efd, unix.EPOLLIN); err != nil {
		unix.Close(epfd)
		unix.Close(efd)
		return nil, errors.Wrap(err, "watch wakeup fd")
	}
	return p, nil
}

// wakeupKey is a sentinel epoll user-data key reserved for the wakeup fd;
// IoChannel ids start counting from 1, so 0 never collides with one.
const wakeupKey = 0

// WakeupKey returns the sentinel key Wait() reports for the wakeup fd.
func (p *Poller) WakeupKey() uint64 { return uint64(wakeupKey) }

// Add registers fd under epoll user-data key with the given event mask.
func (p *Poller) Add(key uint64, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	setEpollData(&ev, key)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify updates the event mask registered for fd under key.
func (p *Poller) Modify(key uint64, fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	setEpollData(&ev, key)
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove deregisters fd. ENOENT is swallowed: the fd may already have
// been closed and silently dropped from the epoll set by the kernel.
func (p *Poller) Remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

// Wait blocks for up to timeoutMs (negative = forever) and appends ready
// events into buf, returning the extended slice. The wakeup fd's own
// counter is drained here so callers never see it as a channel event.
func (p *Poller) Wait(buf []Event, timeoutMs int) ([]Event, error) {
	var raw [128]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, raw[:], timeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return buf, nil
		}
		return buf, errors.Wrap(err, "epoll_wait")
	}
	for i := 0; i < n; i++ {
		key := epollData(&raw[i])
		if key == uint64(wakeupKey) {
			drainEventfd(p.wakeupFd)
			continue
		}
		buf = append(buf, Event{Key: key, Mask: raw[i].Events})
	}
	return buf, nil
}

// Wakeup unblocks a concurrent or future Wait call from any goroutine.
func (p *Poller) Wakeup() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeupFd, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return errors.Wrap(err, "eventfd write")
	}
	return nil
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

// Close releases both the epoll fd and the wakeup eventfd.
func (p *Poller) Close() error {
	err1 := unix.Close(p.wakeupFd)
	err2 := unix.Close(p.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}

// setEpollData/epollData pack a 64-bit channel id into the Fd+Pad pair
// epoll_event.data occupies on amd64/arm64, so a channel's id (not its
// fd, which the kernel can recycle) is what Wait() reports back.
func setEpollData(ev *unix.EpollEvent, key uint64) {
	*(*uint64)(unsafe.Pointer(&ev.Fd)) = key
}

func epollData(ev *unix.EpollEvent) uint64 {
	return *(*uint64)(unsafe.Pointer(&ev.Fd))
}
