package tcpnet

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hwc0919/nitrocoro-sub000/ioch"
	"github.com/hwc0919/nitrocoro-sub000/scheduler"
	"github.com/hwc0919/nitrocoro-sub000/syncx"
)

// listenBacklog mirrors the teacher's fixed accept backlog.
const listenBacklog = 128

// Handler is invoked, as its own spawned coroutine, for every accepted
// connection. The server removes the connection from its live set once
// Handler returns.
type Handler func(conn *Connection)

// Server is a TCP listener that accepts connections on a single
// Scheduler, tracks every live Connection it has handed to a Handler,
// and closes them all during a graceful Stop.
type Server struct {
	sched  *scheduler.Scheduler
	logger *zap.Logger

	listenFD int
	listenCh *ioch.Channel
	addr     *net.TCPAddr

	started  atomic.Bool
	stopOnce sync.Once

	stopPromise *syncx.Promise[struct{}]
	stopFuture  *syncx.SharedFuture[struct{}]

	connsMu sync.Mutex
	conns   map[*Connection]struct{}
}

// NewServer binds and listens on addr (use port 0 for an ephemeral
// port) without yet accepting connections; call Start to begin.
func NewServer(sched *scheduler.Scheduler, addr *net.TCPAddr, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	_, domain := sockaddrFromTCPAddr(addr)
	fd, err := newNonblockingSocket(domain)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "set SO_REUSEADDR")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		logger.Debug("SO_REUSEPORT unavailable, continuing without it", zap.Error(err))
	}
	sa, _ := sockaddrFromTCPAddr(addr)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "bind")
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "listen")
	}

	bound, err := boundTCPAddr(fd)
	if err != nil {
		bound = addr
	}

	promise, future := syncx.NewPromise[struct{}](sched)
	return &Server{
		sched:       sched,
		logger:      logger,
		listenFD:    fd,
		addr:        bound,
		stopPromise: promise,
		stopFuture:  future.Share(),
		conns:       make(map[*Connection]struct{}),
	}, nil
}

// Port returns the bound listen port, resolved even when NewServer was
// called with port 0.
func (s *Server) Port() int { return s.addr.Port }

// Start begins accepting connections, dispatching each to handler as an
// independently spawned coroutine. Calling Start twice is an error.
func (s *Server) Start(handler Handler) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("tcpnet: server already started")
	}
	s.sched.Schedule(func() {
		s.listenCh = ioch.New(s.listenFD, scheduler.LevelTriggered, s.sched)
		s.listenCh.EnableReading()
		s.sched.Spawn(func() { s.acceptLoop(handler) })
	})
	return nil
}

func (s *Server) acceptLoop(handler Handler) {
	for {
		conn, err, stopped := s.acceptOnce()
		if stopped || errors.Is(err, ioch.ErrCanceled) {
			return
		}
		if err != nil {
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.trackConnection(conn)
		s.sched.Spawn(func() {
			defer s.untrackConnection(conn)
			handler(conn)
		})
	}
}

func (s *Server) acceptOnce() (conn *Connection, err error, stopped bool) {
	var connFD int
	var peer unix.Sockaddr
	status, opErr := s.listenCh.PerformRead(func(fd int, ch *ioch.Channel) (ioch.Status, error) {
		nfd, nsa, aerr := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case aerr == nil:
			connFD, peer = nfd, nsa
			return ioch.Success, nil
		case errors.Is(aerr, unix.EAGAIN):
			return ioch.NeedRead, nil
		case errors.Is(aerr, unix.EINTR), errors.Is(aerr, unix.ECONNABORTED):
			return ioch.Retry, nil
		default:
			return ioch.Error, aerr
		}
	})
	switch status {
	case ioch.Success:
		c := newConnection(connFD, s.sched, s.logger)
		c.local = s.addr
		c.remote = tcpAddrFromSockaddr(peer)
		return c, nil, false
	case ioch.Error, ioch.Disconnect:
		if errors.Is(opErr, ioch.ErrCanceled) {
			return nil, opErr, true
		}
		return nil, opErr, false
	default:
		return nil, opErr, false
	}
}

func (s *Server) trackConnection(c *Connection) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConnection(c *Connection) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

// Stop idempotently halts accepting new connections and force-closes
// every live connection, waiting for all of them to finish closing
// before returning. Safe to call from any goroutine, any number of
// times.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		done := make(chan struct{})
		s.sched.Schedule(func() {
			if s.listenCh != nil {
				s.listenCh.CancelAll()
				s.listenCh.DisableAll()
				s.listenCh.Close()
			}
			if err := unix.Close(s.listenFD); err != nil {
				s.logger.Debug("listen socket close failed", zap.Error(err))
			}
			close(done)
		})
		<-done

		s.connsMu.Lock()
		live := make([]*Connection, 0, len(s.conns))
		for c := range s.conns {
			live = append(live, c)
		}
		s.connsMu.Unlock()

		var g errgroup.Group
		for _, c := range live {
			c := c
			g.Go(func() error {
				c.ForceClose()
				return nil
			})
		}
		_ = g.Wait()

		s.stopPromise.SetValue(struct{}{})
	})
}

// Wait suspends the calling goroutine until the server has stopped,
// without itself requesting a stop. Any number of goroutines may call
// Wait concurrently.
func (s *Server) Wait() error {
	_, err := s.stopFuture.Get()
	return err
}
