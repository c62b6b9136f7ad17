// Package tcpnet provides the stream-socket layer built on scheduler and
// ioch: a TcpConnection/TcpServer pair with accept loops, connection
// lifecycle tracking and graceful shutdown.
package tcpnet

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func sockaddrFromTCPAddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET
	}
	ip16 := addr.IP.To16()
	if ip16 == nil {
		ip16 = net.IPv6zero
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], ip16)
	return sa, unix.AF_INET6
}

func tcpAddrFromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := append(net.IP(nil), v.Addr[:]...)
		return &net.TCPAddr{IP: ip, Port: v.Port}
	case *unix.SockaddrInet6:
		ip := append(net.IP(nil), v.Addr[:]...)
		return &net.TCPAddr{IP: ip, Port: v.Port}
	default:
		return nil
	}
}

// newNonblockingSocket opens a non-blocking, close-on-exec TCP socket of
// the given address family.
func newNonblockingSocket(domain int) (int, error) {
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	return fd, nil
}

func boundTCPAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, errors.Wrap(err, "getsockname")
	}
	addr := tcpAddrFromSockaddr(sa)
	if addr == nil {
		return nil, errors.New("tcpnet: unsupported socket address family")
	}
	return addr, nil
}
