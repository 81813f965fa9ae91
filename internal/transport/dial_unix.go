//go:build linux || darwin

package transport

import (
	"net"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// tuneSocket applies TCP_NODELAY and raises SO_RCVBUF to at least
// minRecvBuf, immediately after connect() and before any buffer is
// touched. It operates on the connection's raw fd via netfd rather than
// the portable *net.TCPConn setters so both options land in one place
// regardless of what net.Conn implementation the dialer produced.
func tuneSocket(conn net.Conn, minRecvBuf int) error {
	fd := netfd.GetFdFromConn(conn)

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return err
	}

	cur, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
	if err == nil && cur >= minRecvBuf {
		return nil
	}

	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, minRecvBuf)
}

// isConnectedPlatform reports whether the socket still has a live peer,
// per getpeername(2).
func isConnectedPlatform(conn net.Conn) bool {
	fd := netfd.GetFdFromConn(conn)
	_, err := unix.Getpeername(fd)
	return err == nil
}

// waitWritable blocks until the raw fd reports writable or timeout
// elapses, returning true if it became writable.
func waitWritable(conn net.Conn, timeout time.Duration) bool {
	fd := netfd.GetFdFromConn(conn)

	fdSet := &unix.FdSet{}
	fdSet.Set(fd)

	tv := unix.NsecToTimeval(timeout.Nanoseconds())

	n, err := unix.Select(fd+1, nil, fdSet, nil, &tv)
	return err == nil && n > 0
}
