//go:build !linux && !darwin

package transport

import (
	"net"
	"time"
)

// tuneSocket applies TCP_NODELAY and raises the receive buffer via the
// portable *net.TCPConn setters on platforms without netfd/x/sys/unix
// support.
func tuneSocket(conn net.Conn, minRecvBuf int) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(true); err != nil {
		return err
	}
	return tc.SetReadBuffer(minRecvBuf)
}

// isConnectedPlatform reports whether the socket still appears live. The
// portable net package offers no getpeername equivalent, so this is
// approximated by the presence of a remote address.
func isConnectedPlatform(conn net.Conn) bool {
	return conn.RemoteAddr() != nil
}

// waitWritable sleeps for up to timeout and reports true, since the
// portable net package has no non-blocking writability poll.
func waitWritable(conn net.Conn, timeout time.Duration) bool {
	time.Sleep(timeout)
	return true
}
