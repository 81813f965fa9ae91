package transport

import (
	"errors"
	"io"
	"net"
	"os"
)

// isWouldBlock reports whether err represents a transient would-block
// condition that should be retried after a short writability wait. Go's
// net.Conn blocks in the runtime poller rather than returning EAGAIN the
// way a C non-blocking socket would, but a net.Error reporting Timeout()
// (as happens when a caller has set a deadline) is treated the same way.
func isWouldBlock(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// isGracefulClose reports whether err represents the peer closing the
// connection in an orderly way: EOF, or the local socket having already
// been closed by Disconnect.
func isGracefulClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}
