// Package transport implements the byte-stream transport layer: a TCP
// socket to a named RDP server with an optional TLS overlay, a small pool
// of reusable output buffers, and the sticky network-error/user-quit
// flags that every higher layer must observe before doing further I/O.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cendio/rdpwire/internal/rdperr"
	"github.com/cendio/rdpwire/internal/rdplog"
	"github.com/cendio/rdpwire/internal/streambuf"
)

const (
	// DefaultRDPPort is the RDP TCP port used when the caller does not
	// override it.
	DefaultRDPPort = 3389

	// minReceiveBuffer is the SO_RCVBUF floor enforced right after connect.
	minReceiveBuffer = 16 * 1024

	// initialStreamCapacity is the per-slot allocation size for the
	// output buffer pool.
	initialStreamCapacity = 4096

	// writabilityWaitTimeout bounds how long Send waits for the socket to
	// become writable again after a would-block condition.
	writabilityWaitTimeout = 100 * time.Millisecond

	// uiPollInterval bounds how long Recv blocks on a single read attempt
	// before giving the UI poll hook a chance to run.
	uiPollInterval = 100 * time.Millisecond
)

// UIPoller is the cooperative cancellation hook a GUI host supplies so it
// can pump its event loop while Recv blocks on socket data. Poll returns
// false when the user has requested the connection be torn down.
type UIPoller interface {
	Poll(conn net.Conn) bool
}

// Transport is a single-socket byte-stream connection to an RDP server,
// with an optional TLS overlay applied transparently to every subsequent
// Send/Recv once established.
type Transport struct {
	mu sync.Mutex // the "tcp lock": guards the socket, TLS state, and the output pool

	conn    net.Conn
	tlsConn *tls.Conn
	tlsCfg  *tls.Config

	pool        *streambuf.Pool
	inputStream *streambuf.Stream

	resolvedAddr   net.Addr
	lastServerName string

	uiPoller      UIPoller
	uiPollEnabled bool

	networkError bool
	userQuit     bool

	poolSlots int
	metrics   *Metrics

	log *rdplog.Logger
}

// Option configures a Transport at construction time.
type Option func(*Transport)

// WithSmartcardSlots sizes the output stream pool for smartcard-shared
// use: 1 slot normally, 8 when a smartcard subsystem shares the
// transport's output buffers with the main connection.
func WithSmartcardSlots(n int) Option {
	return func(t *Transport) { t.poolSlots = n }
}

// WithMetrics makes this transport update m's counters and gauges (built
// and registered by NewMetrics). When unset, metrics collection is a no-op.
func WithMetrics(m *Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithUIPoller installs the cooperative cancellation hook used by Recv.
func WithUIPoller(p UIPoller) Option {
	return func(t *Transport) {
		t.uiPoller = p
		t.uiPollEnabled = p != nil
	}
}

// WithTLSConfig overrides the TLS client configuration used by
// TLSUpgrade. When unset, a minimal config using the server name from
// Connect is used.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) { t.tlsCfg = cfg }
}

// New constructs a Transport. The output stream pool is not allocated
// until Connect succeeds.
func New(opts ...Option) *Transport {
	t := &Transport{
		poolSlots: streambuf.DefaultSlots,
		log:       rdplog.Default().With("component", "transport"),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = noopMetrics()
	}
	return t
}

// ConnectOption configures a single Connect call.
type ConnectOption func(*connectConfig)

type connectConfig struct {
	quiet bool
	port  int
}

// WithQuietRetry suppresses the connect-failure log line, for use when
// the host is driving its own reconnect retry loop and will log the
// overall outcome itself.
func WithQuietRetry() ConnectOption {
	return func(c *connectConfig) { c.quiet = true }
}

// WithPort overrides the RDP TCP port (default 3389).
func WithPort(port int) ConnectOption {
	return func(c *connectConfig) { c.port = port }
}

// Connect resolves serverName (transparently supporting IPv4 and IPv6),
// dials a TCP socket to the RDP port, tunes TCP_NODELAY and the receive
// buffer floor, and allocates the output stream pool. On reconnect to the
// same server name the previously resolved address is reused rather than
// re-resolving, so round-robin DNS cannot steer a retry to a different
// farm member mid-session.
func (t *Transport) Connect(ctx context.Context, serverName string, opts ...ConnectOption) error {
	cfg := connectConfig{port: DefaultRDPPort}
	for _, opt := range opts {
		opt(&cfg)
	}

	t.mu.Lock()
	sameServer := serverName == t.lastServerName && t.resolvedAddr != nil
	addr := t.resolvedAddr
	t.mu.Unlock()

	var dialAddr string
	if sameServer {
		dialAddr = addr.String()
	} else {
		dialAddr = net.JoinHostPort(serverName, fmt.Sprintf("%d", cfg.port))
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", dialAddr)
	if err != nil {
		if !cfg.quiet {
			t.log.Error("connect to %s failed: %v", dialAddr, err)
		}
		return fmt.Errorf("transport: connect %s: %w", dialAddr, err)
	}

	if tuneErr := tuneSocket(conn, minReceiveBuffer); tuneErr != nil {
		t.log.Warn("socket tuning failed for %s: %v", dialAddr, tuneErr)
	}

	t.mu.Lock()
	t.conn = conn
	t.resolvedAddr = conn.RemoteAddr()
	t.lastServerName = serverName
	t.pool = streambuf.NewPool(t.poolSlots, initialStreamCapacity)
	t.inputStream = streambuf.New(initialStreamCapacity)
	t.networkError = false
	t.userQuit = false
	t.mu.Unlock()

	t.metrics.reconnects.Inc()
	return nil
}

// TLSUpgrade performs a TLS client handshake on the already-connected
// socket. On success, every subsequent Send/Recv flows through the TLS
// session. On failure, TLS state is torn down but the TCP socket is left
// open so the caller can fall back to plain RDP.
func (t *Transport) TLSUpgrade(ctx context.Context) error {
	t.mu.Lock()
	conn := t.conn
	cfg := t.tlsCfg
	serverName := t.lastServerName
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("transport: tls upgrade: %w", rdperr.ErrNetwork)
	}

	if cfg == nil {
		cfg = &tls.Config{ServerName: serverName, InsecureSkipVerify: true} //nolint:gosec // server authentication is delegated to CredSSP/manual verification
	}

	tlsConn := tls.Client(conn, cfg)
	hsCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		return fmt.Errorf("transport: tls handshake: %w", err)
	}

	t.mu.Lock()
	t.tlsConn = tlsConn
	t.metrics.tlsEstablished.Set(1)
	t.mu.Unlock()

	return nil
}

// TLSEstablished reports whether TLSUpgrade has succeeded.
func (t *Transport) TLSEstablished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tlsConn != nil
}

// TLSPeerPubKeyPKCS1 extracts the server certificate's RSA public key,
// PKCS#1 DER encoded, for the external CredSSP component's server
// authentication binding. It fails for non-RSA certificates.
func (t *Transport) TLSPeerPubKeyPKCS1() ([]byte, error) {
	t.mu.Lock()
	tlsConn := t.tlsConn
	t.mu.Unlock()

	if tlsConn == nil {
		return nil, fmt.Errorf("transport: tls peer pubkey: %w", rdperr.ErrNetwork)
	}

	return peerPubKeyPKCS1(tlsConn)
}

// InitStream returns the next output buffer from the pool, grown to at
// least capacity and reset to empty. Acquisition is serialized under the
// tcp lock so a smartcard subsystem sharing the pool from another
// goroutine cannot race the main connection.
func (t *Transport) InitStream(capacity int) *streambuf.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pool.Next(capacity)
}

// Send writes stream.All() (the buffer origin through end, regardless of
// where p sits) to the wire in full, through the TLS session if
// established. A transient would-block condition triggers a bounded
// wait for writability and retry; a fatal error sets the sticky
// network-error flag.
func (t *Transport) Send(s *streambuf.Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.networkError || t.userQuit {
		return fmt.Errorf("transport: send: %w", rdperr.ErrNetwork)
	}
	if t.conn == nil {
		return fmt.Errorf("transport: send: %w", rdperr.ErrNetwork)
	}

	data := s.All()
	writer := t.writer()

	total := 0
	for total < len(data) {
		n, err := writer.Write(data[total:])
		if n > 0 {
			total += n
			t.metrics.bytesSent.Add(float64(n))
		}
		if err == nil {
			continue
		}
		if isWouldBlock(err) {
			if !waitWritable(t.conn, writabilityWaitTimeout) {
				continue
			}
			continue
		}
		t.networkError = true
		return fmt.Errorf("transport: send: %w: %v", rdperr.ErrNetwork, err)
	}

	return nil
}

// writer picks the TLS session or the raw socket as the current write
// target. Caller must hold t.mu.
func (t *Transport) writer() interface{ Write([]byte) (int, error) } {
	if t.tlsConn != nil {
		return t.tlsConn
	}
	return t.conn
}

// Recv reads exactly length bytes. If dst is nil, the dedicated input
// stream is reused (grown and reset); otherwise bytes are appended into
// dst, preserving its existing p/end offsets. While blocked, if UI
// polling is enabled and no TLS session is mid-record, the UI hook is
// invoked; a false return sets the sticky user-quit flag and Recv returns
// nil. A graceful peer close returns nil with no error. Fatal errors set
// the sticky network-error flag.
func (t *Transport) Recv(dst *streambuf.Stream, length int) (*streambuf.Stream, error) {
	t.mu.Lock()
	if t.networkError {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport: recv: %w", rdperr.ErrNetwork)
	}
	if t.userQuit {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport: recv: %w", rdperr.ErrUserQuit)
	}

	target := dst
	if target == nil {
		target = t.inputStream
		target.Reset()
	}
	target.Grow(target.End() + length)

	conn := t.conn
	tlsConn := t.tlsConn
	pollEnabled := t.uiPollEnabled
	poller := t.uiPoller
	t.mu.Unlock()

	if conn == nil {
		return nil, fmt.Errorf("transport: recv: %w", rdperr.ErrNetwork)
	}

	if pollEnabled {
		defer conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, length)
	read := 0
	for read < length {
		var reader readerFn = conn.Read
		if tlsConn != nil {
			reader = tlsConn.Read
		}

		if pollEnabled {
			_ = conn.SetReadDeadline(time.Now().Add(uiPollInterval))
		}

		n, err := reader(buf[read:])
		if n > 0 {
			read += n
			t.metrics.bytesReceived.Add(float64(n))
		}
		if err == nil {
			continue
		}
		if isWouldBlock(err) {
			// A timed-out read means no buffered TLS record data was
			// pending either (buffered data returns immediately), so it
			// is always safe to hand control to the UI hook here.
			if pollEnabled && poller != nil && !poller.Poll(conn) {
				t.mu.Lock()
				t.userQuit = true
				t.mu.Unlock()
				return nil, fmt.Errorf("transport: recv: %w", rdperr.ErrUserQuit)
			}
			continue
		}
		if isGracefulClose(err) {
			return nil, nil
		}
		t.mu.Lock()
		t.networkError = true
		t.mu.Unlock()
		return nil, fmt.Errorf("transport: recv: %w: %v", rdperr.ErrNetwork, err)
	}

	if _, err := target.Append(buf); err != nil {
		return nil, fmt.Errorf("transport: recv: %w", err)
	}

	return target, nil
}

type readerFn func([]byte) (int, error)

// Disconnect sends a TLS close-notify (if established), then closes the
// socket and clears the connection state.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.tlsConn != nil {
		_ = t.tlsConn.Close()
		t.tlsConn = nil
		t.metrics.tlsEstablished.Set(0)
	}
	if t.conn != nil {
		err = t.conn.Close()
		t.conn = nil
	}
	return err
}

// ResetState resets every stream buffer (input and every pool slot) to
// empty, with p and end at the origin and no layer markers, and clears the
// sticky flags; used before a reconnect. The backing arrays are kept, not
// released or zeroed.
func (t *Transport) ResetState() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pool != nil {
		t.pool.Reset()
	}
	if t.inputStream != nil {
		t.inputStream.Reset()
	}
	t.networkError = false
	t.userQuit = false
}

// LocalAddress returns the dotted-quad local address, or "0.0.0.0" on
// failure.
func (t *Transport) LocalAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(t.conn.LocalAddr().String())
	if err != nil {
		return "0.0.0.0"
	}
	return host
}

// PeerAddress returns the dotted-quad peer address, or "127.0.0.1" on
// failure.
func (t *Transport) PeerAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return "127.0.0.1"
	}
	host, _, err := net.SplitHostPort(t.conn.RemoteAddr().String())
	if err != nil {
		return "127.0.0.1"
	}
	return host
}

// IsConnected reports whether the socket still has a live peer.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return false
	}
	return isConnectedPlatform(conn)
}

// NetworkError reports whether the sticky network-error flag is set.
func (t *Transport) NetworkError() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.networkError
}

// UserQuit reports whether the sticky user-quit flag is set.
func (t *Transport) UserQuit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userQuit
}
