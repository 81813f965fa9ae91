package iso

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cendio/rdpwire/internal/rdperr"
	"github.com/cendio/rdpwire/internal/transport"
)

// fakeNegotiationServer accepts one connection per handler, in order,
// letting a test script a multi-connection scenario (e.g. the
// disconnect-and-retry of scenario A).
func fakeNegotiationServer(t *testing.T, handlers ...func(net.Conn)) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for _, h := range handlers {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.SetDeadline(time.Now().Add(5 * time.Second))
			h(conn)
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// drainConnectionRequest reads and discards one inbound X.224 CR TPDU,
// returning its raw bytes for assertions.
func drainConnectionRequest(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	hdr := make([]byte, 4)
	_, err := readFull(conn, hdr)
	require.NoError(t, err)
	length := binary.BigEndian.Uint16(hdr[2:4])
	rest := make([]byte, int(length)-4)
	_, err = readFull(conn, rest)
	require.NoError(t, err)
	return append(hdr, rest...)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func buildConnectionConfirm(negData []byte) []byte {
	body := make([]byte, 0, 6+len(negData))
	body = append(body, 0, 0, 0, 0, 0) // DSTREF(2) SRCREF(2) ClassOption(1)
	body = append(body, negData...)

	li := byte(1 + len(body))
	frame := make([]byte, 0, 4+1+len(body))
	frame = append(frame, tpktVersion, 0, 0, 0)
	frame = append(frame, li, x224CCHigh)
	frame = append(frame, body...)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))
	return frame
}

func buildNegRsp(flags byte, selected ProtocolID) []byte {
	buf := make([]byte, negBodyLen)
	buf[0] = negRspType
	buf[1] = flags
	binary.LittleEndian.PutUint16(buf[2:4], negBodyLen)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(selected))
	return buf
}

func buildNegFailure(reason rdperr.NegotiationFailureReason) []byte {
	buf := make([]byte, negBodyLen)
	buf[0] = negFailureType
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], negBodyLen)
	buf[4] = byte(reason)
	return buf
}

// Scenario A: plain-RDP fallback. Server rejects SSL, client reconnects
// and succeeds with plain RDP.
func TestConnect_PlainRDPFallback(t *testing.T) {
	port := fakeNegotiationServer(t,
		func(conn net.Conn) {
			defer conn.Close()
			drainConnectionRequest(t, conn)
			conn.Write(buildConnectionConfirm(buildNegFailure(rdperr.ReasonSSLNotAllowedByServer)))
		},
		func(conn net.Conn) {
			defer conn.Close()
			cr := drainConnectionRequest(t, conn)
			// the retry must request PROTOCOL_RDP only.
			negReq := cr[len(cr)-negBodyLen:]
			require.Equal(t, uint32(ProtocolRDP), binary.LittleEndian.Uint32(negReq[4:8]))
			conn.Write(buildConnectionConfirm(buildNegRsp(0, ProtocolRDP)))
		},
	)

	tr := transport.New()
	p := New(tr)

	selected, err := p.Connect(context.Background(), "127.0.0.1", Options{Username: "elton", Port: port})
	require.NoError(t, err)
	require.Equal(t, ProtocolRDP, selected)
}

// Scenario B: fatal negotiation failure.
func TestConnect_FatalNegotiationFailure(t *testing.T) {
	port := fakeNegotiationServer(t, func(conn net.Conn) {
		defer conn.Close()
		drainConnectionRequest(t, conn)
		conn.Write(buildConnectionConfirm(buildNegFailure(rdperr.ReasonHybridRequiredByServer)))
	})

	tr := transport.New()
	p := New(tr)

	_, err := p.Connect(context.Background(), "127.0.0.1", Options{Username: "elton", Port: port})
	require.Error(t, err)

	var nf *rdperr.NegotiationFailure
	require.ErrorAs(t, err, &nf)
	require.Equal(t, rdperr.ReasonHybridRequiredByServer, nf.Reason)
}

func TestConnect_SSLSelected_TLSFailureFallsBack(t *testing.T) {
	port := fakeNegotiationServer(t, func(conn net.Conn) {
		defer conn.Close()
		drainConnectionRequest(t, conn)
		conn.Write(buildConnectionConfirm(buildNegRsp(negFlagExtendedClientDataSupported, ProtocolSSL)))
		// No TLS handshake driven here; the peer closes the connection,
		// so the client's TLSUpgrade fails, exercising the fall-back path.
	})

	tr := transport.New()
	p := New(tr)

	selected, err := p.Connect(context.Background(), "127.0.0.1", Options{Username: "elton", Port: port})
	require.NoError(t, err)
	require.Equal(t, ProtocolSSL, selected)
	require.True(t, p.ExtendedClientData())
}
