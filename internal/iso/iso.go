// Package iso implements the ISO/T.123 framing layer: TPKT-wrapped X.224
// data PDUs for the slow path, recognition of RDP's fast-path compact
// frames, and the connection-time security-protocol negotiation state
// machine (plain RDP vs SSL vs CredSSP/HYBRID, with server-driven
// fallback).
package iso

import (
	"encoding/binary"
	"fmt"

	"github.com/cendio/rdpwire/internal/rdperr"
	"github.com/cendio/rdpwire/internal/rdplog"
	"github.com/cendio/rdpwire/internal/streambuf"
	"github.com/cendio/rdpwire/internal/transport"
)

const (
	tpktVersion byte = 0x03
	tpktHdrLen       = 4

	x224HdrLenDT byte = 0x02
	x224CmdDT    byte = 0xF0
	x224EOT      byte = 0x80

	// outboundReserve is the 7-byte TPKT+X.224-DT prefix every outbound
	// data PDU reserves via Init: 4 bytes of TPKT header, 1 header-length
	// byte, 1 command byte, 1 end-of-TPDU marker byte.
	outboundReserve = tpktHdrLen + 3

	// dataHeaderSkip/controlHeaderSkip are how many bytes of an inbound
	// slow-path frame precede the payload, depending on the X.224 code:
	// DT frames carry only the EOT byte after hdrlen+code; CR/CC/DR
	// frames carry a full dst-ref/src-ref/class triplet instead.
	dataHeaderSkip    = outboundReserve
	controlHeaderSkip = tpktHdrLen + 7

	isoLayerMarker = "iso"
)

// Protocol frames outbound data PDUs and parses inbound frames on top of
// a transport.Transport, and drives the negotiation state machine.
type Protocol struct {
	t   *transport.Transport
	log *rdplog.Logger

	extendedClientData bool
	encryptionInUse    bool
}

// New wraps t with ISO/T.123 framing.
func New(t *transport.Transport) *Protocol {
	return &Protocol{
		t:   t,
		log: rdplog.Default().With("component", "iso"),
	}
}

// Init obtains a transport output buffer sized for a payloadLen-byte data
// PDU and reserves the 7-byte TPKT+X.224-DT header prefix that Send will
// fill in once the payload has been written and the final length is known.
func (p *Protocol) Init(payloadLen int) *streambuf.Stream {
	s := p.t.InitStream(payloadLen + outboundReserve)
	s.PushLayer(isoLayerMarker, outboundReserve)
	return s
}

// Send finalizes the TPKT+X.224-DT header for s (written by the caller
// after an Init call) and hands the complete frame to the transport.
func (p *Protocol) Send(s *streambuf.Stream) error {
	s.MarkEnd()
	total := s.End()
	mark := s.PopLayer(isoLayerMarker)

	writeTPKTHeader(s, uint16(total))
	s.WriteByte(x224HdrLenDT)
	s.WriteByte(x224CmdDT)
	s.WriteByte(x224EOT)

	s.Seek(mark)
	return p.t.Send(s)
}

func writeTPKTHeader(s *streambuf.Stream, total uint16) {
	var hdr [tpktHdrLen]byte
	hdr[0] = tpktVersion
	hdr[1] = 0
	binary.BigEndian.PutUint16(hdr[2:], total)
	s.Write(hdr[:])
}

// Frame is one inbound PDU: either a slow-path frame (TPKT+X.224 stripped,
// Stream positioned at the payload) or a fast-path frame (compact header,
// FastPathHeader holding the first byte the caller needs to interpret it).
type Frame struct {
	Stream         *streambuf.Stream
	FastPath       bool
	FastPathHeader byte
}

// Recv reads one inbound frame, distinguishing slow-path (first byte == 3,
// the T.123 version) from fast-path (any other first byte).
// Malformed lengths surface as a protocol error; a nil, nil return means
// the peer closed gracefully before the frame header arrived. Tripped
// sticky flags surface as errors (see transport.Recv).
func (p *Protocol) Recv() (*Frame, error) {
	s, err := p.t.Recv(nil, 4)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}

	hdr := s.Bytes()
	first := hdr[0]

	if first == tpktVersion {
		return p.recvSlowPath(s, hdr)
	}
	return p.recvFastPath(s, hdr)
}

func (p *Protocol) recvSlowPath(s *streambuf.Stream, hdr []byte) (*Frame, error) {
	length := int(binary.BigEndian.Uint16(hdr[2:4]))
	if length < tpktHdrLen {
		return nil, fmt.Errorf("iso: recv: %w: tpkt length %d < %d", rdperr.ErrProtocol, length, tpktHdrLen)
	}

	if length > tpktHdrLen {
		if _, err := p.t.Recv(s, length-tpktHdrLen); err != nil {
			return nil, err
		}
	}

	full := s.Bytes()
	if len(full) < tpktHdrLen+2 {
		return nil, fmt.Errorf("iso: recv: %w: x224 header truncated", rdperr.ErrProtocol)
	}

	code := full[5]
	skip := controlHeaderSkip
	if code == x224CmdDT {
		skip = dataHeaderSkip
	}
	if len(full) < skip {
		return nil, fmt.Errorf("iso: recv: %w: x224 frame truncated", rdperr.ErrProtocol)
	}

	s.Seek(skip)
	return &Frame{Stream: s}, nil
}

func (p *Protocol) recvFastPath(s *streambuf.Stream, hdr []byte) (*Frame, error) {
	lowLen := hdr[1]

	var length, headerSize int
	if lowLen&0x80 != 0 {
		length = int(lowLen&0x7F)<<8 | int(hdr[2])
		headerSize = 3
	} else {
		length = int(lowLen)
		headerSize = 2
	}

	if length < tpktHdrLen {
		return nil, fmt.Errorf("iso: recv: %w: fastpath length %d < %d", rdperr.ErrProtocol, length, tpktHdrLen)
	}

	if length > tpktHdrLen {
		if _, err := p.t.Recv(s, length-tpktHdrLen); err != nil {
			return nil, err
		}
	}

	s.Seek(headerSize)
	return &Frame{Stream: s, FastPath: true, FastPathHeader: hdr[0]}, nil
}

// Disconnect tears down the underlying transport connection.
func (p *Protocol) Disconnect() error {
	return p.t.Disconnect()
}

// ResetState clears the underlying transport's stream buffers and sticky
// flags, used before a reconnect.
func (p *Protocol) ResetState() {
	p.t.ResetState()
}

// ExtendedClientData reports whether the server's negotiation response
// advertised support for extended client data (MS-RDPBCGR
// EXTENDED_CLIENT_DATA_SUPPORTED). False until a successful Connect.
func (p *Protocol) ExtendedClientData() bool {
	return p.extendedClientData
}

// EncryptionInUse reports whether legacy RC4 encryption is in effect,
// i.e. neither TLS nor CredSSP was selected during negotiation.
func (p *Protocol) EncryptionInUse() bool {
	return p.encryptionInUse
}

// ClampMonitorCount reduces a multi-monitor request to a single monitor
// when the server did not advertise extended client data support, since
// the monitor layout block rides on the extended client data the server
// would reject.
func (p *Protocol) ClampMonitorCount(requested int) int {
	if !p.extendedClientData && requested > 1 {
		return 1
	}
	return requested
}
