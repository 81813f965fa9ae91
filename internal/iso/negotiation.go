package iso

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cendio/rdpwire/internal/rdperr"
	"github.com/cendio/rdpwire/internal/transport"
)

// ProtocolID is a requested/selected security protocol bit from
// RDP_NEG_REQ/RDP_NEG_RSP (MS-RDPBCGR 2.2.1.1.1 / 2.2.1.2.1).
type ProtocolID uint32

const (
	ProtocolRDP    ProtocolID = 0x00000000
	ProtocolSSL    ProtocolID = 0x00000001
	ProtocolHybrid ProtocolID = 0x00000002
)

const (
	negReqType     byte = 0x01
	negRspType     byte = 0x02
	negFailureType byte = 0x03
	negBodyLen          = 8 // type + flags + length(2) + protocol/reason(4)

	negFlagExtendedClientDataSupported byte = 0x01
)

const (
	x224CRHigh byte = 0xE0
	x224CCHigh byte = 0xD0
	x224DRHigh byte = 0x80
)

// UIPoller re-exports the transport's cooperative-cancellation hook so
// hosts wiring up the negotiation layer need not import transport.
type UIPoller = transport.UIPoller

// CredSSPDialer is the external CredSSP/NLA collaborator. A nil
// CredSSPDialer means CredSSP support is not built in: HYBRID is never
// offered and a HYBRID selection from the server is treated as fatal.
type CredSSPDialer interface {
	Connect(ctx context.Context, server, username, domain, password string, negotiation io.Reader) (bool, error)
}

// Options configures a single Connect call.
type Options struct {
	Username string
	Domain   string
	Password string

	// CredSSP is the external NLA collaborator. Nil means "not compiled
	// in", matching the C preprocessor's WITH_CREDSSP.
	CredSSP CredSSPDialer

	// SmartcardSSO mirrors the host's "requested smartcard single
	// sign-on" flag; HYBRID is still offered when this is false, or when
	// a smartcard context is present (SmartcardPresent).
	SmartcardSSO     bool
	SmartcardPresent bool

	Port int
}

func (o Options) desiredProtocols() ProtocolID {
	desired := ProtocolSSL
	if o.CredSSP != nil && (!o.SmartcardSSO || o.SmartcardPresent) {
		desired |= ProtocolHybrid
	}
	return desired
}

// Connect performs the full connection-request/connection-confirm round
// trip, including the negotiation state machine's fallback-to-plain-RDP
// retry on the two recoverable RDP_NEG_FAILURE reasons. It dials (or
// redials) the transport itself, since a recoverable failure requires a
// fresh TCP connection.
func (p *Protocol) Connect(ctx context.Context, serverName string, opts Options) (ProtocolID, error) {
	requested := opts.desiredProtocols()
	retried := false

	for {
		var connOpts []transport.ConnectOption
		if opts.Port != 0 {
			connOpts = append(connOpts, transport.WithPort(opts.Port))
		}
		if retried {
			connOpts = append(connOpts, transport.WithQuietRetry())
		}
		if err := p.t.Connect(ctx, serverName, connOpts...); err != nil {
			return 0, fmt.Errorf("iso: connect: %w", err)
		}

		selected, negErr := p.negotiateOnce(serverName, opts, requested)
		if negErr == nil {
			if err := p.applySelected(ctx, selected, opts); err != nil {
				return 0, err
			}
			return selected, nil
		}

		var nf *rdperr.NegotiationFailure
		if !retried && errors.As(negErr, &nf) && nf.Reason.Retryable() {
			_ = p.t.Disconnect()
			requested = ProtocolRDP
			retried = true
			continue
		}

		return 0, negErr
	}
}

// negotiateOnce sends one connection request and interprets the
// connection confirm, without retrying.
func (p *Protocol) negotiateOnce(serverName string, opts Options, requested ProtocolID) (ProtocolID, error) {
	cookie := fmt.Sprintf("Cookie: mstshash=%s\r\n", opts.Username)
	negReq := encodeNegReq(requested)

	if err := p.sendConnectionRequest(cookie, negReq); err != nil {
		return 0, fmt.Errorf("iso: client connection request: %w", err)
	}

	cc, err := p.recvConnectionConfirm()
	if err != nil {
		return 0, fmt.Errorf("iso: server connection confirm: %w", err)
	}

	if cc.negRsp != nil {
		p.extendedClientData = cc.negRsp.flags&negFlagExtendedClientDataSupported != 0
		selected := cc.negRsp.selectedProtocol
		p.encryptionInUse = selected == ProtocolRDP
		return selected, nil
	}

	if cc.negFailure != nil {
		return 0, rdperr.NewNegotiationFailure(cc.negFailure.reason)
	}

	// No negotiation data at all (a legacy server that ignored the
	// RDP_NEG_REQ): accepted as plain RDP. No protocol-version check is
	// made here; the request always carries RDP_NEG_REQ.
	p.encryptionInUse = true
	return ProtocolRDP, nil
}

// applySelected performs the protocol-specific follow-up after a
// successful negotiation: TLS upgrade for SSL, TLS+CredSSP handoff for
// HYBRID, nothing for plain RDP. A failed TLS upgrade after SSL was
// selected falls back to plain RDP on the connection already established,
// and a failed CredSSP handoff falls back to SSL (the TLS session,
// already up, is kept).
func (p *Protocol) applySelected(ctx context.Context, selected ProtocolID, opts Options) error {
	switch selected {
	case ProtocolRDP:
		return nil

	case ProtocolSSL:
		if err := p.t.TLSUpgrade(ctx); err != nil {
			p.log.Warn("tls upgrade failed, falling back to plain rdp: %v", err)
		}
		return nil

	case ProtocolHybrid:
		if opts.CredSSP == nil {
			return fmt.Errorf("iso: server selected HYBRID but CredSSP is not compiled in: %w", rdperr.ErrProtocol)
		}
		if err := p.t.TLSUpgrade(ctx); err != nil {
			return fmt.Errorf("iso: tls upgrade for credssp: %w", err)
		}
		ok, err := opts.CredSSP.Connect(ctx, "", opts.Username, opts.Domain, opts.Password, nil)
		if err != nil || !ok {
			p.log.Warn("credssp handoff failed, falling back to tls-only: %v", err)
		}
		return nil

	default:
		return fmt.Errorf("iso: unsupported selected protocol %#x: %w", uint32(selected), rdperr.ErrProtocol)
	}
}

// --- wire encode/decode ---

// encodeNegReq builds RDP_NEG_REQ (MS-RDPBCGR 2.2.1.1.1), appended to the
// X.224 CR TPDU's user data after the mstshash cookie.
func encodeNegReq(requested ProtocolID) []byte {
	buf := make([]byte, negBodyLen)
	buf[0] = negReqType
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:4], negBodyLen)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(requested))
	return buf
}

type negRsp struct {
	flags            byte
	selectedProtocol ProtocolID
}

type negFailure struct {
	reason rdperr.NegotiationFailureReason
}

type connectionConfirm struct {
	dstRef, srcRef uint16
	classOption    byte
	negRsp         *negRsp
	negFailure     *negFailure
}

// sendConnectionRequest builds and sends the self-contained 11-byte-prefix
// X.224 CR TPDU: TPKT(4) + LI(1) + CRCDT(1) + DSTREF(2) + SRCREF(2) +
// ClassOption(1), followed by the mstshash cookie and an optional
// RDP_NEG_REQ.
func (p *Protocol) sendConnectionRequest(cookie string, negReq []byte) error {
	userData := append([]byte(cookie), negReq...)

	x224Body := make([]byte, 0, 6+len(userData))
	x224Body = append(x224Body, 0, 0, 0, 0, 0) // DSTREF(2) SRCREF(2) ClassOption(1)
	x224Body = append(x224Body, userData...)

	li := byte(1 + len(x224Body)) // CRCDT + x224Body
	frame := make([]byte, 0, tpktHdrLen+1+len(x224Body)+1)
	frame = append(frame, tpktVersion, 0, 0, 0) // length patched below
	frame = append(frame, li, x224CRHigh)
	frame = append(frame, x224Body...)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))

	s := p.t.InitStream(len(frame))
	s.Write(frame)
	s.MarkEnd()
	s.Seek(0)
	return p.t.Send(s)
}

// recvConnectionConfirm reads the TPKT+X.224 CC TPDU and its optional
// RDP_NEG_RSP/RDP_NEG_FAILURE trailer.
func (p *Protocol) recvConnectionConfirm() (*connectionConfirm, error) {
	s, err := p.t.Recv(nil, tpktHdrLen)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("iso: connection closed before confirm: %w", rdperr.ErrNetwork)
	}

	hdr := s.Bytes()
	if hdr[0] != tpktVersion {
		return nil, fmt.Errorf("iso: %w: unexpected tpkt version %#x", rdperr.ErrProtocol, hdr[0])
	}
	length := int(binary.BigEndian.Uint16(hdr[2:4]))
	if length < tpktHdrLen+7 {
		return nil, fmt.Errorf("iso: %w: small connection confirm length %d", rdperr.ErrProtocol, length)
	}

	if _, err := p.t.Recv(s, length-tpktHdrLen); err != nil {
		return nil, err
	}

	body := s.Bytes()[tpktHdrLen:]
	// body: LI(1) CCCDT(1) DSTREF(2) SRCREF(2) ClassOption(1) [neg data...]
	if body[1]&0xF0 != x224CCHigh {
		return nil, fmt.Errorf("iso: %w: unexpected x224 code %#x", rdperr.ErrProtocol, body[1])
	}

	cc := &connectionConfirm{
		dstRef:      binary.BigEndian.Uint16(body[2:4]),
		srcRef:      binary.BigEndian.Uint16(body[4:6]),
		classOption: body[6],
	}

	negData := body[7:]
	if len(negData) == 0 {
		return cc, nil
	}
	if len(negData) < negBodyLen {
		return nil, fmt.Errorf("iso: %w: truncated negotiation data", rdperr.ErrProtocol)
	}

	switch negData[0] {
	case negRspType:
		cc.negRsp = &negRsp{
			flags:            negData[1],
			selectedProtocol: ProtocolID(binary.LittleEndian.Uint32(negData[4:8])),
		}
	case negFailureType:
		cc.negFailure = &negFailure{
			reason: rdperr.NegotiationFailureReason(negData[4]),
		}
	default:
		return nil, fmt.Errorf("iso: %w: unknown negotiation PDU type %#x", rdperr.ErrProtocol, negData[0])
	}

	return cc, nil
}

// SendDisconnectRequest sends the self-contained X.224 DR TPDU, used when
// the host tears down a session without a full Disconnect.
func (p *Protocol) SendDisconnectRequest() error {
	frame := make([]byte, 0, tpktHdrLen+7)
	frame = append(frame, tpktVersion, 0, 0, 0)
	frame = append(frame, 6, x224DRHigh, 0, 0, 0, 0, 0)
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(frame)))

	s := p.t.InitStream(len(frame))
	s.Write(frame)
	s.MarkEnd()
	s.Seek(0)
	return p.t.Send(s)
}
