package dvc

import (
	"fmt"
	"sync"

	"github.com/cendio/rdpwire/internal/rdperr"
	"github.com/cendio/rdpwire/internal/rdplog"
)

// Static virtual channel registration flags (MS-RDPBCGR 2.2.1.3.4.1),
// carried here because DVC is the one caller that needs them to register
// its well-known "drdynvc" static channel.
const (
	FlagInitialized uint32 = 0x80000000
	FlagCompressRDP uint32 = 0x00800000
)

// ChannelHandle identifies a registered static virtual channel with the
// higher-level virtual-channel layer (external collaborator).
type ChannelHandle uintptr

// OutStream is the minimal write surface the multiplexer needs from the
// output buffer the static-channel layer hands back from ChannelInit: a
// byte sink. The filled buffer is sent with ChannelTransport.ChannelSend.
type OutStream interface {
	Write(b []byte) (int, error)
}

// ChannelTransport is the downward interface to the higher-level static
// virtual-channel layer: registering "drdynvc", obtaining an output
// buffer, and handing a completed frame off to be sent.
type ChannelTransport interface {
	ChannelRegister(name string, flags uint32, handler func([]byte)) (ChannelHandle, error)
	ChannelInit(handle ChannelHandle, capacity int) OutStream
	ChannelSend(s OutStream, handle ChannelHandle) error
}

// Handler receives inbound payloads for one bound dynamic channel and is
// notified when the server closes it.
type Handler interface {
	OnData(payload []byte)
	OnClose()
}

type lifecycle int

const (
	// Unbound: registered under by_name, not yet assigned a channel id.
	Unbound lifecycle = iota
	// Open: bound to an id by a successful CREATE_REQ, present in by_id.
	Open
)

type listenerRecord struct {
	name    string
	handler Handler
	state   lifecycle
	id      uint32
	cbID    byte
}

// reassembly accumulates DATA_FIRST + DATA segments for one channel until
// the declared total length is reached.
type reassembly struct {
	total int
	buf   []byte
}

// Multiplexer implements the Dynamic Virtual Channel protocol over one
// ChannelTransport: command dispatch, listener registration, and outbound
// framing/segmentation.
type Multiplexer struct {
	mu sync.Mutex

	transport ChannelTransport
	handle    ChannelHandle
	log       *rdplog.Logger

	byName map[string]*listenerRecord
	byID   map[uint32]*listenerRecord

	reassembling map[uint32]*reassembly
}

// New creates a Multiplexer bound to the given ChannelTransport. Init must
// be called before any frame can flow.
func New(t ChannelTransport) *Multiplexer {
	return &Multiplexer{
		transport:    t,
		log:          rdplog.Default().With("component", "dvc"),
		byName:       make(map[string]*listenerRecord),
		byID:         make(map[uint32]*listenerRecord),
		reassembling: make(map[uint32]*reassembly),
	}
}

// Init registers the well-known "drdynvc" static channel with the
// transport, wiring its inbound handler to HandleFrame.
func (m *Multiplexer) Init() error {
	handle, err := m.transport.ChannelRegister(ChannelName, FlagInitialized|FlagCompressRDP, m.HandleFrame)
	if err != nil {
		return fmt.Errorf("dvc: init: %w", err)
	}
	m.handle = handle
	return nil
}

// InitListener registers handler under name in the Unbound state. A second
// registration under the same name fails without disturbing the existing
// record.
func (m *Multiplexer) InitListener(name string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[name]; exists {
		return fmt.Errorf("dvc: init listener %q: %w", name, rdperr.ErrListenerAlreadyRegistered)
	}
	m.byName[name] = &listenerRecord{name: name, handler: handler, state: Unbound}
	return nil
}

// HandleFrame dispatches one inbound DVC PDU. Errors are logged and the
// frame is dropped; a malformed individual frame must not poison the rest
// of the connection.
func (m *Multiplexer) HandleFrame(frame []byte) {
	if err := m.dispatch(frame); err != nil {
		m.log.Warn("dropping malformed dvc frame: %v", err)
	}
}

func (m *Multiplexer) dispatch(frame []byte) error {
	if len(frame) < 1 {
		return fmt.Errorf("dvc: %w: empty frame", rdperr.ErrProtocol)
	}

	hdr := DecodeHeader(frame[0])
	body := frame[1:]

	switch hdr.Cmd {
	case CmdCaps:
		return m.handleCaps(hdr, body)
	case CmdCreate:
		return m.handleCreate(hdr, body)
	case CmdClose:
		return m.handleClose(hdr, body)
	case CmdData:
		return m.handleData(hdr, body)
	case CmdDataFirst:
		return m.handleDataFirst(hdr, body)
	case CmdDataCompressed, CmdDataFirstCompressed, CmdSoftSyncRequest, CmdSoftSyncResponse:
		m.log.Debug("logging and dropping unsupported dvc command %#x", hdr.Cmd)
		return nil
	default:
		return fmt.Errorf("dvc: %w: unknown command %#x", rdperr.ErrProtocol, hdr.Cmd)
	}
}

func (m *Multiplexer) handleCaps(hdr Header, body []byte) error {
	if hdr.CbID != 0 {
		return fmt.Errorf("dvc: %w: caps_req cbId must be 0, got %d", rdperr.ErrProtocol, hdr.CbID)
	}
	caps, err := decodeCapsPDU(body)
	if err != nil {
		return err
	}
	return m.sendCaps(caps.Version)
}

func (m *Multiplexer) handleCreate(hdr Header, body []byte) error {
	id, rest, err := decodeChannelID(body, hdr.CbID)
	if err != nil {
		return err
	}
	name, err := decodeCreateRequest(rest)
	if err != nil {
		return err
	}

	m.mu.Lock()
	rec, found := m.byName[name]
	status := CreationStatusOK
	if !found {
		status = CreationStatusNoEntry
	} else if rec.state != Unbound {
		status = CreationStatusDenied
	} else {
		rec.state = Open
		rec.id = id
		rec.cbID = hdr.CbID
		m.byID[id] = rec
	}
	m.mu.Unlock()

	return m.sendFrame(encodeCreateResponse(id, hdr.CbID, status))
}

func (m *Multiplexer) handleClose(hdr Header, body []byte) error {
	id, _, err := decodeChannelID(body, hdr.CbID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	rec, found := m.byID[id]
	if found {
		delete(m.byID, id)
		rec.state = Unbound
	}
	delete(m.reassembling, id)
	m.mu.Unlock()

	if found {
		rec.handler.OnClose()
	} else {
		m.log.Debug("close for unknown channel id %#x", id)
	}
	return m.sendFrame(encodeClose(id, hdr.CbID))
}

func (m *Multiplexer) handleData(hdr Header, body []byte) error {
	id, payload, err := decodeChannelID(body, hdr.CbID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	reasm, reassembling := m.reassembling[id]
	rec := m.byID[id]
	m.mu.Unlock()

	if reassembling {
		return m.appendReassembly(id, reasm, payload)
	}

	if rec == nil {
		return fmt.Errorf("dvc: %w: data for unknown channel %#x", rdperr.ErrListenerNotFound, id)
	}
	rec.handler.OnData(payload)
	return nil
}

func (m *Multiplexer) handleDataFirst(hdr Header, body []byte) error {
	id, rest, err := decodeChannelID(body, hdr.CbID)
	if err != nil {
		return err
	}
	total, payload, err := decodeTotalLength(rest, hdr.Sp)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.reassembling[id] = &reassembly{total: int(total), buf: append([]byte(nil), payload...)}
	m.mu.Unlock()

	if len(payload) >= int(total) {
		return m.completeReassembly(id)
	}
	return nil
}

func (m *Multiplexer) appendReassembly(id uint32, r *reassembly, payload []byte) error {
	m.mu.Lock()
	r.buf = append(r.buf, payload...)
	done := len(r.buf) >= r.total
	m.mu.Unlock()

	if done {
		return m.completeReassembly(id)
	}
	return nil
}

func (m *Multiplexer) completeReassembly(id uint32) error {
	m.mu.Lock()
	r := m.reassembling[id]
	delete(m.reassembling, id)
	rec := m.byID[id]
	m.mu.Unlock()

	if r == nil {
		return nil
	}
	if rec == nil {
		return fmt.Errorf("dvc: %w: reassembled data for unknown channel %#x", rdperr.ErrListenerNotFound, id)
	}
	rec.handler.OnData(r.buf)
	return nil
}

// sendCaps replies to a CAPS_REQ with a CAPS_RSP carrying the same
// version.
func (m *Multiplexer) sendCaps(version uint16) error {
	return m.sendFrame(capsPDU{Version: version}.serialize())
}

func (m *Multiplexer) sendFrame(frame []byte) error {
	s := m.transport.ChannelInit(m.handle, len(frame))
	if _, err := s.Write(frame); err != nil {
		return fmt.Errorf("dvc: send: %w", err)
	}
	return m.transport.ChannelSend(s, m.handle)
}

// WritePacket sends payload on channel id, using the channel-id width
// pinned at CREATE for a bound channel (else the smallest width that fits
// id) and, when the framed size would exceed MaxPDU, segmenting into one
// DATA_FIRST PDU followed by as many DATA PDUs as needed. It takes the
// full payload end-to-end rather than relying on the caller having
// pre-populated a buffer region.
func (m *Multiplexer) WritePacket(id uint32, payload []byte) error {
	cbID := widthForID(id)
	m.mu.Lock()
	if rec, ok := m.byID[id]; ok {
		cbID = rec.cbID
	}
	m.mu.Unlock()
	width, _ := idWidth(cbID)

	if len(payload) <= MaxSingleDataPayload && dataPrefixLen(width)+len(payload) <= MaxPDU {
		return m.sendFrame(encodeData(id, cbID, payload))
	}

	total := uint32(len(payload))
	firstPrefix := dataFirstPrefixLen(width, total)
	firstChunkLen := MaxPDU - firstPrefix
	if firstChunkLen > len(payload) {
		firstChunkLen = len(payload)
	}

	if err := m.sendFrame(encodeDataFirst(id, cbID, total, payload[:firstChunkLen])); err != nil {
		return err
	}

	remaining := payload[firstChunkLen:]
	dataPrefix := dataPrefixLen(width)
	chunkLen := MaxPDU - dataPrefix

	for len(remaining) > 0 {
		n := chunkLen
		if n > len(remaining) {
			n = len(remaining)
		}
		if err := m.sendFrame(encodeData(id, cbID, remaining[:n])); err != nil {
			return err
		}
		remaining = remaining[n:]
	}
	return nil
}
