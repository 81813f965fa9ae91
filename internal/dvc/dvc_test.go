package dvc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeOutStream is the minimal OutStream a fakeTransport hands back from
// ChannelInit: a growable byte sink.
type fakeOutStream struct {
	buf bytes.Buffer
}

func (s *fakeOutStream) Write(b []byte) (int, error) { return s.buf.Write(b) }

// fakeTransport stands in for the higher-level static virtual-channel
// layer: it records every frame ChannelSend is asked to emit and lets a
// test inject inbound frames via the handler ChannelRegister captured.
type fakeTransport struct {
	handler func([]byte)
	sent    [][]byte
}

func (f *fakeTransport) ChannelRegister(name string, flags uint32, handler func([]byte)) (ChannelHandle, error) {
	f.handler = handler
	return ChannelHandle(1), nil
}

func (f *fakeTransport) ChannelInit(handle ChannelHandle, capacity int) OutStream {
	return &fakeOutStream{}
}

func (f *fakeTransport) ChannelSend(s OutStream, handle ChannelHandle) error {
	out := s.(*fakeOutStream)
	f.sent = append(f.sent, append([]byte(nil), out.buf.Bytes()...))
	return nil
}

func (f *fakeTransport) deliver(frame []byte) {
	f.handler(frame)
}

// recordingHandler captures every OnData call and whether OnClose fired.
type recordingHandler struct {
	received [][]byte
	closed   bool
}

func (h *recordingHandler) OnData(payload []byte) {
	h.received = append(h.received, append([]byte(nil), payload...))
}
func (h *recordingHandler) OnClose() { h.closed = true }

func newMux(t *testing.T) (*Multiplexer, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	m := New(ft)
	require.NoError(t, m.Init())
	return m, ft
}

// Scenario C: DVC create/close.
func TestMultiplexer_CreateCloseLifecycle(t *testing.T) {
	m, ft := newMux(t)
	h := &recordingHandler{}
	require.NoError(t, m.InitListener("echo", h))

	createFrame := append([]byte{Header{CbID: 0, Sp: 0, Cmd: CmdCreate}.Serialize(), 0x42}, []byte("echo\x00")...)
	ft.deliver(createFrame)

	require.Len(t, ft.sent, 1)
	rsp := ft.sent[0]
	require.Equal(t, CmdCreate, DecodeHeader(rsp[0]).Cmd)
	id, rest, err := decodeChannelID(rsp[1:], DecodeHeader(rsp[0]).CbID)
	require.NoError(t, err)
	require.Equal(t, uint32(0x42), id)
	require.Equal(t, CreationStatusOK, int32(int32(rest[0])|int32(rest[1])<<8|int32(rest[2])<<16|int32(rest[3])<<24))

	m.mu.Lock()
	rec := m.byID[0x42]
	m.mu.Unlock()
	require.NotNil(t, rec)
	require.Equal(t, Open, rec.state)

	closeFrame := []byte{Header{CbID: 0, Sp: 0, Cmd: CmdClose}.Serialize(), 0x42}
	ft.deliver(closeFrame)

	require.True(t, h.closed)
	require.Len(t, ft.sent, 2)
	require.Equal(t, CmdClose, DecodeHeader(ft.sent[1][0]).Cmd)

	m.mu.Lock()
	_, stillBound := m.byID[0x42]
	m.mu.Unlock()
	require.False(t, stillBound)
}

func TestMultiplexer_CreateUnknownListenerRepliesNoEntry(t *testing.T) {
	m, ft := newMux(t)
	_ = m

	createFrame := append([]byte{Header{CbID: 0, Sp: 0, Cmd: CmdCreate}.Serialize(), 0x07}, []byte("nope\x00")...)
	ft.deliver(createFrame)

	require.Len(t, ft.sent, 1)
	rsp := ft.sent[0]
	_, rest, err := decodeChannelID(rsp[1:], DecodeHeader(rsp[0]).CbID)
	require.NoError(t, err)
	status := int32(uint32(rest[0]) | uint32(rest[1])<<8 | uint32(rest[2])<<16 | uint32(rest[3])<<24)
	require.Equal(t, CreationStatusNoEntry, status)
}

// Scenario D: DVC segmentation.
func TestMultiplexer_WritePacket_SegmentsLargePayload(t *testing.T) {
	m, ft := newMux(t)

	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, m.WritePacket(0x09, payload))
	require.True(t, len(ft.sent) > 1)

	first := DecodeHeader(ft.sent[0][0])
	require.Equal(t, CmdDataFirst, first.Cmd)
	require.Equal(t, byte(1), first.Sp) // len(5000) fits in 2 bytes

	id, rest, err := decodeChannelID(ft.sent[0][1:], first.CbID)
	require.NoError(t, err)
	require.Equal(t, uint32(0x09), id)

	total, firstPayload, err := decodeTotalLength(rest, first.Sp)
	require.NoError(t, err)
	require.Equal(t, uint32(5000), total)

	reassembled := append([]byte(nil), firstPayload...)
	for _, frame := range ft.sent[1:] {
		hdr := DecodeHeader(frame[0])
		require.Equal(t, CmdData, hdr.Cmd)
		_, chunk, err := decodeChannelID(frame[1:], hdr.CbID)
		require.NoError(t, err)
		reassembled = append(reassembled, chunk...)
	}

	require.Equal(t, payload, reassembled)
	for _, frame := range ft.sent {
		require.LessOrEqual(t, len(frame), MaxPDU)
	}
}

func TestMultiplexer_WritePacket_SmallPayloadSingleDataFrame(t *testing.T) {
	m, ft := newMux(t)

	payload := []byte{0xAA, 0xBB, 0xCC}
	require.NoError(t, m.WritePacket(0x01, payload))

	require.Len(t, ft.sent, 1)
	hdr := DecodeHeader(ft.sent[0][0])
	require.Equal(t, CmdData, hdr.Cmd)
	id, chunk, err := decodeChannelID(ft.sent[0][1:], hdr.CbID)
	require.NoError(t, err)
	require.Equal(t, uint32(0x01), id)
	require.Equal(t, payload, chunk)
}

// Invariant 2: DATA_FIRST+DATA reassembly on the receive side reproduces
// the original payload, mirroring the segmentation property from the
// other direction.
func TestMultiplexer_InboundReassembly(t *testing.T) {
	m, ft := newMux(t)
	h := &recordingHandler{}
	require.NoError(t, m.InitListener("big", h))
	ft.deliver(append([]byte{Header{CbID: 0, Sp: 0, Cmd: CmdCreate}.Serialize(), 0x05}, []byte("big\x00")...))

	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i * 3)
	}

	firstChunk := payload[:1000]
	rest := payload[1000:]

	df := encodeDataFirst(0x05, 0, uint32(len(payload)), firstChunk)
	ft.deliver(df)

	for len(rest) > 0 {
		n := 1500
		if n > len(rest) {
			n = len(rest)
		}
		ft.deliver(encodeData(0x05, 0, rest[:n]))
		rest = rest[n:]
	}

	require.Len(t, h.received, 1)
	require.Equal(t, payload, h.received[0])
}

// Invariant 3: channel-id width encoding round-trips for all ids
// representable in that width.
func TestChannelIDWidth_RoundTrips(t *testing.T) {
	cases := []struct {
		cbID byte
		id   uint32
	}{
		{0, 0x00}, {0, 0xFF},
		{1, 0x100}, {1, 0xFFFF},
		{2, 0x10000}, {2, 0xFFFFFFFF},
	}
	for _, c := range cases {
		buf := new(bytes.Buffer)
		encodeChannelID(buf, c.id, c.cbID)
		got, rest, err := decodeChannelID(buf.Bytes(), c.cbID)
		require.NoError(t, err)
		require.Empty(t, rest)
		require.Equal(t, c.id, got)
	}
}

func TestWidthForID_PicksSmallestWidth(t *testing.T) {
	require.Equal(t, byte(0), widthForID(0xFF))
	require.Equal(t, byte(1), widthForID(0x100))
	require.Equal(t, byte(1), widthForID(0xFFFF))
	require.Equal(t, byte(2), widthForID(0x10000))
}

// Invariant 4: by_name and by_id agree while Open, and disagree (by_id
// absent) while Unbound.
func TestMultiplexer_ByNameByIDAgreement(t *testing.T) {
	m, ft := newMux(t)
	h := &recordingHandler{}
	require.NoError(t, m.InitListener("chan", h))

	m.mu.Lock()
	_, boundBeforeCreate := m.byID[0x11]
	_, namedExists := m.byName["chan"]
	m.mu.Unlock()
	require.False(t, boundBeforeCreate)
	require.True(t, namedExists)

	ft.deliver(append([]byte{Header{CbID: 0, Sp: 0, Cmd: CmdCreate}.Serialize(), 0x11}, []byte("chan\x00")...))

	m.mu.Lock()
	recByID, boundAfterCreate := m.byID[0x11]
	recByName := m.byName["chan"]
	m.mu.Unlock()
	require.True(t, boundAfterCreate)
	require.Same(t, recByID, recByName)
	require.Equal(t, Open, recByName.state)

	ft.deliver([]byte{Header{CbID: 0, Sp: 0, Cmd: CmdClose}.Serialize(), 0x11})

	m.mu.Lock()
	_, boundAfterClose := m.byID[0x11]
	recByName2 := m.byName["chan"]
	m.mu.Unlock()
	require.False(t, boundAfterClose)
	require.Equal(t, Unbound, recByName2.state)
}

func TestMultiplexer_InitListener_DuplicateNameFails(t *testing.T) {
	m, _ := newMux(t)
	h := &recordingHandler{}
	require.NoError(t, m.InitListener("dup", h))
	err := m.InitListener("dup", h)
	require.Error(t, err)

	m.mu.Lock()
	_, stillThere := m.byName["dup"]
	m.mu.Unlock()
	require.True(t, stillThere)
}

func TestMultiplexer_CapsRequestRespondsSameVersion(t *testing.T) {
	m, ft := newMux(t)
	_ = m

	frame := capsPDU{Version: CapsVersion2}.serialize()
	ft.deliver(frame)

	require.Len(t, ft.sent, 1)
	rsp := ft.sent[0]
	require.Equal(t, CmdCaps, DecodeHeader(rsp[0]).Cmd)
	decoded, err := decodeCapsPDU(rsp[1:])
	require.NoError(t, err)
	require.Equal(t, CapsVersion2, decoded.Version)
}
