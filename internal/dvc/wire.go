// Package dvc implements the Dynamic Virtual Channel multiplexer
// (MS-RDPEDYC): command dispatch, inbound DATA_FIRST/DATA reassembly,
// outbound segmentation, and a name/id listener registry.
package dvc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/cendio/rdpwire/internal/rdperr"
)

// ChannelName is the well-known static virtual channel DVC rides on top
// of, registered with FlagInitialized|FlagCompressRDP.
const ChannelName = "drdynvc"

// Command identifiers occupy the top 4 bits of the header byte.
const (
	CmdCreate              byte = 0x01
	CmdDataFirst           byte = 0x02
	CmdData                byte = 0x03
	CmdClose               byte = 0x04
	CmdCaps                byte = 0x05
	CmdDataCompressed      byte = 0x06
	CmdDataFirstCompressed byte = 0x07
	CmdSoftSyncRequest     byte = 0x08
	CmdSoftSyncResponse    byte = 0x09
)

// Capability versions carried by CAPS_REQ/CAPS_RSP.
const (
	CapsVersion1 uint16 = 0x0001
	CapsVersion2 uint16 = 0x0002
	CapsVersion3 uint16 = 0x0003
)

// Channel creation status codes (CREATE_RSP CreationStatus field).
const (
	CreationStatusOK      int32 = 0x00000000
	CreationStatusDenied  int32 = 0x00000001
	CreationStatusNoEntry int32 = -1 // unknown listener
)

const (
	// MaxPDU is the largest frame this multiplexer will hand to the
	// transport in one send.
	MaxPDU = 1600
	// MaxSingleDataPayload is the largest payload carried in a single
	// DATA PDU; anything bigger goes out as DATA_FIRST + DATA segments.
	MaxSingleDataPayload = 1590
)

// Header is the single leading byte of every DVC PDU: 2 bits of channel-id
// width, 2 bits command-specific (Sp), 4 bits command.
type Header struct {
	CbID byte // 0: 1-byte id, 1: 2-byte id, 2: 4-byte id
	Sp   byte
	Cmd  byte
}

// Serialize packs Header into its single wire byte.
func (h Header) Serialize() byte {
	return (h.CbID & 0x03) | ((h.Sp & 0x03) << 2) | ((h.Cmd & 0x0F) << 4)
}

// DecodeHeader unpacks the wire byte into a Header.
func DecodeHeader(b byte) Header {
	return Header{
		CbID: b & 0x03,
		Sp:   (b >> 2) & 0x03,
		Cmd:  (b >> 4) & 0x0F,
	}
}

// idWidth returns the byte width a cbId field value encodes (MS-RDPEDYC:
// 0->1, 1->2, 2->4). Any other value is a protocol error.
func idWidth(cbID byte) (int, error) {
	switch cbID {
	case 0:
		return 1, nil
	case 1:
		return 2, nil
	case 2:
		return 4, nil
	default:
		return 0, fmt.Errorf("dvc: %w: bad cbId %d", rdperr.ErrProtocol, cbID)
	}
}

// widthForID picks the smallest cbId code that can represent id, used when
// encoding an outbound PDU for a channel whose width has not yet been
// pinned by a prior CREATE exchange.
func widthForID(id uint32) byte {
	switch {
	case id <= 0xFF:
		return 0
	case id <= 0xFFFF:
		return 1
	default:
		return 2
	}
}

// encodeChannelID appends id to buf using the wire width cbID selects.
func encodeChannelID(buf *bytes.Buffer, id uint32, cbID byte) {
	switch cbID {
	case 0:
		buf.WriteByte(byte(id))
	case 1:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(id))
		buf.Write(b[:])
	case 2:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], id)
		buf.Write(b[:])
	}
}

// decodeChannelID reads an id of the given cbID-selected width from the
// front of data, returning the id and the remaining bytes.
func decodeChannelID(data []byte, cbID byte) (id uint32, rest []byte, err error) {
	width, err := idWidth(cbID)
	if err != nil {
		return 0, nil, err
	}
	if len(data) < width {
		return 0, nil, fmt.Errorf("dvc: %w: truncated channel id", rdperr.ErrProtocol)
	}
	switch width {
	case 1:
		id = uint32(data[0])
	case 2:
		id = uint32(binary.LittleEndian.Uint16(data[:2]))
	case 4:
		id = binary.LittleEndian.Uint32(data[:4])
	}
	return id, data[width:], nil
}

// lengthWidth returns the Sp-field width code for a DATA_FIRST total-length
// value: 1->2 bytes, 2->4 bytes. A 1-byte total length is never emitted;
// any payload big enough to fragment needs at least 2 bytes.
func lengthWidth(total uint32) byte {
	if total <= 0xFFFF {
		return 1
	}
	return 2
}

func encodeTotalLength(buf *bytes.Buffer, total uint32, sp byte) {
	switch sp {
	case 1:
		var b [2]byte
		binary.LittleEndian.PutUint16(b[:], uint16(total))
		buf.Write(b[:])
	case 2:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], total)
		buf.Write(b[:])
	}
}

// decodeTotalLength reads the DATA_FIRST total-length field per Sp's
// encoded width. The field is little-endian at every width.
func decodeTotalLength(data []byte, sp byte) (total uint32, rest []byte, err error) {
	switch sp {
	case 1:
		if len(data) < 2 {
			return 0, nil, fmt.Errorf("dvc: %w: truncated data_first length", rdperr.ErrProtocol)
		}
		return uint32(binary.LittleEndian.Uint16(data[:2])), data[2:], nil
	case 2:
		if len(data) < 4 {
			return 0, nil, fmt.Errorf("dvc: %w: truncated data_first length", rdperr.ErrProtocol)
		}
		return binary.LittleEndian.Uint32(data[:4]), data[4:], nil
	default:
		return 0, nil, fmt.Errorf("dvc: %w: bad data_first Sp %d", rdperr.ErrProtocol, sp)
	}
}

// capsPDU is DYNVC_CAPS (MS-RDPEDYC 2.2.1.1): cbId MUST be 0.
type capsPDU struct {
	Version         uint16
	PriorityCharge0 uint16
	PriorityCharge1 uint16
	PriorityCharge2 uint16
	PriorityCharge3 uint16
}

func (c capsPDU) serialize() []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(Header{CbID: 0, Sp: 0, Cmd: CmdCaps}.Serialize())
	buf.WriteByte(0) // pad
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], c.Version)
	buf.Write(v[:])
	if c.Version > CapsVersion1 {
		for _, charge := range []uint16{c.PriorityCharge0, c.PriorityCharge1, c.PriorityCharge2, c.PriorityCharge3} {
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], charge)
			buf.Write(b[:])
		}
	}
	return buf.Bytes()
}

// decodeCapsPDU parses the body of a CAPS_REQ following the header byte:
// 1 pad byte, then a little-endian Version, then (Version>1) four
// little-endian priority-charge values.
func decodeCapsPDU(body []byte) (capsPDU, error) {
	if len(body) < 3 {
		return capsPDU{}, fmt.Errorf("dvc: %w: truncated caps pdu", rdperr.ErrProtocol)
	}
	c := capsPDU{Version: binary.LittleEndian.Uint16(body[1:3])}
	if c.Version > CapsVersion1 {
		if len(body) < 3+8 {
			return capsPDU{}, fmt.Errorf("dvc: %w: truncated caps priority charges", rdperr.ErrProtocol)
		}
		c.PriorityCharge0 = binary.LittleEndian.Uint16(body[3:5])
		c.PriorityCharge1 = binary.LittleEndian.Uint16(body[5:7])
		c.PriorityCharge2 = binary.LittleEndian.Uint16(body[7:9])
		c.PriorityCharge3 = binary.LittleEndian.Uint16(body[9:11])
	}
	return c, nil
}

// decodeCreateRequest parses a CREATE_REQ body (after header+id): the
// remaining bytes are a NUL-terminated channel name.
func decodeCreateRequest(body []byte) (name string, err error) {
	nul := bytes.IndexByte(body, 0)
	if nul < 0 {
		return "", fmt.Errorf("dvc: %w: create_req name not nul-terminated", rdperr.ErrProtocol)
	}
	return string(body[:nul]), nil
}

// encodeCreateResponse builds a CREATE_RSP frame for id using cbID,
// carrying the given creation status.
func encodeCreateResponse(id uint32, cbID byte, status int32) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(Header{CbID: cbID, Sp: 0, Cmd: CmdCreate}.Serialize())
	encodeChannelID(buf, id, cbID)
	var s [4]byte
	binary.LittleEndian.PutUint32(s[:], uint32(status))
	buf.Write(s[:])
	return buf.Bytes()
}

// encodeClose builds a CLOSE frame for id.
func encodeClose(id uint32, cbID byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(Header{CbID: cbID, Sp: 0, Cmd: CmdClose}.Serialize())
	encodeChannelID(buf, id, cbID)
	return buf.Bytes()
}

// encodeData builds a single DATA frame for id carrying payload.
func encodeData(id uint32, cbID byte, payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(Header{CbID: cbID, Sp: 0, Cmd: CmdData}.Serialize())
	encodeChannelID(buf, id, cbID)
	buf.Write(payload)
	return buf.Bytes()
}

// encodeDataFirst builds the first segment of a fragmented payload: header
// + id + little-endian total length + the leading slice of payload that
// fits in this segment.
func encodeDataFirst(id uint32, cbID byte, total uint32, firstChunk []byte) []byte {
	sp := lengthWidth(total)
	buf := new(bytes.Buffer)
	buf.WriteByte(Header{CbID: cbID, Sp: sp, Cmd: CmdDataFirst}.Serialize())
	encodeChannelID(buf, id, cbID)
	encodeTotalLength(buf, total, sp)
	buf.Write(firstChunk)
	return buf.Bytes()
}

// dataPrefixLen and dataFirstPrefixLen return the number of header bytes
// (everything before the payload) a DATA or DATA_FIRST frame for the given
// width(s) occupies.
func dataPrefixLen(idWidth int) int {
	return 1 + idWidth
}

func dataFirstPrefixLen(idWidth int, total uint32) int {
	lw := 2
	if lengthWidth(total) == 2 {
		lw = 4
	}
	return 1 + idWidth + lw
}
