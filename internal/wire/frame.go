// Package wire implements the GhostWire binary frame format: the
// fixed 9-byte header, the message type taxonomy, and the
// length-prefixed authenticated-encryption envelope carried over a
// single carrier message per frame.
package wire

import (
	"encoding/binary"
	"fmt"
)

// frame message types.
const (
	TypeAuth    uint8 = 0x01
	TypeConnect uint8 = 0x02
	TypeData    uint8 = 0x03
	TypeClose   uint8 = 0x04
	TypePing    uint8 = 0x05
	TypePong    uint8 = 0x06
	TypeError   uint8 = 0x07
)

// HeaderSize is the fixed frame header length: 1 byte type, 4 byte
// stream id, 4 byte payload length, all big-endian.
const HeaderSize = 9

// MaxDataPayload is the maximum plaintext payload a DATA frame may
// carry, enforced before encryption.
const MaxDataPayload = 65536

// ControlStreamID is reserved for frames that are not associated with
// any tunnel stream (AUTH, and PING/PONG which are carrier-wide).
const ControlStreamID uint32 = 0

// Frame is the unit transmitted over the carrier: one WebSocket binary
// message holds exactly one frame.
type Frame struct {
	Type     uint8
	StreamID uint32
	Payload  []byte
}

// PackHeader writes the 9-byte big-endian frame header for type,
// streamID and the given payload length.
func PackHeader(typ uint8, streamID uint32, length uint32) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], streamID)
	binary.BigEndian.PutUint32(buf[5:9], length)
	return buf
}

// decodeHeader parses the 9-byte frame header from buf.
func decodeHeader(buf []byte) (typ uint8, streamID uint32, length uint32, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("wire: buffer too short for header: %d bytes: %w", len(buf), ErrShort)
	}
	typ = buf[0]
	streamID = binary.BigEndian.Uint32(buf[1:5])
	length = binary.BigEndian.Uint32(buf[5:9])
	return typ, streamID, length, nil
}
