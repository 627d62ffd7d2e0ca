package wire

import (
	"encoding/binary"
	"fmt"
)

// EncodeConnect builds the CONNECT plaintext payload:
// host-length(2 BE) || host-ascii-bytes || port(2 BE).
func EncodeConnect(host string, port uint16) []byte {
	buf := make([]byte, 2+len(host)+2)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(host)))
	copy(buf[2:2+len(host)], host)
	binary.BigEndian.PutUint16(buf[2+len(host):], port)
	return buf
}

// DecodeConnect parses a CONNECT plaintext payload.
func DecodeConnect(payload []byte) (host string, port uint16, err error) {
	if len(payload) < 2 {
		return "", 0, fmt.Errorf("wire: connect payload too short: %w", ErrShort)
	}
	hostLen := int(binary.BigEndian.Uint16(payload[0:2]))
	if len(payload) < 2+hostLen+2 {
		return "", 0, fmt.Errorf("wire: connect payload too short for host of length %d: %w", hostLen, ErrShort)
	}
	host = string(payload[2 : 2+hostLen])
	port = binary.BigEndian.Uint16(payload[2+hostLen:])
	return host, port, nil
}

// EncodeClose builds the CLOSE plaintext payload: a 2-byte BE reason code.
func EncodeClose(reason uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, reason)
	return buf
}

// DecodeClose parses a CLOSE plaintext payload.
func DecodeClose(payload []byte) (reason uint16, err error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("wire: close payload too short: %w", ErrShort)
	}
	return binary.BigEndian.Uint16(payload), nil
}

// EncodeTimestamp builds a PING/PONG plaintext payload: an 8-byte BE
// nanosecond timestamp.
func EncodeTimestamp(ns int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ns))
	return buf
}

// DecodeTimestamp parses a PING/PONG plaintext payload.
func DecodeTimestamp(payload []byte) (int64, error) {
	if len(payload) < 8 {
		return 0, fmt.Errorf("wire: timestamp payload too short: %w", ErrShort)
	}
	return int64(binary.BigEndian.Uint64(payload)), nil
}

// Reason codes carried in CLOSE payloads.
const (
	ReasonNormal   uint16 = 0
	ReasonEOF      uint16 = 1
	ReasonIOError  uint16 = 2
	ReasonShutdown uint16 = 3
)
