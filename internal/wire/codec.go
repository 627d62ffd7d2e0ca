package wire

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Role identifies which endpoint of the carrier a Codec speaks for.
// The role selects which half of the nonce space an endpoint writes
// into, so that the single shared session key never sees the same
// nonce used for two different plaintexts: the client's outgoing
// frames and the server's outgoing frames occupy disjoint nonce
// spaces, and each side's stream of received frames is counted
// in lockstep with the sender's count.
type Role byte

const (
	RoleClient Role = 0
	RoleServer Role = 1
)

func (r Role) peer() Role {
	if r == RoleClient {
		return RoleServer
	}
	return RoleClient
}

// Codec packs and unpacks frames against a single session key,
// encrypting every frame type except AUTH. It is not safe for
// concurrent encrypt/decrypt calls from multiple goroutines; callers
// must serialise sends (per the single-writer carrier contract) and
// keep frame decoding on one receive loop.
type Codec struct {
	aead cipher.AEAD
	role Role

	mu          sync.Mutex
	sendCounter uint64
	recvCounter uint64
}

// NewCodec builds a Codec over a 32-byte session key. role identifies
// the local endpoint so outgoing and incoming nonces are derived from
// disjoint counters.
func NewCodec(key []byte, role Role) (*Codec, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("wire: constructing aead: %w", err)
	}
	return &Codec{aead: aead, role: role}, nil
}

// buildNonce derives a 12-byte AEAD nonce from a direction role and a
// monotonic per-direction counter: 1 role byte, 3 zero bytes, 8
// big-endian counter bytes. The counter is never transmitted; both
// endpoints derive it from the ordered, lossless, in-order delivery
// the carrier provides.
func buildNonce(role Role, counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	nonce[0] = byte(role)
	binary.BigEndian.PutUint64(nonce[4:12], counter)
	return nonce
}

// Encrypt seals plaintext under the codec's session key, using header
// as associated data, and advances the send counter.
func (c *Codec) Encrypt(plaintext, header []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendCounter == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	nonce := buildNonce(c.role, c.sendCounter)
	c.sendCounter++
	return c.aead.Seal(nil, nonce, plaintext, header), nil
}

// Decrypt opens ciphertext under the codec's session key, using
// header as associated data, and advances the receive counter. On any
// tamper of header or ciphertext it returns ErrAuthFailed.
func (c *Codec) Decrypt(ciphertext, header []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recvCounter == math.MaxUint64 {
		return nil, ErrNonceExhausted
	}
	nonce := buildNonce(c.role.peer(), c.recvCounter)
	c.recvCounter++
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// PackFrame builds the wire bytes (header || ciphertext) for a frame.
// AUTH frames are never encrypted: payload is carried verbatim and the
// counters are untouched.
func (c *Codec) PackFrame(typ uint8, streamID uint32, plaintext []byte) ([]byte, error) {
	if typ == TypeAuth {
		header := PackHeader(typ, streamID, uint32(len(plaintext)))
		return append(header, plaintext...), nil
	}
	if len(plaintext) > MaxDataPayload {
		return nil, ErrPayloadTooLarge
	}
	// the ciphertext length is fixed by the AEAD tag overhead, so the
	// header carrying the final payload-length can be built before
	// sealing and used as-is for associated data.
	header := PackHeader(typ, streamID, uint32(len(plaintext)+c.aead.Overhead()))
	ciphertext, err := c.Encrypt(plaintext, header)
	if err != nil {
		return nil, err
	}
	return append(header, ciphertext...), nil
}

// UnpackFrame parses one wire message into (type, streamID, plaintext).
// buf must contain exactly one frame (the carrier preserves message
// boundaries, so no re-framing across buf is attempted).
func (c *Codec) UnpackFrame(buf []byte) (typ uint8, streamID uint32, plaintext []byte, err error) {
	typ, streamID, length, err := decodeHeader(buf)
	if err != nil {
		return 0, 0, nil, err
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return 0, 0, nil, fmt.Errorf("wire: declared length %d exceeds buffer %d: %w", length, len(buf), ErrShort)
	}
	body := buf[HeaderSize:total]
	if typ == TypeAuth {
		payload := make([]byte, len(body))
		copy(payload, body)
		return typ, streamID, payload, nil
	}
	header := buf[:HeaderSize]
	plaintext, err = c.Decrypt(body, header)
	if err != nil {
		return 0, 0, nil, err
	}
	return typ, streamID, plaintext, nil
}
