package wire

import "errors"

// ErrShort is returned when a buffer is too small to contain a
// declared frame (header or payload).
var ErrShort = errors.New("wire: short buffer")

// ErrAuthFailed is returned when authenticated decryption fails,
// meaning the header or ciphertext was tampered with, or the wrong
// key is in use.
var ErrAuthFailed = errors.New("wire: authentication failed")

// ErrPayloadTooLarge is returned when a caller attempts to pack a
// frame whose plaintext payload exceeds MaxDataPayload.
var ErrPayloadTooLarge = errors.New("wire: payload exceeds maximum size")

// ErrNonceExhausted is returned when a codec's per-direction frame
// counter would overflow, which would force nonce reuse under the
// same session key. The carrier must be torn down and re-authenticated.
var ErrNonceExhausted = errors.New("wire: nonce counter exhausted, carrier must reconnect")
