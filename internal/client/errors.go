package client

import "errors"

// ErrProtocol is returned when the relay sends a frame type the
// client does not expect in the Up state.
var ErrProtocol = errors.New("client: protocol violation")

// ErrHeartbeatTimeout is returned when no PONG arrives within the
// liveness window after a PING.
var ErrHeartbeatTimeout = errors.New("client: heartbeat timeout")

// ErrStreamIDsExhausted is returned when the 32-bit stream id space
// is exhausted; the carrier must be torn down and re-authenticated on
// reconnect, which starts a fresh id space.
var ErrStreamIDsExhausted = errors.New("client: stream id space exhausted")
