package server

import "errors"

// ErrAuthFailed is returned when the client's AUTH frame carries the
// wrong token, or the first frame is not AUTH at all.
var ErrAuthFailed = errors.New("server: authentication failed")

// ErrProtocol is returned when the carrier sends a frame type that is
// not valid for the session's current state.
var ErrProtocol = errors.New("server: protocol violation")
