package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/ghostwire/ghostwire/internal/auth"
	"github.com/ghostwire/ghostwire/internal/carrier"
	"github.com/ghostwire/ghostwire/internal/tunnel"
	"github.com/ghostwire/ghostwire/internal/wire"
)

// Session is the per-carrier state machine on the server side (C6):
// authenticate, then dispatch CONNECT/DATA/CLOSE/PING frames, dialing
// the true remote endpoint and pumping bytes back.
type Session struct {
	cfg        *Config
	remoteAddr string

	ch     carrier.Channel
	writer *carrier.QueuedWriter
	codec  *wire.Codec
	table  *tunnel.Table
	pumpWG sync.WaitGroup
}

// NewSession wraps a freshly upgraded carrier channel in a server
// session. The session key is derived immediately from the
// configured token and canonical URL; the AUTH frame only verifies the
// peer holds the same token, it does not participate in derivation.
func NewSession(cfg *Config, ch carrier.Channel, remoteAddr string) *Session {
	key := auth.DeriveSessionKey(cfg.Auth.Token, cfg.Listen.CanonicalURL(cfg.TLS.Enabled))
	codec, _ := wire.NewCodec(key[:], wire.RoleServer) // 32-byte key, cannot fail
	return &Session{
		cfg:        cfg,
		remoteAddr: remoteAddr,
		ch:         ch,
		codec:      codec,
		table:      tunnel.NewTable(),
	}
}

// Run authenticates the carrier and then serves frames until the
// carrier fails or a protocol violation occurs. Always closes the
// tunnel table, waits for every pump goroutine to return, and closes
// the carrier before returning.
func (s *Session) Run() error {
	s.writer = carrier.NewQueuedWriter(s.ch)
	defer func() {
		s.table.CloseAll()
		s.pumpWG.Wait()
		s.writer.Close()
	}()

	if err := s.authenticate(); err != nil {
		return err
	}

	return s.serve()
}

func (s *Session) authenticate() error {
	data, err := s.ch.Recv()
	if err != nil {
		return fmt.Errorf("server: waiting for AUTH frame: %w", err)
	}
	typ, _, payload, err := s.codec.UnpackFrame(data)
	if err != nil {
		return fmt.Errorf("server: decoding AUTH frame: %w", err)
	}
	if typ != wire.TypeAuth {
		return fmt.Errorf("server: expected AUTH frame, got type %d: %w", typ, ErrProtocol)
	}
	if !auth.TokensEqual(string(payload), s.cfg.Auth.Token) {
		slog.Warn("agent auth failed", "remote", s.remoteAddr)
		return ErrAuthFailed
	}
	slog.Info("client authenticated", "remote", s.remoteAddr)
	return nil
}

func (s *Session) serve() error {
	for {
		data, err := s.ch.Recv()
		if err != nil {
			return fmt.Errorf("server: carrier recv: %w", err)
		}
		typ, streamID, payload, err := s.codec.UnpackFrame(data)
		if err != nil {
			return fmt.Errorf("server: decoding frame: %w", err)
		}
		switch typ {
		case wire.TypeConnect:
			s.handleConnect(streamID, payload)
		case wire.TypeData:
			s.handleData(streamID, payload)
		case wire.TypeClose:
			s.table.Remove(streamID)
		case wire.TypePing:
			s.handlePing(streamID, payload)
		default:
			return fmt.Errorf("server: unexpected frame type %d: %w", typ, ErrProtocol)
		}
	}
}

func (s *Session) handleConnect(streamID uint32, payload []byte) {
	host, port, err := wire.DecodeConnect(payload)
	if err != nil {
		s.sendError(streamID, "malformed connect payload: "+err.Error())
		return
	}
	target := fmt.Sprintf("%s:%d", host, port)
	slog.Info("connect request", "stream", streamID, "target", target)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Tunnel.DialTimeout)
	defer cancel()
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", target)
	if err != nil {
		slog.Error("dial failed", "stream", streamID, "target", target, "err", err)
		s.sendError(streamID, err.Error())
		return
	}

	t := &tunnel.Tunnel{StreamID: streamID, Conn: conn}
	s.table.Insert(t)
	s.pumpWG.Add(1)
	go s.pumpRemoteToCarrier(t)
}

func (s *Session) handleData(streamID uint32, payload []byte) {
	t, ok := s.table.Get(streamID)
	if !ok {
		return
	}
	if _, err := t.Conn.Write(payload); err != nil {
		slog.Debug("write to remote failed", "stream", streamID, "err", err)
		s.table.Remove(streamID)
		s.sendClose(streamID, wire.ReasonIOError)
	}
}

func (s *Session) handlePing(streamID uint32, payload []byte) {
	ts, err := wire.DecodeTimestamp(payload)
	if err != nil {
		return
	}
	frame, err := s.codec.PackFrame(wire.TypePong, streamID, wire.EncodeTimestamp(ts))
	if err != nil {
		return
	}
	_ = s.writer.Enqueue(frame)
}

// pumpRemoteToCarrier reads from the dialed remote socket and emits
// DATA frames until EOF or error, then retires the stream.
func (s *Session) pumpRemoteToCarrier(t *tunnel.Tunnel) {
	defer s.pumpWG.Done()
	buf := make([]byte, wire.MaxDataPayload)
	reason := wire.ReasonEOF
	for {
		n, err := t.Conn.Read(buf)
		if n > 0 {
			frame, ferr := s.codec.PackFrame(wire.TypeData, t.StreamID, buf[:n])
			if ferr != nil {
				slog.Error("packing data frame failed", "stream", t.StreamID, "err", ferr)
				break
			}
			if werr := s.writer.Enqueue(frame); werr != nil {
				// carrier is gone; stop pumping, table teardown will
				// close the remote socket.
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				reason = wire.ReasonIOError
			}
			break
		}
	}
	s.table.Remove(t.StreamID)
	s.sendClose(t.StreamID, reason)
}

func (s *Session) sendError(streamID uint32, message string) {
	frame, err := s.codec.PackFrame(wire.TypeError, streamID, []byte(message))
	if err != nil {
		return
	}
	_ = s.writer.Enqueue(frame)
}

func (s *Session) sendClose(streamID uint32, reason uint16) {
	frame, err := s.codec.PackFrame(wire.TypeClose, streamID, wire.EncodeClose(reason))
	if err != nil {
		return
	}
	_ = s.writer.Enqueue(frame)
}
