package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ghostwire/ghostwire/internal/auth"
	"github.com/ghostwire/ghostwire/internal/carrier"
	"github.com/ghostwire/ghostwire/internal/tunnel"
	"github.com/ghostwire/ghostwire/internal/wire"
)

// heartbeat cadence and liveness thresholds (§4.7): ping every 15s
// when the carrier has been idle for 30s, and declare the carrier
// failed if no PONG answers within 15s of that ping.
const (
	pingInterval  = 15 * time.Second
	idleThreshold = 30 * time.Second
	pongWindow    = 15 * time.Second
)

// DialFunc matches websocket.Dialer.NetDialContext, letting a Session
// be dialed through an optional egress proxy.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Session is the per-carrier state machine on the client side (C7):
// authenticate, then accept local TCP connections, forward them as
// CONNECT/DATA streams, and answer the relay's PING/CLOSE/ERROR
// frames, all while driving the heartbeat liveness check.
type Session struct {
	cfg *Config

	ch     carrier.Channel
	writer *carrier.QueuedWriter
	codec  *wire.Codec
	table  *tunnel.Table

	streamCounter uint32 // accessed only via atomic
	lastRecvNanos atomic.Int64
	pendingPingAt atomic.Int64 // 0 when no ping is outstanding

	pumpWG    sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
	termErr   atomic.Pointer[error]
}

// DialCarrier establishes the underlying carrier connection and
// derives the session key, but does not yet send AUTH: the caller
// (normally Supervisor.Run) observes the Connecting -> Authenticating
// transition by calling Authenticate separately, per §4.8.
func DialCarrier(ctx context.Context, cfg *Config, dial DialFunc) (*Session, error) {
	ch, err := carrier.Dial(ctx, cfg.Server.URL, dial)
	if err != nil {
		return nil, err
	}

	key := auth.DeriveSessionKey(cfg.Auth.Token, cfg.Server.URL)
	codec, err := wire.NewCodec(key[:], wire.RoleClient)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("client: constructing codec: %w", err)
	}

	s := &Session{
		cfg:    cfg,
		ch:     ch,
		codec:  codec,
		table:  tunnel.NewTable(),
		writer: carrier.NewQueuedWriter(ch),
		done:   make(chan struct{}),
	}
	s.lastRecvNanos.Store(time.Now().UnixNano())
	return s, nil
}

// Authenticate sends the single unencrypted AUTH frame carrying the
// configured token. The protocol has no explicit AUTH acknowledgement;
// a rejected token surfaces as the relay closing the carrier, which
// the receive loop reports once Run starts.
func (s *Session) Authenticate() error {
	authFrame, err := s.codec.PackFrame(wire.TypeAuth, wire.ControlStreamID, []byte(s.cfg.Auth.Token))
	if err != nil {
		return fmt.Errorf("client: packing AUTH frame: %w", err)
	}
	if err := s.writer.Enqueue(authFrame); err != nil {
		return fmt.Errorf("client: sending AUTH frame: %w", err)
	}
	slog.Info("connected to relay", "url", s.cfg.Server.URL)
	return nil
}

// Connect dials the carrier and authenticates in one step, for callers
// that don't need to observe the intermediate Authenticating phase
// (tests, one-shot connections).
func Connect(ctx context.Context, cfg *Config, dial DialFunc) (*Session, error) {
	s, err := DialCarrier(ctx, cfg, dial)
	if err != nil {
		return nil, err
	}
	if err := s.Authenticate(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// StreamCount reports the number of streams currently open on this
// session, for Supervisor.ActiveStreams.
func (s *Session) StreamCount() int {
	return s.table.Len()
}

// Run drives the receive loop and heartbeat until the carrier fails,
// a protocol violation occurs, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	recvErr := make(chan error, 1)
	go func() { recvErr <- s.receiveLoop() }()
	go s.heartbeatLoop(ctx)

	select {
	case err := <-recvErr:
		s.Close()
		if termErr := s.termErr.Load(); termErr != nil {
			return *termErr
		}
		return err
	case <-ctx.Done():
		s.Close()
		<-recvErr
		return ctx.Err()
	}
}

// Close shuts down the session: the carrier, its outbound writer, and
// every tunnel the session is holding. It blocks until every pump
// goroutine the session spawned has returned, per §4.8's "every tunnel
// in the session's table is closed" teardown.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.table.CloseAll()
		s.pumpWG.Wait()
		s.writer.Close()
	})
}

func (s *Session) receiveLoop() error {
	for {
		data, err := s.ch.Recv()
		if err != nil {
			return fmt.Errorf("client: carrier recv: %w", err)
		}
		s.lastRecvNanos.Store(time.Now().UnixNano())

		typ, streamID, payload, err := s.codec.UnpackFrame(data)
		if err != nil {
			return fmt.Errorf("client: decoding frame: %w", err)
		}
		switch typ {
		case wire.TypeData:
			s.handleData(streamID, payload)
		case wire.TypeClose:
			s.table.Remove(streamID)
		case wire.TypeError:
			slog.Warn("relay reported stream error", "stream", streamID, "message", string(payload))
			s.table.Remove(streamID)
		case wire.TypePong:
			s.pendingPingAt.Store(0)
		default:
			return fmt.Errorf("client: unexpected frame type %d: %w", typ, ErrProtocol)
		}
	}
}

func (s *Session) handleData(streamID uint32, payload []byte) {
	t, ok := s.table.Get(streamID)
	if !ok {
		return
	}
	if _, err := t.Conn.Write(payload); err != nil {
		slog.Debug("write to local socket failed", "stream", streamID, "err", err)
		s.table.Remove(streamID)
		s.sendClose(streamID, wire.ReasonIOError)
	}
}

// Accept registers a freshly accepted local TCP connection as a new
// stream and requests the relay dial mapping.RemoteHost:RemotePort.
func (s *Session) Accept(conn net.Conn, mapping TunnelMapping) {
	streamID := atomic.AddUint32(&s.streamCounter, 1)
	if streamID == 0 {
		slog.Error("stream id space exhausted, tearing down carrier", "err", ErrStreamIDsExhausted)
		conn.Close()
		err := error(ErrStreamIDsExhausted)
		s.termErr.Store(&err)
		s.Close()
		return
	}

	t := &tunnel.Tunnel{StreamID: streamID, Conn: conn}
	s.table.Insert(t)

	frame, err := s.codec.PackFrame(wire.TypeConnect, streamID, wire.EncodeConnect(mapping.RemoteHost, uint16(mapping.RemotePort)))
	if err != nil {
		slog.Error("packing CONNECT frame failed", "stream", streamID, "err", err)
		s.table.Remove(streamID)
		return
	}
	if err := s.writer.Enqueue(frame); err != nil {
		s.table.Remove(streamID)
		return
	}

	s.pumpWG.Add(1)
	go s.pumpLocalToCarrier(t)
}

// pumpLocalToCarrier reads from the local socket and emits DATA frames
// until EOF, error, or carrier failure, then retires the stream.
func (s *Session) pumpLocalToCarrier(t *tunnel.Tunnel) {
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

func (s *Session) sendClose(streamID uint32, reason uint16) {
	frame, err := s.codec.PackFrame(wire.TypeClose, streamID, wire.EncodeClose(reason))
	if err != nil {
		return
	}
	_ = s.writer.Enqueue(frame)
}

// heartbeatLoop emits PING frames on an idle carrier and declares the
// carrier failed if a PONG does not arrive within the liveness window.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := time.Now()
			if pendingAt := s.pendingPingAt.Load(); pendingAt != 0 {
				if now.Sub(time.Unix(0, pendingAt)) > pongWindow {
					slog.Error("heartbeat timeout, no pong received")
					s.closeWithErr()
					return
				}
				continue
			}
			if now.Sub(time.Unix(0, s.lastRecvNanos.Load())) >= idleThreshold {
				s.sendPing(now)
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) sendPing(now time.Time) {
	frame, err := s.codec.PackFrame(wire.TypePing, wire.ControlStreamID, wire.EncodeTimestamp(now.UnixNano()))
	if err != nil {
		return
	}
	if err := s.writer.Enqueue(frame); err != nil {
		return
	}
	s.pendingPingAt.Store(now.UnixNano())
}

// closeWithErr tears down the session on heartbeat timeout, recording
// ErrHeartbeatTimeout so Run reports it instead of the generic carrier
// recv error the resulting close triggers.
func (s *Session) closeWithErr() {
	err := error(ErrHeartbeatTimeout)
	s.termErr.Store(&err)
	s.Close()
}
