// Package carrier implements CarrierChannel (C5): the abstract framed
// message transport over a WebSocket, used identically by
// ServerSession and ClientSession. One WebSocket binary message always
// carries exactly one wire.Frame; text frames are a protocol
// violation.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send/Recv once the channel has been closed,
// locally or by a graceful peer close.
var ErrClosed = errors.New("carrier: closed")

// ErrProtocol is returned on a transport-level protocol violation,
// such as a received text frame.
var ErrProtocol = errors.New("carrier: protocol error")

// transportPingInterval is the native WebSocket ping period,
// complementary to the application-level PING/PONG frames.
const transportPingInterval = 30 * time.Second

// pongWait bounds how long the peer has to answer a transport ping
// before the connection is considered dead.
const pongWait = transportPingInterval + 10*time.Second

// Channel is the abstract bidirectional message transport the
// sessions speak over. Implementations deliver whole binary messages
// and are safe for one concurrent Send and one concurrent Recv (but
// not multiple concurrent Sends — callers serialise writes through a
// single outbound queue per §5).
type Channel interface {
	Send(data []byte) error
	Recv() ([]byte, error)
	Close() error
}

// WSChannel adapts a gorilla/websocket connection to Channel,
// enforcing binary-only messages and driving the transport-level
// heartbeat.
type WSChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	stopPing chan struct{}
}

// NewWSChannel wraps an established websocket connection and starts
// its native ping/pong heartbeat.
func NewWSChannel(conn *websocket.Conn) *WSChannel {
	c := &WSChannel{
		conn:     conn,
		closed:   make(chan struct{}),
		stopPing: make(chan struct{}),
	}
	conn.SetReadLimit(0)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingLoop()
	return c
}

func (c *WSChannel) pingLoop() {
	ticker := time.NewTicker(transportPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		case <-c.stopPing:
			return
		}
	}
}

// Send delivers one whole binary message. Fails with ErrClosed once
// the channel is closed.
func (c *WSChannel) Send(data []byte) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("carrier: write failed: %w", ErrClosed)
	}
	return nil
}

// Recv returns one whole binary message. Fails with ErrClosed on a
// graceful peer close and ErrProtocol on a non-binary message or
// other transport error.
func (c *WSChannel) Recv() ([]byte, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("carrier: read failed: %w", ErrClosed)
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("carrier: received non-binary message type %d: %w", msgType, ErrProtocol)
	}
	return data, nil
}

// Close is idempotent; after it returns, all future Send/Recv fail.
func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		close(c.stopPing)
		err = c.conn.Close()
	})
	return err
}

// Upgrader upgrades an incoming HTTP request to a WSChannel, used by
// ServerSession to accept a carrier from a client.
type Upgrader struct {
	inner websocket.Upgrader
}

// NewUpgrader builds an Upgrader with compression disabled and no
// subprotocol negotiation, matching the wire format's fixed framing.
func NewUpgrader() *Upgrader {
	return &Upgrader{
		inner: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: false,
		},
	}
}

// Upgrade completes the WebSocket handshake and returns a Channel.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Channel, error) {
	conn, err := u.inner.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("carrier: websocket upgrade failed: %w", err)
	}
	return NewWSChannel(conn), nil
}

// Dial connects to a carrier URL, optionally routing through netDial
// (e.g. a SOCKS5/HTTP-CONNECT proxy dialer), and returns a Channel.
func Dial(ctx context.Context, url string, netDial func(ctx context.Context, network, addr string) (net.Conn, error)) (Channel, error) {
	dialer := websocket.Dialer{
		EnableCompression: false,
	}
	if netDial != nil {
		dialer.NetDialContext = netDial
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("carrier: dial failed: %w", err)
	}
	return NewWSChannel(conn), nil
}
