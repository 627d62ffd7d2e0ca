package server

import (
	"net"
	"testing"
	"time"

	"github.com/ghostwire/ghostwire/internal/auth"
	"github.com/ghostwire/ghostwire/internal/carrier"
	"github.com/ghostwire/ghostwire/internal/wire"
)

// fakeChannel is an in-memory carrier.Channel backed by buffered
// queues, standing in for a real WSChannel in unit tests.
type fakeChannel struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeChannel) Send(data []byte) error {
	select {
	case f.out <- append([]byte(nil), data...):
		return nil
	case <-f.closed:
		return errClosedFake
	}
}

func (f *fakeChannel) Recv() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, errClosedFake
	}
}

func (f *fakeChannel) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

var errClosedFake = &fakeErr{"fake channel closed"}

type fakeErr struct{ s string }

func (e *fakeErr) Error() string { return e.s }

func testConfig(token string) *Config {
	return &Config{
		Listen: ListenConfig{Host: "127.0.0.1", Port: 9443, Path: "/ws"},
		Auth:   AuthConfig{Token: token},
		Tunnel: TunnelConfig{DialTimeout: 2 * time.Second},
	}
}

func Test_authenticate_accepts_matching_token(t *testing.T) {
	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	cfg := testConfig(token)
	ch := newFakeChannel()
	sess := NewSession(cfg, ch, "test")

	authFrame, err := sess.codec.PackFrame(wire.TypeAuth, wire.ControlStreamID, []byte(token))
	if err != nil {
		t.Fatalf("packing AUTH frame: %v", err)
	}
	ch.in <- authFrame

	if err := sess.authenticate(); err != nil {
		t.Fatalf("expected authenticate to succeed, got %v", err)
	}
}

func Test_authenticate_rejects_wrong_token(t *testing.T) {
	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	cfg := testConfig(token)
	ch := newFakeChannel()
	sess := NewSession(cfg, ch, "test")

	wrongToken, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	authFrame, err := sess.codec.PackFrame(wire.TypeAuth, wire.ControlStreamID, []byte(wrongToken))
	if err != nil {
		t.Fatalf("packing AUTH frame: %v", err)
	}
	ch.in <- authFrame

	if err := sess.authenticate(); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func Test_handle_connect_dials_and_echoes_data(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting backend: %v", err)
	}
	defer backend.Close()
	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 1024)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	cfg := testConfig(token)
	ch := newFakeChannel()
	sess := NewSession(cfg, ch, "test")
	sess.writer = carrier.NewQueuedWriter(ch)

	addr := backend.Addr().(*net.TCPAddr)
	sess.handleConnect(1, wire.EncodeConnect(addr.IP.String(), uint16(addr.Port)))

	// give the dial + pump goroutine a moment to register the tunnel.
	time.Sleep(50 * time.Millisecond)

	sess.handleData(1, []byte("ping"))

	select {
	case echoed := <-ch.out:
		typ, streamID, got, err := sess.codec.UnpackFrame(echoed)
		if err != nil {
			t.Fatalf("unpacking echoed frame: %v", err)
		}
		if typ != wire.TypeData || streamID != 1 || string(got) != "ping" {
			t.Errorf("unexpected echoed frame: type=%d stream=%d payload=%q", typ, streamID, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed DATA frame")
	}
}

func Test_handle_connect_sends_error_on_dial_failure(t *testing.T) {
	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	cfg := testConfig(token)
	cfg.Tunnel.DialTimeout = 200 * time.Millisecond
	ch := newFakeChannel()
	sess := NewSession(cfg, ch, "test")
	sess.writer = carrier.NewQueuedWriter(ch)

	// port 0 on an already-bound-but-closed listener: guaranteed refused.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("binding throwaway listener: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	sess.handleConnect(7, wire.EncodeConnect(addr.IP.String(), uint16(addr.Port)))

	select {
	case errFrame := <-ch.out:
		typ, streamID, _, err := sess.codec.UnpackFrame(errFrame)
		if err != nil {
			t.Fatalf("unpacking error frame: %v", err)
		}
		if typ != wire.TypeError || streamID != 7 {
			t.Errorf("expected ERROR frame for stream 7, got type=%d stream=%d", typ, streamID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ERROR frame")
	}
}
