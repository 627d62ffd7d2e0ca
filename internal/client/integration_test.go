package client_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/ghostwire/ghostwire/internal/auth"
	"github.com/ghostwire/ghostwire/internal/client"
	"github.com/ghostwire/ghostwire/internal/server"
)

// startBackend runs a trivial TCP echo-of-request server for testing,
// standing in for the "true remote endpoint" the GhostWire server
// dials on CONNECT.
func startBackend(t *testing.T) (host string, port int, stop func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start backend: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				c.Write([]byte("HTTP/1.0 200 OK\r\n\r\nhello from backend"))
			}(conn)
		}
	}()
	addr := l.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { l.Close() }
}

// startServer runs a real GhostWire server bound to an ephemeral port.
func startServer(t *testing.T, token string) (addr, canonicalURL string, stop func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind server: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	cfg := &server.Config{
		Listen: server.ListenConfig{Host: "127.0.0.1", Port: port, Path: "/ws"},
		Auth:   server.AuthConfig{Token: token},
		Tunnel: server.TunnelConfig{DialTimeout: 5 * time.Second},
	}
	url := cfg.Listen.CanonicalURL(false)

	srv := server.NewServer(cfg)
	go srv.Run()
	time.Sleep(100 * time.Millisecond)

	return cfg.Listen.Addr(), url, func() {}
}

func Test_single_stream_end_to_end(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}

	backendHost, backendPort, stopBackend := startBackend(t)
	defer stopBackend()

	serverAddr, canonicalURL, stopServer := startServer(t, token)
	defer stopServer()

	localListener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind local listener: %v", err)
	}
	localPort := localListener.Addr().(*net.TCPAddr).Port
	localListener.Close()

	cfg := &client.Config{
		Server: client.ServerConfig{URL: canonicalURL},
		Auth:   client.AuthConfig{Token: token},
		Tunnels: []client.TunnelMapping{{
			BindHost:   "127.0.0.1",
			BindPort:   localPort,
			RemoteHost: backendHost,
			RemotePort: backendPort,
		}},
		Reconnect: client.ReconnectConfig{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Multiplier: 2},
	}

	sup, err := client.NewSupervisor(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create supervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	time.Sleep(300 * time.Millisecond)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		t.Fatalf("dialing local listener failed: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		t.Fatalf("reading response through tunnel failed: %v", err)
	}

	got := string(buf[:n])
	if got == "" {
		t.Fatal("expected a non-empty response through the tunnel")
	}

	_ = serverAddr
}

func Test_wrong_token_is_rejected(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	token, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	_, canonicalURL, stopServer := startServer(t, token)
	defer stopServer()

	wrongToken, err := auth.GenerateToken()
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}

	cfg := &client.Config{
		Server: client.ServerConfig{URL: canonicalURL},
		Auth:   client.AuthConfig{Token: wrongToken},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sess, err := client.Connect(ctx, cfg, nil)
	if err != nil {
		// a dial-time rejection is an acceptable outcome too.
		return
	}
	defer sess.Close()

	runErr := sess.Run(ctx)
	if runErr == nil {
		t.Fatal("expected the carrier to be torn down after a bad AUTH frame")
	}
}
