package client

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// NewCarrierDialer builds the DialFunc that establishes the carrier's
// underlying TCP connection, per cfg.Proxy: direct when unconfigured,
// otherwise routed through the configured SOCKS5 or HTTP CONNECT
// proxy. A nil DialFunc (cfg.Proxy.URL == "") tells carrier.Dial to
// fall back to gorilla/websocket's own default dialer.
func NewCarrierDialer(cfg *Config, timeout time.Duration) (DialFunc, error) {
	if cfg.Proxy.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.Proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "socks5", "socks5h":
		return socks5DialFunc(u, timeout)
	case "http", "https":
		return httpConnectDialFunc(u, timeout), nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", u.Scheme)
	}
}

// socks5DialFunc wraps golang.org/x/net/proxy's SOCKS5 client dialer
// as a DialFunc, so the carrier dial can be routed through it exactly
// like any other egress proxy.
func socks5DialFunc(u *url.URL, timeout time.Duration) (DialFunc, error) {
	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}
	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("creating socks5 dialer: %w", err)
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		// proxy.SOCKS5 always returns a context-aware dialer; fall back
		// to the blocking Dial rather than assume that forever.
		return func(_ context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}, nil
	}
	return cd.DialContext, nil
}

// httpConnectDialFunc builds a DialFunc that tunnels through an HTTP
// CONNECT proxy, using net/http to build the request and parse the
// response instead of hand-rolling the status line.
func httpConnectDialFunc(u *url.URL, timeout time.Duration) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyHost := u.Host
		if !strings.Contains(proxyHost, ":") {
			if u.Scheme == "https" {
				proxyHost += ":443"
			} else {
				proxyHost += ":80"
			}
		}

		conn, err := (&net.Dialer{Timeout: timeout}).DialContext(ctx, network, proxyHost)
		if err != nil {
			return nil, fmt.Errorf("connecting to http proxy: %w", err)
		}

		req, err := http.NewRequest(http.MethodConnect, "http://"+addr, nil)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("building connect request: %w", err)
		}
		req.Host = addr
		if u.User != nil {
			password, _ := u.User.Password()
			creds := base64.StdEncoding.EncodeToString([]byte(u.User.Username() + ":" + password))
			req.Header.Set("Proxy-Authorization", "Basic "+creds)
		}
		if err := req.Write(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sending connect request: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(conn), req)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("reading connect response: %w", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			conn.Close()
			return nil, fmt.Errorf("http connect failed: %s", resp.Status)
		}
		return conn, nil
	}
}
