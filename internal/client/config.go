package client

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the GhostWire client configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Tunnels   []TunnelMapping `yaml:"tunnels"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig specifies the relay carrier's websocket endpoint. URL
// must be identical, byte for byte, to the server's own canonical
// carrier URL: both endpoints derive the session key from it.
type ServerConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig holds the shared token presented in the AUTH frame.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// ProxyConfig optionally routes the carrier dial through a SOCKS5 or
// HTTP CONNECT proxy, for clients whose only egress is such a proxy.
type ProxyConfig struct {
	URL string `yaml:"url"`
}

// TunnelMapping describes one local TCP listener forwarding into one
// remote endpoint dialed by the server.
type TunnelMapping struct {
	BindHost   string `yaml:"bind_host"`
	BindPort   int    `yaml:"bind_port"`
	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`
}

// Addr returns the local listen address for this mapping.
func (m TunnelMapping) Addr() string {
	return fmt.Sprintf("%s:%d", m.BindHost, m.BindPort)
}

// ReconnectConfig controls the supervisor's exponential backoff.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// LoadConfig reads and parses a client configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Reconnect: ReconnectConfig{
			InitialDelay: 1 * time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2,
		},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Server.URL == "" {
		return nil, fmt.Errorf("server.url is required")
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("auth.token is required")
	}
	if len(cfg.Tunnels) == 0 {
		return nil, fmt.Errorf("at least one tunnel mapping is required")
	}
	return cfg, nil
}
