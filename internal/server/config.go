package server

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the GhostWire server configuration.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	TLS    TLSConfig    `yaml:"tls"`
	Auth   AuthConfig   `yaml:"auth"`
	Tunnel TunnelConfig `yaml:"tunnel"`
}

// ListenConfig specifies the address and websocket path to bind on.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Path string `yaml:"websocket_path"`
}

// Addr returns the host:port listen address.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Host, l.Port)
}

// CanonicalURL returns the canonical carrier URL both endpoints must
// agree on for key derivation: scheme, host, port, and path.
func (l ListenConfig) CanonicalURL(tlsEnabled bool) string {
	scheme := "ws"
	if tlsEnabled {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, l.Host, l.Port, l.Path)
}

// TLSConfig controls tls certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AuthConfig holds the shared token GhostWire clients must present.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// TunnelConfig controls per-stream dial and request behaviour.
type TunnelConfig struct {
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// LoadConfig reads and parses a server configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := &Config{
		Listen: ListenConfig{Host: "0.0.0.0", Port: 9443, Path: "/ws"},
		Tunnel: TunnelConfig{DialTimeout: 10 * time.Second},
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("auth.token is required")
	}
	return cfg, nil
}
