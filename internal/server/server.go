package server

import (
	"log/slog"
	"net/http"

	"github.com/ghostwire/ghostwire/internal/carrier"
)

// Server accepts carrier connections from GhostWire clients and spawns
// an independent Session per accepted carrier.
type Server struct {
	cfg      *Config
	upgrader *carrier.Upgrader
}

// NewServer creates a configured GhostWire server.
func NewServer(cfg *Config) *Server {
	return &Server{cfg: cfg, upgrader: carrier.NewUpgrader()}
}

// Run starts the server and blocks until it exits.
func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Listen.Path, s.handleCarrier)

	addr := s.cfg.Listen.Addr()
	slog.Info("server starting", "addr", addr, "path", s.cfg.Listen.Path, "tls", s.cfg.TLS.Enabled)

	if s.cfg.TLS.Enabled {
		return http.ListenAndServeTLS(addr, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile, mux)
	}
	return http.ListenAndServe(addr, mux)
}

// handleCarrier upgrades the request to a websocket carrier and runs a
// dedicated session for its lifetime.
func (s *Server) handleCarrier(w http.ResponseWriter, r *http.Request) {
	ch, err := s.upgrader.Upgrade(w, r)
	if err != nil {
		slog.Error("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}

	slog.Info("carrier accepted", "remote", r.RemoteAddr)
	session := NewSession(s.cfg, ch, r.RemoteAddr)
	if err := session.Run(); err != nil {
		slog.Warn("session ended", "remote", r.RemoteAddr, "err", err)
	}
}
