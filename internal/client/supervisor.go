package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"
)

// CarrierState enumerates the supervisor's lifecycle, matching
// spec.md §3's enum exactly: Connecting, Authenticating, Up, Draining,
// Down.
type CarrierState int32

const (
	StateConnecting CarrierState = iota
	StateAuthenticating
	StateUp
	StateDraining
	StateDown
)

func (s CarrierState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateUp:
		return "up"
	case StateDraining:
		return "draining"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// Metrics exposes read-only counters about a running Supervisor, for
// an external collector to poll (no metrics library is imported by
// the core itself; see SPEC_FULL.md's DOMAIN STACK).
type Metrics interface {
	State() CarrierState
	ReconnectAttempts() uint64
	ActiveStreams() int
}

// Supervisor owns the client's local TCP listeners across reconnects
// and the reconnect/backoff state machine for the carrier (C8).
type Supervisor struct {
	cfg  *Config
	dial DialFunc

	listeners []net.Listener
	mappings  []TunnelMapping

	state             atomic.Int32
	current           atomic.Pointer[Session]
	reconnectAttempts atomic.Uint64
}

var _ Metrics = (*Supervisor)(nil)

// NewSupervisor opens one TCP listener per configured tunnel mapping.
// Listeners persist across carrier reconnects; only the forwarding
// target (the current Session) changes.
func NewSupervisor(cfg *Config, dial DialFunc) (*Supervisor, error) {
	sup := &Supervisor{cfg: cfg, dial: dial}
	for _, m := range cfg.Tunnels {
		l, err := net.Listen("tcp", m.Addr())
		if err != nil {
			sup.closeListeners()
			return nil, fmt.Errorf("listening on %s: %w", m.Addr(), err)
		}
		sup.listeners = append(sup.listeners, l)
		sup.mappings = append(sup.mappings, m)
	}
	return sup, nil
}

// Run starts the accept loops and the reconnect state machine. It
// blocks until ctx is cancelled (graceful shutdown) or a listener
// fails unrecoverably. State follows spec.md §4.8's sequence:
// Connecting -> Authenticating -> Up -> Down -> Connecting, with
// Draining entered as soon as shutdown is requested so Metrics
// observers can distinguish "tearing down" from "lost carrier."
func (sup *Supervisor) Run(ctx context.Context) error {
	for i, l := range sup.listeners {
		go sup.acceptLoop(ctx, l, sup.mappings[i])
	}
	defer sup.closeListeners()

	go func() {
		<-ctx.Done()
		sup.state.CompareAndSwap(int32(StateUp), int32(StateDraining))
	}()

	first := true
	delay := sup.cfg.Reconnect.InitialDelay
	for {
		if !first {
			sup.reconnectAttempts.Add(1)
		}
		first = false

		sup.state.Store(int32(StateConnecting))
		sess, err := DialCarrier(ctx, sup.cfg, sup.dial)
		if err != nil {
			if ctx.Err() != nil {
				sup.state.Store(int32(StateDraining))
				return ctx.Err()
			}
			slog.Warn("dialing carrier failed, backing off", "err", err, "delay", delay)
			if !sup.sleep(ctx, delay) {
				sup.state.Store(int32(StateDraining))
				return ctx.Err()
			}
			delay = nextBackoff(delay, sup.cfg.Reconnect)
			continue
		}

		sup.state.Store(int32(StateAuthenticating))
		if err := sess.Authenticate(); err != nil {
			sess.Close()
			if ctx.Err() != nil {
				sup.state.Store(int32(StateDraining))
				return ctx.Err()
			}
			slog.Warn("authenticating carrier failed, backing off", "err", err, "delay", delay)
			if !sup.sleep(ctx, delay) {
				sup.state.Store(int32(StateDraining))
				return ctx.Err()
			}
			delay = nextBackoff(delay, sup.cfg.Reconnect)
			continue
		}

		sup.state.Store(int32(StateUp))
		sup.current.Store(sess)
		delay = sup.cfg.Reconnect.InitialDelay // backoff resets on Authenticating -> Up

		runErr := sess.Run(ctx)
		sup.current.Store(nil)

		if ctx.Err() != nil {
			sup.state.Store(int32(StateDraining))
			return ctx.Err()
		}

		sup.state.Store(int32(StateDown))
		slog.Warn("carrier down, reconnecting", "err", runErr, "delay", delay)
		if !sup.sleep(ctx, delay) {
			sup.state.Store(int32(StateDraining))
			return ctx.Err()
		}
		delay = nextBackoff(delay, sup.cfg.Reconnect)
	}
}

// State returns the supervisor's current CarrierState.
func (sup *Supervisor) State() CarrierState {
	return CarrierState(sup.state.Load())
}

// ReconnectAttempts returns the number of carrier (re)connect attempts
// made after the first, for an external collector to track churn.
func (sup *Supervisor) ReconnectAttempts() uint64 {
	return sup.reconnectAttempts.Load()
}

// ActiveStreams returns the number of open streams on the currently
// up session, or 0 if no carrier is currently up.
func (sup *Supervisor) ActiveStreams() int {
	sess := sup.current.Load()
	if sess == nil {
		return 0
	}
	return sess.StreamCount()
}

// sleep waits for delay or ctx cancellation, returning false if ctx
// was cancelled first.
func (sup *Supervisor) sleep(ctx context.Context, delay time.Duration) bool {
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(delay time.Duration, cfg ReconnectConfig) time.Duration {
	next := time.Duration(float64(delay) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		next = cfg.MaxDelay
	}
	return next
}

// acceptLoop accepts local TCP connections for one tunnel mapping for
// the supervisor's lifetime, handing each off to whichever Session is
// currently up. Connections accepted while no session is up (Down or
// Connecting) are closed immediately: there is nothing to forward
// through yet.
func (sup *Supervisor) acceptLoop(ctx context.Context, l net.Listener, mapping TunnelMapping) {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("accept failed", "addr", mapping.Addr(), "err", err)
			return
		}
		sess := sup.current.Load()
		if sess == nil {
			conn.Close()
			continue
		}
		sess.Accept(conn, mapping)
	}
}

func (sup *Supervisor) closeListeners() {
	for _, l := range sup.listeners {
		l.Close()
	}
}
