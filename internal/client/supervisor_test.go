package client

import (
	"testing"
	"time"
)

func Test_next_backoff_doubles(t *testing.T) {
	cfg := ReconnectConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2}
	got := nextBackoff(time.Second, cfg)
	if got != 2*time.Second {
		t.Errorf("expected 2s, got %v", got)
	}
}

func Test_next_backoff_caps_at_max(t *testing.T) {
	cfg := ReconnectConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	got := nextBackoff(20*time.Second, cfg)
	if got != 10*time.Second {
		t.Errorf("expected cap at 10s, got %v", got)
	}
}

func Test_carrier_state_string(t *testing.T) {
	cases := map[CarrierState]string{
		StateConnecting:     "connecting",
		StateAuthenticating: "authenticating",
		StateUp:             "up",
		StateDraining:       "draining",
		StateDown:           "down",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("state %d: got %q, want %q", state, got, want)
		}
	}
}
