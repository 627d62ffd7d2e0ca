// Package tunnel implements the TunnelTable (C4): the concurrent
// registry mapping a stream id to its live TCP endpoint, shared by
// both ServerSession and ClientSession.
package tunnel

import (
	"net"
	"sync"
)

// Tunnel is the live bidirectional TCP stream associated with a
// stream id. Close is idempotent.
type Tunnel struct {
	StreamID uint32
	Conn     net.Conn

	closeOnce sync.Once
}

// Close closes the tunnel's socket. Safe to call more than once and
// safe to race with Table.Remove/Table.CloseAll: only the first
// caller actually closes the connection.
func (t *Tunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.Conn.Close()
	})
	return err
}

// Table is the concurrent stream id -> Tunnel registry. All methods
// are safe for concurrent use by the receive dispatcher, the local
// accept loop, and per-stream pumps.
type Table struct {
	mu     sync.Mutex
	byID   map[uint32]*Tunnel
	closed bool
}

// NewTable creates an empty tunnel table.
func NewTable() *Table {
	return &Table{byID: make(map[uint32]*Tunnel)}
}

// Insert registers a tunnel under its stream id. After CloseAll has
// run, Insert is a no-op: the tunnel is closed immediately and not
// added, since the table is being torn down.
func (tb *Table) Insert(t *Tunnel) {
	tb.mu.Lock()
	if tb.closed {
		tb.mu.Unlock()
		t.Close()
		return
	}
	tb.byID[t.StreamID] = t
	tb.mu.Unlock()
}

// Get looks up a tunnel by stream id. The second return value is
// false if absent (including after Remove or CloseAll).
func (tb *Table) Get(id uint32) (*Tunnel, bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	t, ok := tb.byID[id]
	return t, ok
}

// Remove deletes a tunnel from the table and closes it. Idempotent:
// removing an absent or already-removed id is a no-op.
func (tb *Table) Remove(id uint32) {
	tb.mu.Lock()
	t, ok := tb.byID[id]
	if ok {
		delete(tb.byID, id)
	}
	tb.mu.Unlock()
	if ok {
		t.Close()
	}
}

// CloseAll closes every tunnel currently in the table and marks the
// table closed so that subsequent Insert calls are no-ops. Safe to
// call exactly once per carrier teardown; concurrent per-stream
// Remove calls racing with CloseAll will not double-close (Tunnel.Close
// is itself idempotent) and will not resurrect an entry after CloseAll
// has run.
func (tb *Table) CloseAll() {
	tb.mu.Lock()
	tb.closed = true
	tunnels := make([]*Tunnel, 0, len(tb.byID))
	for id, t := range tb.byID {
		tunnels = append(tunnels, t)
		delete(tb.byID, id)
	}
	tb.mu.Unlock()

	for _, t := range tunnels {
		t.Close()
	}
}

// Len returns the number of tunnels currently registered.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.byID)
}
