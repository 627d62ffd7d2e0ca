package carrier

import (
	"sync"
	"sync/atomic"
)

// outboundQueueSize bounds the number of frames buffered for send
// before producers (pumps, the receive loop's PONG replies) block.
// This is the back-pressure surface: a slow carrier stalls the queue,
// which stalls enqueuers, which stalls the TCP reads feeding them.
const outboundQueueSize = 256

// QueuedWriter serialises writes to a Channel through a single
// dedicated drain goroutine, so that AE envelopes from concurrent
// pumps are never interleaved on the wire (§5, single-writer carrier).
type QueuedWriter struct {
	ch    Channel
	queue chan []byte
	done  chan struct{}

	closeOnce sync.Once
	lastErr   atomic.Value // error
}

// NewQueuedWriter starts the drain goroutine for ch.
func NewQueuedWriter(ch Channel) *QueuedWriter {
	w := &QueuedWriter{
		ch:    ch,
		queue: make(chan []byte, outboundQueueSize),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *QueuedWriter) drain() {
	for {
		select {
		case data := <-w.queue:
			if err := w.ch.Send(data); err != nil {
				w.lastErr.Store(err)
				w.shutdown()
				return
			}
		case <-w.done:
			return
		}
	}
}

func (w *QueuedWriter) shutdown() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}

// Enqueue blocks until the frame is queued, the writer is closed, or
// the drain goroutine has failed. No frame is ever silently dropped:
// failure is always reported as an error that tears down the caller's
// session.
func (w *QueuedWriter) Enqueue(data []byte) error {
	select {
	case w.queue <- data:
		return nil
	case <-w.done:
		if err, ok := w.lastErr.Load().(error); ok {
			return err
		}
		return ErrClosed
	}
}

// Close stops the drain goroutine and closes the underlying channel.
func (w *QueuedWriter) Close() error {
	w.shutdown()
	return w.ch.Close()
}

// Done returns a channel closed when the writer stops draining,
// whether from Close or a send failure.
func (w *QueuedWriter) Done() <-chan struct{} {
	return w.done
}
