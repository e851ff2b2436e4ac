// Package transport provides the duplex byte channels ("ports") that peers talk over.
//
// A Port only moves opaque messages. It adds no acknowledgement, retry or ordering
// beyond what the underlying medium gives:
//
//	Pipe           in-process pair, async FIFO delivery, for tests and embedding
//	ConnPort       net.Conn with length-delimited frames and heartbeats
//	WebSocketPort  one binary websocket message per envelope
package transport

import (
	"errors"
	"sync"
)

// ErrPortClosed is returned by Send after the port has been closed.
var ErrPortClosed = errors.New("transport: port closed")

// Port is a duplex message channel.
//
// Send must be safe for concurrent use. Subscribe registers fn for every inbound
// message and returns the function that removes it; fn is called from a single
// delivery goroutine per port, in arrival order.
type Port interface {
	Send(data []byte) error
	Subscribe(fn func(data []byte)) (unsubscribe func())
}

// hub fans inbound messages out to subscribers.
type hub struct {
	mu   sync.RWMutex
	next int
	subs map[int]func([]byte)
}

func (h *hub) subscribe(fn func([]byte)) func() {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int]func([]byte))
	}
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// publish delivers data to every subscriber; with none, the message is dropped.
func (h *hub) publish(data []byte) {
	h.mu.RLock()
	fns := make([]func([]byte), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.RUnlock()

	for _, fn := range fns {
		fn(data)
	}
}

func (h *hub) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
