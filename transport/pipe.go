package transport

import (
	"sync"
	"sync/atomic"
)

const pipeInboxSize = 256

// PipePort is one end of an in-memory port pair.
//
// Delivery is asynchronous and FIFO through a per-end goroutine. Messages that arrive
// while nobody is subscribed are dropped, as with a real channel whose far side is not
// listening yet. SetDrop turns the outbound direction into a black hole, which tests use
// to simulate a late or half-open remote.
type PipePort struct {
	remote *PipePort
	hub    hub

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	drop atomic.Bool
	sent atomic.Int64
}

// Pipe returns two linked ports: what one sends, the other receives.
func Pipe() (*PipePort, *PipePort) {
	a, b := newPipePort(), newPipePort()
	a.remote, b.remote = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func newPipePort() *PipePort {
	return &PipePort{
		inbox:  make(chan []byte, pipeInboxSize),
		closed: make(chan struct{}),
	}
}

// Send queues a copy of data for the remote end.
func (p *PipePort) Send(data []byte) error {
	select {
	case <-p.closed:
		return ErrPortClosed
	default:
	}
	p.sent.Add(1)
	if p.drop.Load() {
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case p.remote.inbox <- buf:
		return nil
	case <-p.remote.closed:
		// Far end is gone: the message is lost, like a write into a dead socket buffer.
		return nil
	case <-p.closed:
		return ErrPortClosed
	}
}

func (p *PipePort) Subscribe(fn func(data []byte)) func() {
	return p.hub.subscribe(fn)
}

// SetDrop makes Send silently discard outbound messages while on is true.
func (p *PipePort) SetDrop(on bool) {
	p.drop.Store(on)
}

// Sent reports how many messages Send accepted, dropped ones included.
func (p *PipePort) Sent() int64 {
	return p.sent.Load()
}

// Subscribers reports the number of active subscriptions.
func (p *PipePort) Subscribers() int {
	return p.hub.len()
}

// Close stops delivery on this end. Pending inbound messages are discarded.
func (p *PipePort) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}

func (p *PipePort) deliverLoop() {
	for {
		select {
		case data := <-p.inbox:
			p.hub.publish(data)
		case <-p.closed:
			return
		}
	}
}
