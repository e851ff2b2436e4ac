package peer

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"peer-rpc/message"
)

// Resend schedule for the open announcement.
const (
	handshakeInitialInterval = 50 * time.Millisecond
	handshakeMaxInterval     = time.Second
	handshakeMultiplier      = 2
)

// openCall is the single-flight result of one Open.
type openCall struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newOpenCall() *openCall {
	return &openCall{done: make(chan struct{})}
}

func (oc *openCall) finish(err error) {
	oc.once.Do(func() {
		oc.err = err
		close(oc.done)
	})
}

func (oc *openCall) wait(ctx context.Context) error {
	select {
	case <-oc.done:
		return oc.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handshake announces this peer until the remote acknowledges it or the session ends.
// Only an openAck completes the handshake: answering the remote's open proves
// nothing about whether our own messages reach it.
func (p *Peer) handshake(session context.Context, oc *openCall) {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     handshakeInitialInterval,
		RandomizationFactor: 0,
		Multiplier:          handshakeMultiplier,
		MaxInterval:         handshakeMaxInterval,
	}
	b.Reset()

	timer := time.NewTimer(0)
	defer timer.Stop()
	attempts := 0
	for {
		select {
		case <-oc.done:
			p.log.Debug("peer open", zap.Int("announcements", attempts))
			return
		case <-session.Done():
			return
		case <-timer.C:
		}

		attempts++
		p.send(&message.Envelope{Open: true})

		next := b.NextBackOff()
		if next == backoff.Stop {
			next = handshakeMaxInterval
		}
		timer.Reset(next)
	}
}

// acknowledged completes the in-flight Open. The transition happens on the
// receive path so that a request sent right after the remote's openAck already
// finds this peer open.
func (p *Peer) acknowledged() {
	p.mu.Lock()
	oc := p.opening
	if oc == nil || p.state != stateOpening {
		p.mu.Unlock()
		return
	}
	p.state = stateOpen
	p.opening = nil
	p.mu.Unlock()

	// The remote may have missed the ack to its own open.
	p.send(&message.Envelope{OpenAck: true})
	oc.finish(nil)
}
