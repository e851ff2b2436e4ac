package peer

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"peer-rpc/message"
	"peer-rpc/stream"
)

type callResult struct {
	payload []byte
	err     error
}

// Call sends a unary request and waits for its response, the peer timeout or ctx,
// whichever comes first. The peer must be open.
func (p *Peer) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	if method == "" {
		return nil, ErrInvalidMethod
	}
	site := callers()
	results := make(chan callResult, 1)
	req := &pendingRequest{
		method: method,
		resolve: func(resp *message.Response) {
			results <- unaryResult(resp, method, site)
		},
		reject: func(err error) {
			results <- callResult{err: err}
		},
	}

	p.mu.Lock()
	if p.state != stateOpen {
		p.mu.Unlock()
		return nil, &NotOpenError{Method: method}
	}
	id := p.requests.add(req)
	p.mu.Unlock()

	p.send(&message.Envelope{Request: &message.Request{ID: id, Method: method, Payload: payload}})

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case r := <-results:
		return r.payload, r.err
	case <-timer.C:
		if p.forget(id, req) {
			p.log.Debug("call timed out", zap.Uint32("id", id), zap.String("method", method))
			return nil, &TimeoutError{Method: method, After: p.timeout}
		}
	case <-ctx.Done():
		if p.forget(id, req) {
			return nil, ctx.Err()
		}
	}
	// Lost the race: whoever removed the entry is delivering right now.
	r := <-results
	return r.payload, r.err
}

// forget removes id if it still belongs to req.
func (p *Peer) forget(id uint32, req *pendingRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.requests.get(id) != req {
		return false
	}
	return p.requests.remove(id)
}

func unaryResult(resp *message.Response, method string, site callSite) callResult {
	switch {
	case resp.Error != nil:
		return callResult{err: decodeError(resp.Error, method, site.String())}
	case resp.Payload != nil && !resp.StreamReady && !resp.Close:
		return callResult{payload: resp.Payload}
	default:
		return callResult{err: &MalformedError{Reason: fmt.Sprintf("unexpected response shape for unary call %q", method)}}
	}
}

// CallStream returns a cold stream of the items the remote handler produces for
// method. Nothing is sent until the stream is consumed; a consumer that closes
// the stream early makes the peer send streamClose so the remote stops producing.
func (p *Peer) CallStream(method string, payload []byte) *stream.Stream[[]byte] {
	if method == "" {
		return stream.Fail[[]byte](ErrInvalidMethod)
	}
	site := callers()

	return stream.New(func(e *stream.Emitter[[]byte]) func() {
		req := &pendingRequest{
			method:   method,
			isStream: true,
			resolve: func(resp *message.Response) {
				deliver(e, resp, method, site)
			},
			reject: func(err error) {
				e.Close(err)
			},
		}

		p.mu.Lock()
		if p.state != stateOpen {
			p.mu.Unlock()
			e.Close(&NotOpenError{Method: method})
			return nil
		}
		id := p.requests.add(req)
		p.mu.Unlock()

		p.send(&message.Envelope{Request: &message.Request{ID: id, Method: method, Payload: payload, Stream: true}})

		return func() {
			// Terminal responses and Close have already removed the entry.
			p.mu.Lock()
			cancelled := p.state == stateOpen && p.requests.get(id) == req
			if cancelled {
				p.requests.remove(id)
			}
			p.mu.Unlock()
			if cancelled {
				p.log.Debug("cancelling stream", zap.Uint32("id", id), zap.String("method", method))
				p.send(&message.Envelope{StreamClose: &message.StreamClose{ID: id}})
			}
		}
	})
}

// deliver maps one stream response onto the consumer's stream.
func deliver(e *stream.Emitter[[]byte], resp *message.Response, method string, site callSite) {
	switch {
	case resp.Error != nil:
		e.Close(decodeError(resp.Error, method, site.String()))
	case resp.Close:
		e.Close(nil)
	case resp.StreamReady:
		e.Ready()
	case resp.Payload != nil:
		e.Next(resp.Payload)
	default:
		e.Close(&MalformedError{Reason: fmt.Sprintf("unexpected response shape for stream %q", method)})
	}
}

// callSite is the caller's stack, captured cheaply at call time and rendered only
// when a remote error needs it.
type callSite []uintptr

func callers() callSite {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return callSite(pcs[:n])
}

func (c callSite) String() string {
	if len(c) == 0 {
		return ""
	}
	var b strings.Builder
	frames := runtime.CallersFrames(c)
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
