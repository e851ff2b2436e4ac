package peer

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"peer-rpc/message"
	"peer-rpc/stream"
)

func (p *Peer) handleRequest(req *message.Request) {
	p.mu.Lock()
	if p.state != stateOpen {
		st := p.state
		p.mu.Unlock()
		p.log.Debug("rejecting request",
			zap.Uint32("id", req.ID),
			zap.String("method", req.Method),
			zap.Stringer("state", st))
		p.respondError(req.ID, encodeError(&ClosedError{Method: req.Method}, ""))
		return
	}
	session := p.session

	if !req.Stream {
		p.mu.Unlock()
		go p.serveUnary(session, req)
		return
	}
	if p.streamHandler == nil {
		p.mu.Unlock()
		p.respondError(req.ID, encodeError(ErrNotSupported, ""))
		return
	}
	if _, busy := p.local[req.ID]; busy {
		p.mu.Unlock()
		p.log.Error("dropping message", zap.Error(&MalformedError{
			Reason: fmt.Sprintf("stream id %d already in use", req.ID),
		}))
		return
	}
	// Registered before the handler runs so a streamClose racing the start is not lost.
	ctx, cancel := context.WithCancel(session)
	entry := &servedStream{cancel: cancel}
	p.local[req.ID] = entry
	p.mu.Unlock()

	go p.serveStream(ctx, req, entry)
}

func (p *Peer) serveUnary(ctx context.Context, req *message.Request) {
	payload, info := p.invoke(ctx, req)
	if ctx.Err() != nil {
		// The peer closed while the handler ran; nobody is listening for this.
		p.log.Debug("discarding response after close", zap.Uint32("id", req.ID), zap.String("method", req.Method))
		return
	}
	if info != nil {
		p.respondError(req.ID, info)
		return
	}
	p.respond(&message.Response{ID: req.ID, Payload: payload})
}

// invoke runs the message handler, turning both errors and panics into wire form.
func (p *Peer) invoke(ctx context.Context, req *message.Request) (payload []byte, info *message.ErrorInfo) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("message handler panicked",
				zap.String("method", req.Method),
				zap.Any("panic", r))
			info = encodePanic(r, string(debug.Stack()))
		}
	}()

	out, err := p.handler(ctx, req.Method, req.Payload)
	if err != nil {
		return nil, encodeError(err, string(debug.Stack()))
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func (p *Peer) openStream(ctx context.Context, req *message.Request) (s *stream.Stream[[]byte], info *message.ErrorInfo) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("stream handler panicked",
				zap.String("method", req.Method),
				zap.Any("panic", r))
			info = encodePanic(r, string(debug.Stack()))
		}
	}()

	s, err := p.streamHandler(ctx, req.Method, req.Payload)
	if err != nil {
		return nil, encodeError(err, string(debug.Stack()))
	}
	if s == nil {
		s = stream.Of[[]byte]()
	}
	return s, nil
}

// serveStream produces the stream for req and forwards its events as responses.
// entry stays in the local table until the stream ends or the remote cancels it.
func (p *Peer) serveStream(ctx context.Context, req *message.Request, entry *servedStream) {
	log := p.log.With(zap.Uint32("id", req.ID), zap.String("method", req.Method))

	s, info := p.openStream(ctx, req)
	if info != nil {
		if p.dropLocal(req.ID, entry) {
			entry.cancel()
			p.respondError(req.ID, info)
		}
		return
	}

	p.mu.Lock()
	current := p.local[req.ID] == entry
	if current {
		entry.s = s
	}
	p.mu.Unlock()
	if !current {
		// Cancelled by the remote or by Close before the handler returned.
		s.Close()
		return
	}

	err := s.Subscribe(stream.Observer[[]byte]{
		OnReady: func() {
			p.respond(&message.Response{ID: req.ID, StreamReady: true})
		},
		OnNext: func(item []byte) {
			if item == nil {
				item = []byte{}
			}
			p.respond(&message.Response{ID: req.ID, Payload: item})
		},
		OnClose: func(err error) {
			if !p.dropLocal(req.ID, entry) {
				return
			}
			entry.cancel()
			if err != nil {
				log.Debug("stream failed", zap.Error(err))
				p.respondError(req.ID, encodeError(err, ""))
				return
			}
			p.respond(&message.Response{ID: req.ID, Close: true})
		},
	})
	if err != nil {
		if p.dropLocal(req.ID, entry) {
			entry.cancel()
			p.respondError(req.ID, encodeError(err, string(debug.Stack())))
		}
		return
	}
	log.Debug("serving stream")
}

// dropLocal removes entry if it still owns id, reporting whether it did.
func (p *Peer) dropLocal(id uint32, entry *servedStream) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.local[id] != entry {
		return false
	}
	delete(p.local, id)
	return true
}

func (p *Peer) respondError(id uint32, info *message.ErrorInfo) {
	p.respond(&message.Response{ID: id, Error: info})
}
