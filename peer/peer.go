// Package peer implements a symmetric RPC endpoint on top of a message Port.
//
// Two peers, each wired to its own end of a Port, both call Open. Once the
// handshake has confirmed the remote is listening, either side may issue
// unary calls and streaming calls concurrently. Responses are matched by
// request id, never by arrival order.
//
//	            ┌────────── Peer ──────────┐
//	Call ──────→│ requests[id] → request ──┼──→ Port.Send
//	CallStream ─│                          │
//	            │ receive ← decode ←───────┼──── Port.Subscribe
//	            │   ├ response → requests[id].resolve
//	            │   ├ request  → handler → response
//	            │   └ streamClose → local[id].Close
//	            └──────────────────────────┘
//
// State machine: Closed → Opening → Open → Closed. Close rejects every pending
// call and cancels every served stream; it does not notify the remote.
package peer

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/message"
	"peer-rpc/stream"
	"peer-rpc/transport"
)

// DefaultTimeout bounds a unary Call when Options.Timeout is zero.
const DefaultTimeout = 3 * time.Second

// MessageHandler serves unary requests from the remote peer.
type MessageHandler func(ctx context.Context, method string, payload []byte) ([]byte, error)

// StreamHandler serves streaming requests. The returned stream is consumed by the peer
// and forwarded item by item; ctx is cancelled when the stream ends or is cancelled.
type StreamHandler func(ctx context.Context, method string, payload []byte) (*stream.Stream[[]byte], error)

// Options configures a Peer. Port and MessageHandler are required.
type Options struct {
	Port           transport.Port
	Codec          codec.Codec // defaults to JSON
	MessageHandler MessageHandler
	StreamHandler  StreamHandler // nil answers streaming requests with ErrNotSupported
	Timeout        time.Duration // unary call timeout, defaults to DefaultTimeout
	NoHandshake    bool          // both peers must agree on this out of band
	Logger         *zap.Logger
	Name           string // included in logs
}

type state int

const (
	stateClosed state = iota
	stateOpening
	stateOpen
)

func (s state) String() string {
	switch s {
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	default:
		return "closed"
	}
}

// Peer is one endpoint of a paired RPC relationship. All methods are safe for
// concurrent use.
type Peer struct {
	id            string
	port          transport.Port
	codec         codec.Codec
	handler       MessageHandler
	streamHandler StreamHandler
	timeout       time.Duration
	noHandshake   bool
	log           *zap.Logger

	mu          sync.Mutex
	state       state
	requests    *requestRegistry         // outgoing calls awaiting responses
	local       map[uint32]*servedStream // streams this peer is producing for the remote
	opening     *openCall                // in-flight Open, shared by concurrent callers
	unsubscribe func()
	session     context.Context    // cancelled by Close; parent of handler contexts
	endSession  context.CancelFunc // nil before the first Open
}

// servedStream tracks a stream produced for the remote. s is nil until the
// stream handler has returned.
type servedStream struct {
	s      *stream.Stream[[]byte]
	cancel context.CancelFunc
}

// New validates opts and returns a closed peer.
func New(opts Options) (*Peer, error) {
	if opts.Port == nil {
		return nil, errors.New("rpc: Options.Port is required")
	}
	if opts.MessageHandler == nil {
		return nil, errors.New("rpc: Options.MessageHandler is required")
	}
	if opts.Codec == nil {
		opts.Codec = &codec.JSONCodec{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	id := uuid.NewString()
	fields := []zap.Field{zap.String("peer", id)}
	if opts.Name != "" {
		fields = append(fields, zap.String("name", opts.Name))
	}
	return &Peer{
		id:            id,
		port:          opts.Port,
		codec:         opts.Codec,
		handler:       opts.MessageHandler,
		streamHandler: opts.StreamHandler,
		timeout:       opts.Timeout,
		noHandshake:   opts.NoHandshake,
		log:           logger.With(fields...),
		requests:      newRequestRegistry(),
		local:         make(map[uint32]*servedStream),
	}, nil
}

// ID returns the peer's instance id.
func (p *Peer) ID() string { return p.id }

// IsOpen reports whether the peer is in the Open state.
func (p *Peer) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == stateOpen
}

// Pending reports how many outgoing requests await a response.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests.len()
}

// Serving reports how many streams this peer is producing for the remote.
func (p *Peer) Serving() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local)
}

// Open starts listening on the port and waits until the remote peer has
// acknowledged the handshake. It is idempotent: while opening, concurrent
// callers share the same handshake; once open it returns immediately.
//
// If ctx ends first Open returns ctx.Err(), and the handshake keeps going
// until it succeeds or Close is called.
func (p *Peer) Open(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case stateOpen:
		p.mu.Unlock()
		return nil
	case stateOpening:
		oc := p.opening
		p.mu.Unlock()
		return oc.wait(ctx)
	}

	oc := newOpenCall()
	p.opening = oc
	p.state = stateOpening
	p.session, p.endSession = context.WithCancel(context.Background())
	session := p.session
	p.mu.Unlock()

	unsubscribe := p.port.Subscribe(p.receive)

	p.mu.Lock()
	if p.state == stateClosed || p.session != session {
		// Closed while subscribing; Close already failed oc.
		p.mu.Unlock()
		unsubscribe()
		return oc.wait(ctx)
	}
	p.unsubscribe = unsubscribe
	if p.noHandshake {
		p.state = stateOpen
		p.opening = nil
		p.mu.Unlock()
		oc.finish(nil)
		p.log.Debug("peer open", zap.Bool("handshake", false))
		return nil
	}
	p.mu.Unlock()

	go p.handshake(session, oc)
	return oc.wait(ctx)
}

// Close tears the peer down: it stops listening, ends the handshake, rejects
// every pending call with a ClosedError and cancels every served stream.
// The remote is not notified. Close on a closed peer is a no-op.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return nil
	}
	p.state = stateClosed
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	oc := p.opening
	p.opening = nil
	endSession := p.endSession
	pending := p.requests.drain()
	served := make([]*servedStream, 0, len(p.local))
	var streams []*stream.Stream[[]byte]
	for id, ss := range p.local {
		served = append(served, ss)
		if ss.s != nil {
			streams = append(streams, ss.s)
		}
		delete(p.local, id)
	}
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if endSession != nil {
		endSession()
	}
	if oc != nil {
		oc.finish(&ClosedError{})
	}

	trace := string(debug.Stack())
	for _, req := range pending {
		req.reject(&ClosedError{Method: req.method, Trace: trace})
	}
	for _, ss := range served {
		ss.cancel()
	}
	for _, s := range streams {
		s.Close()
	}

	p.log.Debug("peer closed",
		zap.Int("rejected", len(pending)),
		zap.Int("cancelledStreams", len(served)))
	return nil
}

// receive is the single entry point for inbound messages.
func (p *Peer) receive(data []byte) {
	env := &message.Envelope{}
	if err := p.codec.Decode(data, env); err != nil {
		p.log.Error("dropping message", zap.Error(&MalformedError{Reason: "decode", Err: err}))
		return
	}
	kind, err := env.Kind()
	if err != nil {
		p.log.Error("dropping message", zap.Error(&MalformedError{Reason: "envelope", Err: err}))
		return
	}

	switch kind {
	case message.KindOpen:
		if p.noHandshake {
			return
		}
		p.mu.Lock()
		listening := p.state != stateClosed
		p.mu.Unlock()
		if listening {
			p.send(&message.Envelope{OpenAck: true})
		}
	case message.KindOpenAck:
		if p.noHandshake {
			return
		}
		p.acknowledged()
	case message.KindRequest:
		p.handleRequest(env.Request)
	case message.KindResponse:
		p.handleResponse(env.Response)
	case message.KindStreamClose:
		p.handleStreamClose(env.StreamClose.ID)
	}
}

func (p *Peer) handleResponse(resp *message.Response) {
	p.mu.Lock()
	if p.state != stateOpen {
		p.mu.Unlock()
		return
	}
	req := p.requests.get(resp.ID)
	if req == nil {
		p.mu.Unlock()
		p.log.Debug("ignoring response for unknown request", zap.Uint32("id", resp.ID))
		return
	}
	// Remove before resolving so a unary entry can never be delivered twice.
	if !req.isStream || resp.IsTerminal() {
		p.requests.remove(resp.ID)
	}
	p.mu.Unlock()

	req.resolve(resp)
}

func (p *Peer) handleStreamClose(id uint32) {
	p.mu.Lock()
	if p.state != stateOpen {
		p.mu.Unlock()
		return
	}
	ss, ok := p.local[id]
	if ok {
		delete(p.local, id)
	}
	var s *stream.Stream[[]byte]
	if ok {
		s = ss.s
	}
	p.mu.Unlock()

	if !ok {
		return
	}
	ss.cancel()
	if s != nil {
		s.Close()
	}
	p.log.Debug("remote cancelled stream", zap.Uint32("id", id))
}

// send encodes and hands env to the port. Delivery is best effort: failures are
// logged, and timeouts are the safety net for lost requests.
func (p *Peer) send(env *message.Envelope) {
	data, err := p.codec.Encode(env)
	if err != nil {
		p.log.Error("encode failed", zap.Error(err))
		return
	}
	if err := p.port.Send(data); err != nil {
		p.log.Debug("send failed", zap.Error(err))
	}
}

func (p *Peer) respond(resp *message.Response) {
	p.send(&message.Envelope{Response: resp})
}
