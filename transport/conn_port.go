package transport

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/protocol"
)

// ConnOptions configures a ConnPort.
type ConnOptions struct {
	CodecType codec.CodecType // Stamped on every frame; frames with another codec are dropped
	Heartbeat time.Duration   // Keepalive interval; 0 disables heartbeats and read deadlines
	Logger    *zap.Logger
}

// ConnPort adapts a net.Conn to a Port.
//
//	Send ──frame──→ conn (writes serialized by the sending mutex)
//	recvLoop ←──frame── conn → subscribers
//
// With a heartbeat interval set, an idle connection emits empty heartbeat frames and
// the reader gives up after three silent intervals, which detects half-open TCP.
type ConnPort struct {
	conn      net.Conn
	codecType codec.CodecType
	heartbeat time.Duration
	log       *zap.Logger

	hub     hub
	sending sync.Mutex // whole frames only, header + body interleaving corrupts the stream

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewConnPort wraps conn and starts the receive and heartbeat goroutines.
func NewConnPort(conn net.Conn, opts ConnOptions) *ConnPort {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &ConnPort{
		conn:      conn,
		codecType: opts.CodecType,
		heartbeat: opts.Heartbeat,
		log:       logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done:      make(chan struct{}),
	}
	go p.recvLoop()
	if p.heartbeat > 0 {
		go p.heartbeatLoop()
	}
	return p
}

// Send writes data as one data frame.
func (p *ConnPort) Send(data []byte) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}

	header := &protocol.Header{
		CodecType: byte(p.codecType),
		FrameType: protocol.FrameTypeData,
		BodyLen:   uint32(len(data)),
	}
	p.sending.Lock()
	err := protocol.Encode(p.conn, header, data)
	p.sending.Unlock()
	if err != nil {
		p.closeWithError(err)
	}
	return err
}

func (p *ConnPort) Subscribe(fn func(data []byte)) func() {
	return p.hub.subscribe(fn)
}

// Done is closed once the connection is gone.
func (p *ConnPort) Done() <-chan struct{} { return p.done }

// Err reports why the port closed; nil after a local Close.
func (p *ConnPort) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Conn returns the underlying connection.
func (p *ConnPort) Conn() net.Conn { return p.conn }

// Close closes the connection.
func (p *ConnPort) Close() error {
	p.closeWithError(nil)
	return nil
}

func (p *ConnPort) closeWithError(err error) {
	p.closeOnce.Do(func() {
		p.errMu.Lock()
		p.err = err
		p.errMu.Unlock()
		p.conn.Close()
		close(p.done)
		if err != nil {
			p.log.Debug("connection closed", zap.Error(err))
		}
	})
}

// recvLoop is the only reader of the connection: frame boundaries can only be parsed
// sequentially.
func (p *ConnPort) recvLoop() {
	for {
		if p.heartbeat > 0 {
			p.conn.SetReadDeadline(time.Now().Add(3 * p.heartbeat))
		}
		header, body, err := protocol.Decode(p.conn)
		if err != nil {
			p.closeWithError(err) // no-op after a local Close
			return
		}

		if header.FrameType == protocol.FrameTypeHeartbeat {
			continue
		}
		if codec.CodecType(header.CodecType) != p.codecType {
			p.log.Warn("dropping frame with foreign codec",
				zap.Stringer("got", codec.CodecType(header.CodecType)),
				zap.Stringer("want", p.codecType))
			continue
		}
		p.hub.publish(body)
	}
}

func (p *ConnPort) heartbeatLoop() {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()
	header := &protocol.Header{
		CodecType: byte(p.codecType),
		FrameType: protocol.FrameTypeHeartbeat,
	}
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}
		p.sending.Lock()
		err := protocol.Encode(p.conn, header, nil)
		p.sending.Unlock()
		if err != nil {
			p.closeWithError(err)
			return
		}
	}
}
