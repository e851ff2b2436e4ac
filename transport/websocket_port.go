package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteWait = 10 * time.Second

// WebSocketPort carries one envelope per binary websocket message.
// Websocket already frames messages, so no protocol header is added.
type WebSocketPort struct {
	conn *websocket.Conn
	log  *zap.Logger
	hub  hub

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocketPort wraps an established connection and starts reading.
// A positive ping interval keeps intermediaries from timing the connection out.
func NewWebSocketPort(conn *websocket.Conn, ping time.Duration, logger *zap.Logger) *WebSocketPort {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &WebSocketPort{
		conn: conn,
		log:  logger.With(zap.String("remote", conn.RemoteAddr().String())),
		done: make(chan struct{}),
	}
	go p.readLoop()
	if ping > 0 {
		go p.pingLoop(ping)
	}
	return p
}

// DialWebSocket connects to a websocket endpoint such as ws://host/rpc.
func DialWebSocket(ctx context.Context, url string, ping time.Duration, logger *zap.Logger) (*WebSocketPort, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebSocketPort(conn, ping, logger), nil
}

// WebSocketUpgrader upgrades incoming HTTP requests to ports.
type WebSocketUpgrader struct {
	Upgrader websocket.Upgrader
	Ping     time.Duration
	Logger   *zap.Logger
}

// Upgrade performs the websocket handshake on r. On failure the HTTP error has
// already been written by gorilla.
func (u *WebSocketUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*WebSocketPort, error) {
	conn, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketPort(conn, u.Ping, u.Logger), nil
}

func (p *WebSocketPort) Send(data []byte) error {
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		p.close()
		return err
	}
	return nil
}

func (p *WebSocketPort) Subscribe(fn func(data []byte)) func() {
	return p.hub.subscribe(fn)
}

// Done is closed once the connection is gone.
func (p *WebSocketPort) Done() <-chan struct{} { return p.done }

// Close sends a close frame (best effort) and closes the connection.
func (p *WebSocketPort) Close() error {
	p.writeMu.Lock()
	p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()
	p.close()
	return nil
}

func (p *WebSocketPort) close() {
	p.closeOnce.Do(func() {
		p.conn.Close()
		close(p.done)
	})
}

func (p *WebSocketPort) readLoop() {
	defer p.close()
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-p.done:
				default:
					p.log.Debug("websocket read failed", zap.Error(err))
				}
			}
			return
		}
		if kind != websocket.BinaryMessage {
			p.log.Warn("dropping non-binary websocket message", zap.Int("type", kind))
			continue
		}
		p.hub.publish(data)
	}
}

func (p *WebSocketPort) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				p.close()
				return
			}
		}
	}
}
