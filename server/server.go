// Package server hosts registered services on top of RPC peers.
//
// Every accepted connection becomes a Port with its own Peer:
//
//	Accept conn → ConnPort → peer.New → Open (handshake)
//	  → inbound request → Middleware Chain → businessHandler (reflect.Call)
//	  → inbound stream request → stream table
//
// The peer is symmetric, so the server side can call the client back as well
// (see Options.OnConnect).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/middleware"
	"peer-rpc/peer"
	"peer-rpc/registry"
	"peer-rpc/stream"
	"peer-rpc/transport"
)

var ErrShuttingDown = errors.New("rpc: server shutting down")

// StreamFunc produces the items of one streaming method.
type StreamFunc func(ctx context.Context, payload []byte) (*stream.Stream[[]byte], error)

// Options configures a Server. The zero value serves JSON without heartbeats.
type Options struct {
	CodecType   codec.CodecType
	Timeout     time.Duration // timeout of calls the server makes to its clients
	Heartbeat   time.Duration
	NoHandshake bool
	TTL         int64                    // registry lease, seconds
	Instance    registry.ServiceInstance // Weight and Version advertised; Addr is filled in
	Logger      *zap.Logger
	// OnConnect is called with each peer once it is open.
	OnConnect func(p *peer.Peer)
}

// Server is the RPC server that registers services and handles incoming peers.
type Server struct {
	opts Options
	log  *zap.Logger

	mu          sync.RWMutex
	serviceMap  map[string]*service      // Registered services: "Arith" → *service
	streams     map[string]StreamFunc    // "Service.Method" → producer
	peers       map[*peer.Peer]io.Closer // peer → its port
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))

	listener      net.Listener
	httpServer    *http.Server
	wg            sync.WaitGroup // in-flight unary requests
	shutdown      atomic.Bool
	registry      registry.Registry
	advertiseAddr string // routable address put in the registry, unlike ":8080"
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TTL <= 0 {
		opts.TTL = 10
	}
	return &Server{
		opts:       opts,
		log:        opts.Logger,
		serviceMap: make(map[string]*service),
		streams:    make(map[string]StreamFunc),
		peers:      make(map[*peer.Peer]io.Closer),
	}
}

// Register registers a service receiver (e.g., &Arith{}) with the server.
func (svr *Server) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, dup := svr.serviceMap[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// HandleStream registers fn for streaming calls to serviceMethod ("Service.Method").
func (svr *Server) HandleStream(serviceMethod string, fn StreamFunc) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.streams[serviceMethod] = fn
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown.
//
// advertiseAddr is what gets registered, e.g. "127.0.0.1:8080" for a listen
// address of ":8080". Pass a nil reg to skip service discovery.
func (svr *Server) Serve(network, address string, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.mu.Lock()
	svr.listener = listener
	// Build the middleware chain once at startup (not per-request)
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	svr.advertiseAddr = advertiseAddr
	svr.registry = reg
	names := svr.serviceNames()
	svr.mu.Unlock()

	if reg != nil {
		instance := svr.opts.Instance
		instance.Addr = advertiseAddr
		instance.Codec = svr.opts.CodecType.String()
		for _, name := range names {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := reg.Register(ctx, name, instance, svr.opts.TTL)
			cancel()
			if err != nil {
				listener.Close()
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}
	svr.log.Info("serving", zap.Stringer("addr", listener.Addr()), zap.Strings("services", names))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.ServeConn(conn)
	}
}

// Addr returns the listener address once serving.
func (svr *Server) Addr() net.Addr {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// ServeConn runs one peer over conn and returns when the connection is gone.
func (svr *Server) ServeConn(conn net.Conn) {
	port := transport.NewConnPort(conn, transport.ConnOptions{
		CodecType: svr.opts.CodecType,
		Heartbeat: svr.opts.Heartbeat,
		Logger:    svr.log,
	})
	svr.servePort(port, port.Done(), port, conn.RemoteAddr().String())
}

// WebSocketHandler serves peers over websocket upgrades of HTTP requests.
func (svr *Server) WebSocketHandler() http.Handler {
	upgrader := &transport.WebSocketUpgrader{Ping: svr.opts.Heartbeat, Logger: svr.log}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		port, err := upgrader.Upgrade(w, r)
		if err != nil {
			svr.log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		go svr.servePort(port, port.Done(), port, r.RemoteAddr)
	})
}

// ServeWebSocket serves WebSocketHandler at path on address until Shutdown.
func (svr *Server) ServeWebSocket(address, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, svr.WebSocketHandler())
	hs := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	svr.mu.Lock()
	svr.httpServer = hs
	svr.mu.Unlock()

	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// servePort runs a peer on port until done is closed, then closes the port.
func (svr *Server) servePort(port transport.Port, done <-chan struct{}, closer io.Closer, remote string) {
	defer closer.Close()
	if svr.shutdown.Load() {
		return
	}
	log := svr.log.With(zap.String("remote", remote))
	p, err := peer.New(peer.Options{
		Port:           port,
		Codec:          codec.GetCodec(svr.opts.CodecType),
		MessageHandler: svr.handleMessage,
		StreamHandler:  svr.handleStream,
		Timeout:        svr.opts.Timeout,
		NoHandshake:    svr.opts.NoHandshake,
		Logger:         log,
		Name:           remote,
	})
	if err != nil {
		log.Error("create peer", zap.Error(err))
		return
	}

	svr.mu.Lock()
	svr.peers[p] = closer
	svr.mu.Unlock()
	defer func() {
		p.Close()
		svr.mu.Lock()
		delete(svr.peers, p)
		svr.mu.Unlock()
	}()

	// Open gives up when the connection dies before the handshake completes.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-done
		cancel()
	}()
	if err := p.Open(ctx); err != nil {
		log.Debug("handshake failed", zap.Error(err))
		cancel()
		return
	}
	log.Debug("peer connected", zap.String("peer", p.ID()))
	if svr.opts.OnConnect != nil {
		svr.opts.OnConnect(p)
	}

	<-done
	cancel()
	log.Debug("peer disconnected", zap.String("peer", p.ID()))
}

// Peers returns the currently connected peers.
func (svr *Server) Peers() []*peer.Peer {
	svr.mu.RLock()
	defer svr.mu.RUnlock()
	out := make([]*peer.Peer, 0, len(svr.peers))
	for p := range svr.peers {
		out = append(out, p)
	}
	return out
}

func (svr *Server) handleMessage(ctx context.Context, method string, payload []byte) ([]byte, error) {
	// Shutdown flips the flag under the write lock, so no Add races its Wait.
	svr.mu.RLock()
	if svr.shutdown.Load() {
		svr.mu.RUnlock()
		return nil, ErrShuttingDown
	}
	svr.wg.Add(1)
	svr.mu.RUnlock()
	defer svr.wg.Done()

	return svr.chain()(ctx, method, payload)
}

// chain returns the middleware chain, building it on first use for peers served
// without ServeListener.
func (svr *Server) chain() middleware.HandlerFunc {
	svr.mu.RLock()
	handler := svr.handler
	svr.mu.RUnlock()
	if handler != nil {
		return handler
	}
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.handler == nil {
		svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)
	}
	return svr.handler
}

func (svr *Server) handleStream(ctx context.Context, method string, payload []byte) (*stream.Stream[[]byte], error) {
	if svr.shutdown.Load() {
		return nil, ErrShuttingDown
	}
	svr.mu.RLock()
	fn := svr.streams[method]
	svr.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("rpc: can't find stream %q", method)
	}
	return fn(ctx, payload)
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop routing to this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listeners (stop accepting new connections)
//  4. Wait for in-flight requests to finish (with timeout)
//  5. Close every peer, which cancels the streams they serve
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.mu.RLock()
	reg, addr, names := svr.registry, svr.advertiseAddr, svr.serviceNames()
	listener, hs := svr.listener, svr.httpServer
	svr.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if reg != nil {
		for _, name := range names {
			if err := reg.Deregister(ctx, name, addr); err != nil {
				svr.log.Warn("deregister", zap.String("service", name), zap.Error(err))
			}
		}
	}

	// Set the flag BEFORE closing the listener, otherwise Serve may see the
	// Accept error first and report it.
	svr.mu.Lock()
	svr.shutdown.Store(true)
	svr.mu.Unlock()
	if listener != nil {
		listener.Close()
	}
	if hs != nil {
		hs.Close()
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timeout waiting for ongoing requests to finish")
	}

	svr.mu.RLock()
	live := make(map[*peer.Peer]io.Closer, len(svr.peers))
	for p, port := range svr.peers {
		live[p] = port
	}
	svr.mu.RUnlock()
	for p, port := range live {
		p.Close()
		port.Close()
	}
	return err
}

// businessHandler dispatches "Service.Method" to the registered receiver.
//
// Flow: parse "Service.Method" → find service → find method → reflect.New(args) →
// json.Unmarshal(payload, args) → reflect.Call → json.Marshal(reply)
func (svr *Server) businessHandler(ctx context.Context, serviceMethod string, payload []byte) ([]byte, error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot <= 0 || dot == len(serviceMethod)-1 {
		return nil, fmt.Errorf("rpc: invalid service method format %q", serviceMethod)
	}
	serviceName, methodName := serviceMethod[:dot], serviceMethod[dot+1:]

	svr.mu.RLock()
	svc := svr.serviceMap[serviceName]
	svr.mu.RUnlock()
	if svc == nil {
		return nil, fmt.Errorf("rpc: can't find service %q", serviceName)
	}
	method := svc.method[methodName]
	if method == nil {
		return nil, fmt.Errorf("rpc: can't find method %q", serviceMethod)
	}

	argv := reflect.New(method.ArgType)     // e.g., reflect.New(Args) → *Args
	replyv := reflect.New(method.ReplyType) // e.g., reflect.New(Reply) → *Reply
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, argv.Interface()); err != nil {
			return nil, fmt.Errorf("rpc: decode %s args: %w", serviceMethod, err)
		}
	}

	if err := svc.Call(ctx, method, argv, replyv); err != nil {
		return nil, err
	}
	return json.Marshal(replyv.Interface())
}

// serviceNames is called with mu held.
func (svr *Server) serviceNames() []string {
	names := make([]string, 0, len(svr.serviceMap))
	for name := range svr.serviceMap {
		names = append(names, name)
	}
	for serviceMethod := range svr.streams {
		if dot := strings.LastIndex(serviceMethod, "."); dot > 0 {
			if name := serviceMethod[:dot]; svr.serviceMap[name] == nil && !slices.Contains(names, name) {
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}
