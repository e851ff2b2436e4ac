// Package client calls services hosted by server over pooled RPC peers.
//
//	Call("Arith.Add") → registry (cached, kept fresh by Watch) → Balancer.Pick
//	  → pool[addr] (up to PoolSize open peers, shared by concurrent calls)
//	  → middleware chain → Peer.Call
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"peer-rpc/codec"
	"peer-rpc/loadbalance"
	"peer-rpc/middleware"
	"peer-rpc/peer"
	"peer-rpc/registry"
	"peer-rpc/stream"
	"peer-rpc/transport"
)

var (
	ErrClientClosed = errors.New("rpc: client closed")
	errNoHandler    = errors.New("rpc: client serves no methods")
)

type Options struct {
	Registry  registry.Registry
	Balancer  loadbalance.Balancer // defaults to round robin
	CodecType codec.CodecType      // used for instances that do not advertise a codec
	PoolSize  int                  // open peers per address, defaults to 1
	Timeout   time.Duration        // per call, see peer.Options.Timeout
	Heartbeat time.Duration
	// NoHandshake must match the server's setting.
	NoHandshake bool
	DialTimeout time.Duration
	// Handler and StreamHandler serve calls the server makes back to this client.
	Handler       peer.MessageHandler
	StreamHandler peer.StreamHandler
	// Middlewares wrap every outgoing unary call, first one outermost.
	Middlewares []middleware.Middleware
	Logger      *zap.Logger
}

type Client struct {
	opts Options
	log  *zap.Logger
	call middleware.HandlerFunc

	ctx    context.Context // ends watches on Close
	cancel context.CancelFunc

	mu        sync.Mutex
	closed    bool
	pools     map[string]*pool
	instances map[string][]registry.ServiceInstance // per service, refreshed by Watch
}

// pool holds the open peers to one address.
type pool struct {
	mu    sync.Mutex
	conns []*conn
	next  atomic.Uint64
}

type conn struct {
	peer *peer.Peer
	port *transport.ConnPort
}

func (c *conn) alive() bool {
	select {
	case <-c.port.Done():
		return false
	default:
		return c.peer.IsOpen()
	}
}

func (c *conn) close() {
	c.peer.Close()
	c.port.Close()
}

func NewClient(opts Options) (*Client, error) {
	if opts.Registry == nil {
		return nil, errors.New("rpc: Options.Registry is required")
	}
	if opts.Balancer == nil {
		opts.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Handler == nil {
		opts.Handler = func(context.Context, string, []byte) ([]byte, error) { return nil, errNoHandler }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:      opts,
		log:       opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		pools:     make(map[string]*pool),
		instances: make(map[string][]registry.ServiceInstance),
	}
	c.call = middleware.Chain(opts.Middlewares...)(c.invoke)
	return c, nil
}

// Call invokes serviceMethod ("Service.Method") with args encoded as JSON and
// decodes the result into reply. reply may be nil.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rpc: encode args: %w", err)
	}
	out, err := c.call(ctx, serviceMethod, payload)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return json.Unmarshal(out, reply)
}

// Stream opens a streaming call. The stream is cold: nothing is requested until
// it is consumed.
func (c *Client) Stream(ctx context.Context, serviceMethod string, args any) (*stream.Stream[[]byte], error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode args: %w", err)
	}
	cn, err := c.pick(ctx, serviceMethod)
	if err != nil {
		return nil, err
	}
	return cn.peer.CallStream(serviceMethod, payload), nil
}

// invoke is the innermost handler of the outgoing chain.
func (c *Client) invoke(ctx context.Context, serviceMethod string, payload []byte) ([]byte, error) {
	cn, err := c.pick(ctx, serviceMethod)
	if err != nil {
		return nil, err
	}
	out, err := cn.peer.Call(ctx, serviceMethod, payload)
	if errors.Is(err, peer.ErrClosed) || errors.Is(err, peer.ErrNotOpen) {
		cn.close()
	}
	return out, err
}

func (c *Client) pick(ctx context.Context, serviceMethod string) (*conn, error) {
	dot := strings.LastIndex(serviceMethod, ".")
	if dot <= 0 {
		return nil, fmt.Errorf("rpc: invalid serviceMethod format: %q", serviceMethod)
	}
	instances, err := c.discover(ctx, serviceMethod[:dot])
	if err != nil {
		return nil, err
	}
	instance, err := c.opts.Balancer.Pick(serviceMethod, instances)
	if err != nil {
		return nil, fmt.Errorf("rpc: %s: %w", serviceMethod, err)
	}
	return c.getConn(ctx, *instance)
}

// discover returns the cached instances of serviceName, loading them and starting
// a watch on first use.
func (c *Client) discover(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	instances, ok := c.instances[serviceName]
	c.mu.Unlock()
	if ok {
		return instances, nil
	}

	instances, err := c.opts.Registry.Discover(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if _, raced := c.instances[serviceName]; !raced && !c.closed {
		c.instances[serviceName] = instances
		go c.watch(serviceName, c.opts.Registry.Watch(c.ctx, serviceName))
	}
	c.mu.Unlock()
	return instances, nil
}

func (c *Client) watch(serviceName string, updates <-chan []registry.ServiceInstance) {
	for instances := range updates {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.instances[serviceName] = instances
		stale := c.staleLocked()
		c.mu.Unlock()
		c.log.Debug("instances changed", zap.String("service", serviceName), zap.Int("count", len(instances)))
		for addr, p := range stale {
			c.log.Debug("dropping pool", zap.String("addr", addr))
			p.close()
		}
	}
}

// staleLocked removes and returns the pools no known instance points at.
func (c *Client) staleLocked() map[string]*pool {
	live := make(map[string]bool)
	for _, instances := range c.instances {
		for _, in := range instances {
			live[in.Addr] = true
		}
	}
	stale := make(map[string]*pool)
	for addr, p := range c.pools {
		if !live[addr] {
			stale[addr] = p
			delete(c.pools, addr)
		}
	}
	return stale
}

func (c *Client) getConn(ctx context.Context, instance registry.ServiceInstance) (*conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	p, ok := c.pools[instance.Addr]
	if !ok {
		p = &pool{}
		c.pools[instance.Addr] = p
	}
	c.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	live := p.conns[:0]
	for _, cn := range p.conns {
		if cn.alive() {
			live = append(live, cn)
		} else {
			cn.close()
		}
	}
	p.conns = live
	if len(p.conns) < c.opts.PoolSize {
		cn, err := c.dial(ctx, instance)
		if err != nil {
			if len(p.conns) == 0 {
				return nil, err
			}
			c.log.Warn("dial failed, reusing pooled peer", zap.String("addr", instance.Addr), zap.Error(err))
		} else {
			p.conns = append(p.conns, cn)
			return cn, nil
		}
	}
	return p.conns[p.next.Add(1)%uint64(len(p.conns))], nil
}

func (c *Client) dial(ctx context.Context, instance registry.ServiceInstance) (*conn, error) {
	codecType := c.opts.CodecType
	if instance.Codec != "" {
		ct, err := codec.ParseCodecType(instance.Codec, false)
		if err != nil {
			return nil, fmt.Errorf("rpc: instance %s: %w", instance.Addr, err)
		}
		codecType = ct
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", instance.Addr)
	if err != nil {
		return nil, err
	}
	port := transport.NewConnPort(nc, transport.ConnOptions{
		CodecType: codecType,
		Heartbeat: c.opts.Heartbeat,
		Logger:    c.log,
	})
	p, err := peer.New(peer.Options{
		Port:           port,
		Codec:          codec.GetCodec(codecType),
		MessageHandler: c.opts.Handler,
		StreamHandler:  c.opts.StreamHandler,
		Timeout:        c.opts.Timeout,
		NoHandshake:    c.opts.NoHandshake,
		Logger:         c.log,
		Name:           instance.Addr,
	})
	if err != nil {
		port.Close()
		return nil, err
	}
	cn := &conn{peer: p, port: port}
	if err := p.Open(ctx); err != nil {
		cn.close()
		return nil, fmt.Errorf("rpc: open %s: %w", instance.Addr, err)
	}
	go func() {
		<-port.Done()
		p.Close()
	}()
	c.log.Debug("connected", zap.String("addr", instance.Addr), zap.String("peer", p.ID()))
	return cn, nil
}

// Close closes every pooled peer and stops watching the registry.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pools := c.pools
	c.pools = nil
	c.mu.Unlock()

	c.cancel()
	for _, p := range pools {
		p.close()
	}
	return nil
}

func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cn := range p.conns {
		cn.close()
	}
	p.conns = nil
}
