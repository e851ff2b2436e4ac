package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peer-rpc/codec"
	"peer-rpc/loadbalance"
	"peer-rpc/middleware"
	"peer-rpc/peer"
	"peer-rpc/registry"
	"peer-rpc/server"
	"peer-rpc/stream"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Divide(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// Node reports which server answered.
type Node struct {
	id int
}

func (n *Node) Whoami(_ *Args, reply *Reply) error {
	reply.Result = n.id
	return nil
}

func count(_ context.Context, payload []byte) (*stream.Stream[[]byte], error) {
	var args Args
	if err := json.Unmarshal(payload, &args); err != nil {
		return nil, err
	}
	items := make([][]byte, 0, args.B-args.A)
	for i := args.A; i < args.B; i++ {
		b, _ := json.Marshal(i)
		items = append(items, b)
	}
	return stream.Of(items...), nil
}

type testServer struct {
	svr  *server.Server
	addr string
	done chan error
	once sync.Once
}

func (ts *testServer) stop(t testing.TB) {
	ts.once.Do(func() {
		ts.svr.Shutdown(time.Second)
		assert.NoError(t, <-ts.done)
	})
}

func startServer(t testing.TB, reg registry.Registry, id int, opts server.Options) *testServer {
	t.Helper()
	svr := server.NewServer(opts)
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.Register(&Node{id: id}))
	svr.HandleStream("Arith.Range", count)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ts := &testServer{svr: svr, addr: ln.Addr().String(), done: make(chan error, 1)}
	go func() { ts.done <- svr.ServeListener(ln, "", reg) }()
	require.Eventually(t, func() bool {
		got, _ := reg.Discover(context.Background(), "Node")
		for _, in := range got {
			if in.Addr == ts.addr {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	t.Cleanup(func() { ts.stop(t) })
	return ts
}

func newClient(t testing.TB, opts Options) *Client {
	t.Helper()
	c, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNewClientRequiresRegistry(t *testing.T) {
	_, err := NewClient(Options{})
	assert.Error(t, err)
}

func TestClientCall(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1, server.Options{})
	c := newClient(t, Options{Registry: reg})

	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 2}, &reply))
	assert.Equal(t, 3, reply.Result)

	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 10, B: 20}, &reply))
	assert.Equal(t, 30, reply.Result)

	// A nil reply discards the result.
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{}, nil))
}

func TestClientUsesAdvertisedCodec(t *testing.T) {
	for _, ct := range []codec.CodecType{
		codec.CodecTypeBinary,
		codec.CodecTypeBinary | codec.CodecFlagSnappy,
		codec.CodecTypeJSON | codec.CodecFlagSnappy,
	} {
		t.Run(ct.String(), func(t *testing.T) {
			reg := registry.NewMemoryRegistry()
			startServer(t, reg, 1, server.Options{CodecType: ct})
			c := newClient(t, Options{Registry: reg})

			var reply Reply
			require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: 4, B: 5}, &reply))
			assert.Equal(t, 9, reply.Result)
		})
	}
}

func TestClientRemoteError(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1, server.Options{})
	c := newClient(t, Options{Registry: reg})

	err := c.Call(context.Background(), "Arith.Divide", &Args{A: 1}, &Reply{})
	var remote *peer.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "divide by zero", remote.Error())
	assert.Contains(t, remote.Stack(), "TestClientRemoteError")

	// The connection survives an application error.
	var reply Reply
	require.NoError(t, c.Call(context.Background(), "Arith.Divide", &Args{A: 9, B: 3}, &reply))
	assert.Equal(t, 3, reply.Result)
}

func TestClientNoInstances(t *testing.T) {
	c := newClient(t, Options{Registry: registry.NewMemoryRegistry()})
	err := c.Call(context.Background(), "Missing.Add", &Args{}, nil)
	assert.ErrorIs(t, err, loadbalance.ErrNoInstances)

	err = c.Call(context.Background(), "NoDot", &Args{}, nil)
	assert.ErrorContains(t, err, "invalid serviceMethod")
}

func TestClientStream(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1, server.Options{})
	c := newClient(t, Options{Registry: reg})

	s, err := c.Stream(context.Background(), "Arith.Range", &Args{A: 2, B: 6})
	require.NoError(t, err)
	items, err := stream.Collect(context.Background(), s)
	require.NoError(t, err)

	var got []int
	for _, item := range items {
		var n int
		require.NoError(t, json.Unmarshal(item, &n))
		got = append(got, n)
	}
	assert.Equal(t, []int{2, 3, 4, 5}, got)
}

func TestClientRoundRobinAcrossServers(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1, server.Options{})
	startServer(t, reg, 2, server.Options{})
	c := newClient(t, Options{Registry: reg})

	hits := map[int]int{}
	for i := 0; i < 10; i++ {
		var reply Reply
		require.NoError(t, c.Call(context.Background(), "Node.Whoami", &Args{}, &reply))
		hits[reply.Result]++
	}
	assert.Equal(t, map[int]int{1: 5, 2: 5}, hits)
}

func TestClientConsistentHashIsSticky(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	for id := 1; id <= 3; id++ {
		startServer(t, reg, id, server.Options{})
	}
	c := newClient(t, Options{Registry: reg, Balancer: loadbalance.NewConsistentHashBalancer()})

	var first Reply
	require.NoError(t, c.Call(context.Background(), "Node.Whoami", &Args{}, &first))
	for i := 0; i < 5; i++ {
		var reply Reply
		require.NoError(t, c.Call(context.Background(), "Node.Whoami", &Args{}, &reply))
		assert.Equal(t, first.Result, reply.Result)
	}
}

func TestClientFollowsDeregistration(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	gone := startServer(t, reg, 1, server.Options{})
	startServer(t, reg, 2, server.Options{})
	c := newClient(t, Options{Registry: reg})

	// Warm both pools.
	for i := 0; i < 2; i++ {
		require.NoError(t, c.Call(context.Background(), "Node.Whoami", &Args{}, &Reply{}))
	}

	gone.stop(t)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.instances["Node"]) == 1 && c.pools[gone.addr] == nil
	}, time.Second, 5*time.Millisecond)

	for i := 0; i < 4; i++ {
		var reply Reply
		require.NoError(t, c.Call(context.Background(), "Node.Whoami", &Args{}, &reply))
		assert.Equal(t, 2, reply.Result)
	}
}

func TestClientRetriesRefusedInstance(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1, server.Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := ln.Addr().String()
	ln.Close()
	require.NoError(t, reg.Register(context.Background(), "Node", registry.ServiceInstance{Addr: dead}, 10))

	c := newClient(t, Options{
		Registry:    reg,
		Middlewares: []middleware.Middleware{middleware.RetryMiddleware(2, time.Millisecond, nil)},
	})
	for i := 0; i < 4; i++ {
		var reply Reply
		require.NoError(t, c.Call(context.Background(), "Node.Whoami", &Args{}, &reply))
		assert.Equal(t, 1, reply.Result)
	}
}

func TestClientMiddlewareWrapsCalls(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, 1, server.Options{})

	var methods []string
	var mu sync.Mutex
	c := newClient(t, Options{
		Registry: reg,
		Middlewares: []middleware.Middleware{func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, method string, payload []byte) ([]byte, error) {
				mu.Lock()
				methods = append(methods, method)
				mu.Unlock()
				return next(ctx, method, payload)
			}
		}},
	})
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{}, nil))
	require.Error(t, c.Call(context.Background(), "Arith.Divide", &Args{}, nil))
	assert.Equal(t, []string{"Arith.Add", "Arith.Divide"}, methods)
}

func TestClientPoolsPeers(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ts := startServer(t, reg, 1, server.Options{})
	c := newClient(t, Options{Registry: reg, PoolSize: 3})

	for i := 0; i < 9; i++ {
		require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{A: i}, nil))
	}
	require.Eventually(t, func() bool { return len(ts.svr.Peers()) == 3 }, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	var failed atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var reply Reply
			if err := c.Call(context.Background(), "Arith.Add", &Args{A: i, B: i}, &reply); err != nil || reply.Result != 2*i {
				failed.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, failed.Load())
	assert.Len(t, ts.svr.Peers(), 3)
}

func TestServerCallsClientBack(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	replies := make(chan string, 1)
	startServer(t, reg, 1, server.Options{
		OnConnect: func(p *peer.Peer) {
			go func() {
				out, err := p.Call(context.Background(), "Client.Hello", []byte("server"))
				if err != nil {
					replies <- err.Error()
					return
				}
				replies <- string(out)
			}()
		},
	})
	c := newClient(t, Options{
		Registry: reg,
		Handler: func(_ context.Context, method string, payload []byte) ([]byte, error) {
			return []byte("hello " + string(payload)), nil
		},
	})
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{}, nil))

	select {
	case got := <-replies:
		assert.Equal(t, "hello server", got)
	case <-time.After(3 * time.Second):
		t.Fatal("no callback")
	}
}

func TestClientDefaultHandlerRejectsCallbacks(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	replies := make(chan error, 1)
	startServer(t, reg, 1, server.Options{
		OnConnect: func(p *peer.Peer) {
			go func() {
				_, err := p.Call(context.Background(), "Client.Hello", nil)
				replies <- err
			}()
		},
	})
	c := newClient(t, Options{Registry: reg})
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{}, nil))

	select {
	case err := <-replies:
		assert.ErrorContains(t, err, "client serves no methods")
	case <-time.After(3 * time.Second):
		t.Fatal("no callback")
	}
}

func TestClientClose(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	ts := startServer(t, reg, 1, server.Options{})
	c := newClient(t, Options{Registry: reg})
	require.NoError(t, c.Call(context.Background(), "Arith.Add", &Args{}, nil))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Call(context.Background(), "Arith.Add", &Args{}, nil), ErrClientClosed)
	_, err := c.Stream(context.Background(), "Arith.Range", &Args{})
	assert.ErrorIs(t, err, ErrClientClosed)
	require.Eventually(t, func() bool { return len(ts.svr.Peers()) == 0 }, time.Second, 5*time.Millisecond)
}
