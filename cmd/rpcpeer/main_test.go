package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"peer-rpc/config"
	"peer-rpc/stream"
)

func TestCountStream(t *testing.T) {
	s, err := count(context.Background(), []byte(`{"N":3}`))
	require.NoError(t, err)
	items, err := stream.Collect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, items)

	_, err = count(context.Background(), []byte(`{"N":-1}`))
	assert.Error(t, err)
	_, err = count(context.Background(), []byte(`{"Interval":"soon"}`))
	assert.Error(t, err)
}

func TestCountStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s, err := count(ctx, []byte(`{"N":1000,"Interval":"10ms"}`))
	require.NoError(t, err)

	first, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", string(first))
	cancel()

	_, err = stream.Collect(context.Background(), s)
	assert.ErrorIs(t, err, context.Canceled)
}

// startDemo serves the demo services on a loopback port and returns its address.
func startDemo(t *testing.T, cfg *config.Config, reg prometheus.Registerer) string {
	t.Helper()
	svr, err := newServer(cfg, zap.NewNop(), reg)
	require.NoError(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- svr.ServeListener(ln, "", nil) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		<-done
	})
	return ln.Addr().String()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { callAddr = "" })
	err := rootCmd.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestCallCommand(t *testing.T) {
	addr := startDemo(t, config.Default(), nil)

	out, err := execute(t, "call", "Arith.Add", `{"A":2,"B":40}`, "--addr", addr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Result":42}`, out)

	out, err = execute(t, "call", "Echo.Upper", `{"Text":"hi"}`, "--addr", addr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Text":"HI"}`, out)

	_, err = execute(t, "call", "Arith.Divide", `{"A":1}`, "--addr", addr)
	assert.ErrorContains(t, err, "divide by zero")
}

func TestStreamCommand(t *testing.T) {
	addr := startDemo(t, config.Default(), nil)

	out, err := execute(t, "stream", "Arith.Count", `{"N":4}`, "--addr", addr)
	require.NoError(t, err)
	assert.Equal(t, "1\n2\n3\n4", out)
}

func TestServerMiddlewareFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Server.HandlerTimeout = config.Duration{Duration: 50 * time.Millisecond}
	promReg := prometheus.NewRegistry()
	addr := startDemo(t, cfg, promReg)

	_, err := execute(t, "call", "Echo.Say", `{"Text":"x","Delay":"1s"}`, "--addr", addr)
	assert.ErrorContains(t, err, "request timed out")

	out, err := execute(t, "call", "Echo.Say", `{"Text":"x"}`, "--addr", addr)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Text":"x"}`, out)

	assert.Equal(t, 2, testutil.CollectAndCount(promReg, "peer_rpc_requests_total"))
}

func TestOpenRegistryDefaultsToMemory(t *testing.T) {
	reg, release, err := openRegistry(nil)
	require.NoError(t, err)
	defer release()
	got, err := reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Empty(t, got)
}
