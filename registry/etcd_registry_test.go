package registry

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// etcdRegistry connects to the cluster in ETCD_ENDPOINTS or skips the test.
func etcdRegistry(t *testing.T) *EtcdRegistry {
	endpoints := os.Getenv("ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("ETCD_ENDPOINTS not set")
	}
	reg, err := NewEtcdRegistry(strings.Split(endpoints, ","), nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0", Codec: "binary"}
	require.NoError(t, reg.Register(ctx, "Arith", inst1, 10))
	require.NoError(t, reg.Register(ctx, "Arith", inst2, 10))

	instances, err := reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.ElementsMatch(t, []ServiceInstance{inst1, inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Arith", inst1.Addr))
	instances, err = reg.Discover(ctx, "Arith")
	require.NoError(t, err)
	assert.Equal(t, []ServiceInstance{inst2}, instances)

	require.NoError(t, reg.Deregister(ctx, "Arith", inst2.Addr))
}

func TestEtcdWatch(t *testing.T) {
	reg := etcdRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	updates := reg.Watch(ctx, "Watched")
	time.Sleep(100 * time.Millisecond)
	inst := ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}
	require.NoError(t, reg.Register(ctx, "Watched", inst, 10))

	select {
	case got := <-updates:
		assert.Equal(t, []ServiceInstance{inst}, got)
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
	require.NoError(t, reg.Deregister(ctx, "Watched", inst.Addr))
}
