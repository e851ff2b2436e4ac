package client

import (
	"context"
	"testing"

	"peer-rpc/codec"
	"peer-rpc/registry"
	"peer-rpc/server"
)

func benchClient(b *testing.B, ct codec.CodecType, poolSize int) *Client {
	reg := registry.NewMemoryRegistry()
	startServer(b, reg, 1, server.Options{CodecType: ct})
	return newClient(b, Options{Registry: reg, PoolSize: poolSize})
}

func BenchmarkSerialCall(b *testing.B) {
	c := benchClient(b, codec.CodecTypeJSON, 1)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var reply Reply
		if err := c.Call(ctx, "Arith.Add", &Args{A: i, B: 1}, &reply); err != nil {
			b.Fatal(err)
		}
	}
}

func benchmarkConcurrentCall(b *testing.B, ct codec.CodecType) {
	c := benchClient(b, ct, 4)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		var reply Reply
		for pb.Next() {
			if err := c.Call(ctx, "Arith.Add", &Args{A: 1, B: 2}, &reply); err != nil {
				b.Error(err)
			}
		}
	})
}

func BenchmarkConcurrentCallJSON(b *testing.B) { benchmarkConcurrentCall(b, codec.CodecTypeJSON) }
func BenchmarkConcurrentCallBinarySnappy(b *testing.B) {
	benchmarkConcurrentCall(b, codec.CodecTypeBinary|codec.CodecFlagSnappy)
}
