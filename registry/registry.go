// Package registry maps service names to the addresses of the peers serving them.
package registry

import "context"

type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
	Codec   string `json:",omitempty"` // wire codec the instance speaks, see codec.ParseCodecType
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
