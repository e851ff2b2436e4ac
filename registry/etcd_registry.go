package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every key this package writes:
//
//	Key:   /peer-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL leases, so the entry of a crashed server expires by itself.
const KeyPrefix = "/peer-rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	log    *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // key → lease kept alive by this process
}

type registration struct {
	lease clientv3.LeaseID
	stop  context.CancelFunc
}

func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, log: logger, leases: make(map[string]registration)}, nil
}

func serviceKey(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

func servicePrefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}

// Register puts instance under a lease of ttl seconds and keeps the lease alive
// until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := serviceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive outlives the registering call, so it gets its own context.
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	if old, ok := r.leases[key]; ok {
		old.stop()
	}
	r.leases[key] = registration{lease: lease.ID, stop: stop}
	r.mu.Unlock()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := serviceKey(serviceName, addr)
	r.mu.Lock()
	reg, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		reg.stop()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.log.Warn("revoke lease", zap.String("key", key), zap.Error(err))
		}
	}
	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch re-reads the full instance list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, servicePrefix(serviceName), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil {
				r.log.Warn("rediscover after watch event", zap.String("service", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.log.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keepalive and closes the etcd client. Leases then expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, reg := range r.leases {
		reg.stop()
		delete(r.leases, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
