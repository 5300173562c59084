// etcd keeps one key per advertised instance:
//
//	Key:   /duplex-rpc/{service}/{addr}
//	Value: JSON-encoded Instance
//
// Every key is attached to its own lease. While the registering process is
// alive a KeepAlive stream renews the lease; if it dies, the lease expires and
// the instance disappears without anyone deregistering it.

package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"duplex-rpc/config"

	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/duplex-rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	log    zerolog.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, for instances registered by this process
}

// NewEtcdRegistry connects to the endpoints of cfg.
func NewEtcdRegistry(cfg config.Registry, logger zerolog.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	return &EtcdRegistry{
		client: c,
		log:    logger,
		leases: make(map[string]clientv3.LeaseID),
	}, nil
}

func instanceKey(service, addr string) string {
	return servicePrefix(service) + addr
}

func servicePrefix(service string) string {
	return keyPrefix + service + "/"
}

// Register grants a lease of ttl seconds, writes the instance under it and
// keeps the lease alive in the background.
//
// The KeepAlive stream is tied to a context of its own rather than ctx, so it
// outlives the call that registered the instance. It ends on Deregister or
// Close.
func (r *EtcdRegistry) Register(ctx context.Context, service string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("registry: encode instance: %w", err)
	}

	key := instanceKey(service, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}

	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return fmt.Errorf("registry: keepalive %s: %w", key, err)
	}
	// Drain responses so the client library does not warn about a full channel.
	go func() {
		for range ch {
		}
		r.log.Debug().Str("key", key).Msg("lease keepalive ended")
	}()

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	r.log.Info().Str("service", service).Str("addr", instance.Addr).Int64("ttl", ttl).Msg("registered instance")
	return nil
}

// Deregister removes the instance. When this process registered it, the lease
// is revoked, which deletes the key and stops the keepalive together.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := instanceKey(service, addr)

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return fmt.Errorf("registry: revoke lease for %s: %w", key, err)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// Discover lists every instance under the service prefix. Malformed values
// are skipped.
func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: discover %s: %w", service, err)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			r.log.Warn().Str("key", string(kv.Key)).Err(err).Msg("skipping malformed instance")
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-reads the full list on every change under the service prefix,
// which is simpler than applying individual events.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Instance {
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		events := r.client.Watch(ctx, servicePrefix(service), clientv3.WithPrefix())
		for range events {
			instances, err := r.Discover(ctx, service)
			if err != nil {
				r.log.Warn().Str("service", service).Err(err).Msg("watch refresh failed")
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

// Close disconnects from etcd. Instances still registered expire after their
// ttl once the keepalives stop.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
