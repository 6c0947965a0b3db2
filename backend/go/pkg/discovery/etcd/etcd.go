package etcd

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// leaseKV is the part of *clientv3.Client the registry uses.
type leaseKV interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
}

// ServiceDiscovery registers service instances under /<service>/<addr> and looks them up.
type ServiceDiscovery struct {
	kv    leaseKV
	close func() error
}

// NewServiceDiscovery connects to etcd.
func NewServiceDiscovery(endpoints []string) (*ServiceDiscovery, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &ServiceDiscovery{kv: cli, close: cli.Close}, nil
}

func serviceKey(serviceName, addr string) string {
	return path.Join("/", serviceName, addr)
}

// Registration is a live lease for one instance.
type Registration struct {
	Key string

	sd     *ServiceDiscovery
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	once   sync.Once
}

// Register publishes addr under serviceName with a ttl-second lease that is kept alive until Deregister or ctx ends.
func (s *ServiceDiscovery) Register(ctx context.Context, serviceName, addr string, ttl int64) (*Registration, error) {
	leaseResp, err := s.kv.Grant(ctx, ttl)
	if err != nil {
		return nil, fmt.Errorf("grant lease: %w", err)
	}
	key := serviceKey(serviceName, addr)
	if _, err := s.kv.Put(ctx, key, addr, clientv3.WithLease(leaseResp.ID)); err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}

	keepCtx, cancel := context.WithCancel(ctx)
	keepAliveCh, err := s.kv.KeepAlive(keepCtx, leaseResp.ID)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("keep alive: %w", err)
	}
	go func() {
		// The channel closes when keepCtx ends or the lease is lost.
		for range keepAliveCh {
		}
	}()
	return &Registration{Key: key, sd: s, lease: leaseResp.ID, cancel: cancel}, nil
}

// Deregister stops the keep-alive and revokes the lease, which deletes the key.
func (r *Registration) Deregister(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		r.cancel()
		_, err = r.sd.kv.Revoke(ctx, r.lease)
	})
	return err
}

// Discover returns the registered addresses of serviceName.
func (s *ServiceDiscovery) Discover(ctx context.Context, serviceName string) ([]string, error) {
	resp, err := s.kv.Get(ctx, path.Join("/", serviceName)+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, kv := range resp.Kvs {
		addrs = append(addrs, string(kv.Value))
	}
	return addrs, nil
}

// Close closes the etcd client.
func (s *ServiceDiscovery) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}
