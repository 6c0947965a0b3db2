package etcd

import (
	"context"
	"strings"
	"sync"
	"testing"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type memoryKV struct {
	mu      sync.Mutex
	nextID  clientv3.LeaseID
	values  map[string]string
	leases  map[string]clientv3.LeaseID
	revoked []clientv3.LeaseID
}

func newMemoryKV() *memoryKV {
	return &memoryKV{
		values: map[string]string{},
		leases: map[string]clientv3.LeaseID{},
	}
}

func (m *memoryKV) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return &clientv3.LeaseGrantResponse{ID: m.nextID, TTL: ttl}, nil
}

func (m *memoryKV) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (m *memoryKV) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, id)
	for k, lease := range m.leases {
		if lease == id {
			delete(m.values, k)
			delete(m.leases, k)
		}
	}
	return &clientv3.LeaseRevokeResponse{}, nil
}

// Put attaches the key to the most recently granted lease when an option is given.
func (m *memoryKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = val
	if len(opts) > 0 {
		m.leases[key] = m.nextID
	}
	return &clientv3.PutResponse{}, nil
}

func (m *memoryKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp := &clientv3.GetResponse{}
	for k, v := range m.values {
		if strings.HasPrefix(k, key) {
			resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(v)})
		}
	}
	return resp, nil
}

func TestRegisterDiscoverDeregister(t *testing.T) {
	kv := newMemoryKV()
	sd := &ServiceDiscovery{kv: kv}
	ctx := context.Background()

	reg, err := sd.Register(ctx, "scenegen/reconstruction", "http://10.0.0.5:3080", 10)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if reg.Key != "/scenegen/reconstruction/http:/10.0.0.5:3080" {
		t.Errorf("Key = %s", reg.Key)
	}
	if kv.leases[reg.Key] != reg.lease {
		t.Errorf("key not attached to the lease")
	}
	sd.Register(ctx, "scenegen/other", "http://10.0.0.6:3080", 10)

	addrs, err := sd.Discover(ctx, "scenegen/reconstruction")
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(addrs) != 1 || addrs[0] != "http://10.0.0.5:3080" {
		t.Errorf("Discover() = %v", addrs)
	}

	if err := reg.Deregister(ctx); err != nil {
		t.Fatalf("Deregister() error = %v", err)
	}
	reg.Deregister(ctx)
	if len(kv.revoked) != 1 {
		t.Errorf("revoked = %v, want one lease", kv.revoked)
	}
	if addrs, _ := sd.Discover(ctx, "scenegen/reconstruction"); len(addrs) != 0 {
		t.Errorf("Discover() after Deregister = %v", addrs)
	}
}
