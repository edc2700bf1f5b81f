// etcd-backed Registry.
//
// Agents live under /mesh-rpc/{mesh}/{addr} with a JSON-encoded
// AgentInstance as the value. Registration rides a TTL lease with background
// KeepAlive: a crashed agent stops renewing and its entry expires on its
// own, so dialers never discover ghosts.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/mesh-rpc/"

// EtcdRegistry implements Registry on etcd v3. The client is goroutine-safe
// and may be shared by any number of agents and dialers.
type EtcdRegistry struct {
	client *clientv3.Client
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register publishes an instance under a TTL lease and starts renewing it.
// The lease ID stays local to this call so one EtcdRegistry can safely serve
// several agents at once.
func (r *EtcdRegistry) Register(mesh string, instance AgentInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+mesh+"/"+instance.Addr, string(val),
		clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain renewal acks so the channel never fills.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance. Called during graceful shutdown, before the
// listener closes, so dialers stop routing here first.
func (r *EtcdRegistry) Deregister(mesh string, addr string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+mesh+"/"+addr)
	return err
}

// Discover lists the live instances of a mesh.
func (r *EtcdRegistry) Discover(mesh string) ([]AgentInstance, error) {
	ctx := context.TODO()
	prefix := keyPrefix + mesh + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]AgentInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance AgentInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch pushes the full instance list whenever anything under the mesh
// prefix changes — registrations, deregistrations, lease expirations.
// Re-fetching on each event is simpler than folding individual watch deltas
// and the lists are small.
func (r *EtcdRegistry) Watch(mesh string) <-chan []AgentInstance {
	ctx := context.TODO()
	ch := make(chan []AgentInstance, 1)
	prefix := keyPrefix + mesh + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, _ := r.Discover(mesh)
			ch <- instances
		}
	}()

	return ch
}
