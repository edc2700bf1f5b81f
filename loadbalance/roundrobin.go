package loadbalance

import (
	"fmt"
	"sync/atomic"

	"mesh-rpc/registry"
)

// RoundRobinBalancer cycles through the instance list with a lock-free
// atomic counter.
type RoundRobinBalancer struct {
	counter int64
}

func (b *RoundRobinBalancer) Pick(instances []registry.AgentInstance) (*registry.AgentInstance, error) {
	if len(instances) == 0 {
		return nil, fmt.Errorf("no instances available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
