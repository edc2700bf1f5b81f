// Package loadbalance selects which serving agent a dialer connects to.
//
// Sessions here are long-lived — a dialer picks once per connection, not once
// per call — so the strategies trade off differently than in per-request RPC:
//   - RoundRobin:     spread connections evenly over equal instances
//   - WeightedRandom: heterogeneous instances (different capacity)
//   - HashRing:       stable affinity — the same local identity keeps landing
//     on the same instance across reconnects
package loadbalance

import "mesh-rpc/registry"

// Balancer picks one instance from a discovered set. Implementations must be
// goroutine-safe: several dialers may share one balancer.
type Balancer interface {
	Pick(instances []registry.AgentInstance) (*registry.AgentInstance, error)

	// Name returns the strategy name, for logs.
	Name() string
}
