package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"mesh-rpc/registry"
)

// HashRing maps a key to an instance on a consistent hash ring. A dialer that
// keys the ring with its own node identity reconnects to the same instance
// for as long as the ring holds the same members, which keeps any state the
// far agent accumulated for that dialer warm.
//
// Each instance is placed on the ring as N virtual nodes hashed from
// "{addr}#{i}"; without them a small member set clusters and load skews.
//
// HashRing is keyed, so it does not implement the Balancer interface.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	ring     []uint32
	nodes    map[uint32]registry.AgentInstance
}

// NewHashRing creates an empty ring with 100 virtual nodes per instance.
func NewHashRing() *HashRing {
	return &HashRing{
		replicas: 100,
		nodes:    make(map[uint32]registry.AgentInstance),
	}
}

// Update replaces the ring's membership with the given instance set. Feed it
// from a registry Watch channel to track the live mesh.
func (h *HashRing) Update(instances []registry.AgentInstance) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring = h.ring[:0]
	clear(h.nodes)

	for _, inst := range instances {
		for i := 0; i < h.replicas; i++ {
			hash := crc32.ChecksumIEEE(fmt.Appendf(nil, "%s#%d", inst.Addr, i))
			h.ring = append(h.ring, hash)
			h.nodes[hash] = inst
		}
	}
	sort.Slice(h.ring, func(i, j int) bool { return h.ring[i] < h.ring[j] })
}

// Pick returns the instance owning the given key: the first ring position at
// or clockwise past the key's hash, wrapping to the start of the ring.
func (h *HashRing) Pick(key string) (*registry.AgentInstance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.ring) == 0 {
		return nil, fmt.Errorf("no instances available")
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h.ring), func(i int) bool {
		return h.ring[i] >= hash
	})
	if idx == len(h.ring) {
		idx = 0
	}

	inst := h.nodes[h.ring[idx]]
	return &inst, nil
}

func (h *HashRing) Name() string {
	return "HashRing"
}
