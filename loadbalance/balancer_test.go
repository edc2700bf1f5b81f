package loadbalance

import (
	"testing"

	"mesh-rpc/registry"
)

func instances(addrs ...string) []registry.AgentInstance {
	out := make([]registry.AgentInstance, len(addrs))
	for i, a := range addrs {
		out[i] = registry.AgentInstance{Addr: a, Weight: 1}
	}
	return out
}

func TestRoundRobinCycles(t *testing.T) {
	b := &RoundRobinBalancer{}
	insts := instances("a", "b", "c")

	counts := map[string]int{}
	for i := 0; i < 9; i++ {
		inst, err := b.Pick(insts)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	for _, addr := range []string{"a", "b", "c"} {
		if counts[addr] != 3 {
			t.Errorf("uneven distribution: %v", counts)
			break
		}
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	if _, err := b.Pick(nil); err == nil {
		t.Fatal("expect error for empty instance list")
	}
}

func TestWeightedRandomRespectsWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	insts := []registry.AgentInstance{
		{Addr: "heavy", Weight: 9},
		{Addr: "light", Weight: 1},
	}

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		inst, err := b.Pick(insts)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	if counts["heavy"] <= counts["light"] {
		t.Errorf("weights ignored: %v", counts)
	}
	if counts["light"] == 0 {
		t.Error("light instance never picked")
	}
}

func TestWeightedRandomZeroWeightStaysReachable(t *testing.T) {
	b := &WeightedRandomBalancer{}
	insts := []registry.AgentInstance{{Addr: "only"}} // no weight set

	inst, err := b.Pick(insts)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Addr != "only" {
		t.Errorf("expect only, got %s", inst.Addr)
	}
}

func TestHashRingAffinity(t *testing.T) {
	ring := NewHashRing()
	ring.Update(instances("a", "b", "c"))

	first, err := ring.Pick("node-42")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		inst, err := ring.Pick("node-42")
		if err != nil {
			t.Fatal(err)
		}
		if inst.Addr != first.Addr {
			t.Fatalf("same key mapped to %s then %s", first.Addr, inst.Addr)
		}
	}
}

func TestHashRingSurvivesUnrelatedRemoval(t *testing.T) {
	ring := NewHashRing()
	ring.Update(instances("a", "b", "c"))

	owner, _ := ring.Pick("sticky")

	// Drop one member the key does not map to; the mapping must not move.
	survivors := []registry.AgentInstance{{Addr: owner.Addr, Weight: 1}}
	for _, inst := range instances("a", "b", "c") {
		if inst.Addr != owner.Addr {
			survivors = append(survivors, inst)
			break
		}
	}
	ring.Update(survivors)

	inst, err := ring.Pick("sticky")
	if err != nil {
		t.Fatal(err)
	}
	if inst.Addr != owner.Addr {
		t.Errorf("key moved from %s to %s after unrelated removal", owner.Addr, inst.Addr)
	}
}

func TestHashRingEmpty(t *testing.T) {
	ring := NewHashRing()
	if _, err := ring.Pick("any"); err == nil {
		t.Fatal("expect error for empty ring")
	}
}
