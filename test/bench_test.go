package test

import (
	"net"
	"testing"

	"mesh-rpc/agent"
	"mesh-rpc/marshal"
	"mesh-rpc/peer"
	"mesh-rpc/transport"
)

func benchPair(b *testing.B) (*peer.Peer, *peer.Peer) {
	b.Helper()

	a1 := agent.New(calcAPI())
	a2 := agent.New(nil)

	c1, c2 := net.Pipe()
	t1, err := transport.New(c1)
	if err != nil {
		b.Fatal(err)
	}
	t2, err := transport.New(c2)
	if err != nil {
		b.Fatal(err)
	}

	type res struct {
		p   *peer.Peer
		err error
	}
	resCh := make(chan res, 1)
	go func() {
		p, err := a1.Connect(t1)
		resCh <- res{p, err}
	}()
	p2, err := a2.Connect(t2)
	if err != nil {
		b.Fatal(err)
	}
	r := <-resCh
	if r.err != nil {
		b.Fatal(r.err)
	}
	return r.p, p2
}

func BenchmarkRoundTripCall(b *testing.B) {
	_, p2 := benchPair(b)

	add, ok := p2.Proxy("add")
	if !ok {
		b.Fatal("no proxy for add")
	}

	done := make(chan struct{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		add(int64(i), int64(1), marshal.Func(func(args ...any) {
			done <- struct{}{}
		}))
		<-done
	}
}

func BenchmarkFreeze(b *testing.B) {
	value := map[string]any{
		"name": "node",
		"tags": []any{"a", "b", "c"},
		"meta": map[string]any{"weight": int64(10), "alive": true},
	}
	store := func(marshal.Func) (uint32, error) { return 1, nil }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := marshal.Freeze(value, store); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFreezeLivenCycle(b *testing.B) {
	x := map[string]any{"label": "root"}
	x["self"] = x
	store := func(marshal.Func) (uint32, error) { return 1, nil }
	get := func(uint32) marshal.Func { return func(args ...any) {} }

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wire, err := marshal.Freeze(x, store)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := marshal.Liven(wire, get); err != nil {
			b.Fatal(err)
		}
	}
}
