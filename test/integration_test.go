package test

import (
	"errors"
	"net"
	"testing"
	"time"

	"mesh-rpc/agent"
	"mesh-rpc/dial"
	"mesh-rpc/loadbalance"
	"mesh-rpc/marshal"
	"mesh-rpc/middleware"
	"mesh-rpc/peer"
	"mesh-rpc/registry"
	"mesh-rpc/transport"
)

// ---- in-memory registry (no etcd required) ----

type MockRegistry struct {
	instances map[string][]registry.AgentInstance
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{instances: make(map[string][]registry.AgentInstance)}
}

func (m *MockRegistry) Register(mesh string, inst registry.AgentInstance, ttl int64) error {
	m.instances[mesh] = append(m.instances[mesh], inst)
	return nil
}

func (m *MockRegistry) Deregister(mesh string, addr string) error {
	insts := m.instances[mesh]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[mesh] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MockRegistry) Discover(mesh string) ([]registry.AgentInstance, error) {
	return m.instances[mesh], nil
}

func (m *MockRegistry) Watch(mesh string) <-chan []registry.AgentInstance {
	return make(chan []registry.AgentInstance)
}

// ---- test API ----

func calcAPI() map[string]marshal.Func {
	return map[string]marshal.Func{
		"add": func(args ...any) {
			x, _ := marshal.AsInt(args[0])
			y, _ := marshal.AsInt(args[1])
			args[2].(marshal.Func)(nil, x+y)
		},
		"echo": func(args ...any) {
			args[1].(marshal.Func)(nil, args[0])
		},
		"hold": func(args ...any) {
			// Keeps the caller's callback outstanding forever.
		},
	}
}

// TestFullIntegration drives the whole chain:
// Serve → registry → balancer → dial → handshake → proxies → call → reply.
func TestFullIntegration(t *testing.T) {
	const addr = "127.0.0.1:19501"

	server := agent.New(calcAPI(), agent.WithMesh("calc"))
	server.Use(middleware.RecoverMiddleware())

	reg := NewMockRegistry()
	go server.Serve("tcp", addr, addr, reg)
	defer server.Shutdown(time.Second)
	time.Sleep(100 * time.Millisecond)

	client := agent.New(nil)
	d := dial.New(client, reg, &loadbalance.RoundRobinBalancer{})

	p, err := d.Dial("calc")
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	// Plain round trip.
	result := make(chan []any, 1)
	add, ok := p.Proxy("add")
	if !ok {
		t.Fatal("no proxy for add")
	}
	add(int64(3), int64(5), marshal.Func(func(args ...any) {
		result <- args
	}))

	select {
	case args := <-result:
		if args[0] != nil {
			t.Fatalf("add returned error %v", args[0])
		}
		if n, _ := marshal.AsInt(args[1]); n != 8 {
			t.Fatalf("expect 8, got %v", args[1])
		}
	case <-time.After(time.Second):
		t.Fatal("no reply to add")
	}

	// Cyclic argument through a real TCP session.
	x := map[string]any{"label": "root"}
	x["self"] = x

	echoed := make(chan any, 1)
	echo, _ := p.Proxy("echo")
	echo(x, marshal.Func(func(args ...any) {
		echoed <- args[1]
	}))

	select {
	case v := <-echoed:
		y, ok := v.(map[string]any)
		if !ok {
			t.Fatalf("echo returned %T", v)
		}
		if y["label"] != "root" {
			t.Errorf("payload mangled: %v", y)
		}
		self, ok := y["self"].(map[string]any)
		if !ok {
			t.Fatalf("self slot is %T", y["self"])
		}
		y["probe"] = true
		if _, ok := self["probe"]; !ok {
			t.Error("cycle broken across TCP round trip")
		}
	case <-time.After(time.Second):
		t.Fatal("no reply to echo")
	}
}

// TestDisconnectFlushEndToEnd pins the teardown contract: every callback
// outstanding when the stream dies is failed exactly once with EDISCONNECT,
// and the disconnect event follows.
func TestDisconnectFlushEndToEnd(t *testing.T) {
	const addr = "127.0.0.1:19502"

	server := agent.New(calcAPI())
	go server.Serve("tcp", addr, addr, nil)
	time.Sleep(100 * time.Millisecond)

	client := agent.New(nil)
	d := dial.New(client, nil, nil)

	p, err := d.DialAddr(addr)
	if err != nil {
		t.Fatal(err)
	}

	flushed := make(chan error, 3)
	hold, _ := p.Proxy("hold")
	for i := 0; i < 3; i++ {
		hold(marshal.Func(func(args ...any) {
			err, _ := args[0].(error)
			flushed <- err
		}))
	}

	disconnected := make(chan struct{})
	p.OnDisconnect(func(error) { close(disconnected) })

	// Give the three calls time to land so their callbacks are stored, then
	// tear the server down under the client.
	time.Sleep(100 * time.Millisecond)
	if err := server.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case err := <-flushed:
			if !errors.Is(err, transport.ErrDisconnect) {
				t.Errorf("callback %d: expect EDISCONNECT, got %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("callback %d never flushed", i)
		}
	}

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect event after server shutdown")
	}

	if p.State() != peer.Disconnected {
		t.Errorf("expect disconnected, got %v", p.State())
	}
}

// TestBidirectionalCalls exercises the symmetry: both sides publish, both
// sides call, over one stream.
func TestBidirectionalCalls(t *testing.T) {
	greeted := make(chan string, 1)

	a := agent.New(calcAPI())
	b := agent.New(map[string]marshal.Func{
		"greet": func(args ...any) {
			name, _ := args[0].(string)
			greeted <- name
		},
	})

	c1, c2 := net.Pipe()
	ta, err := transport.New(c1)
	if err != nil {
		t.Fatal(err)
	}
	tb, err := transport.New(c2)
	if err != nil {
		t.Fatal(err)
	}

	type res struct {
		p   *peer.Peer
		err error
	}
	resA := make(chan res, 1)
	go func() {
		p, err := a.Connect(ta)
		resA <- res{p, err}
	}()
	pb, err := b.Connect(tb)
	if err != nil {
		t.Fatal(err)
	}
	ra := <-resA
	if ra.err != nil {
		t.Fatal(ra.err)
	}
	pa := ra.p

	// b → a: call the calculator.
	result := make(chan []any, 1)
	add, ok := pb.Proxy("add")
	if !ok {
		t.Fatal("b has no proxy for add")
	}
	add(int64(1), int64(2), marshal.Func(func(args ...any) {
		result <- args
	}))
	select {
	case args := <-result:
		if n, _ := marshal.AsInt(args[1]); n != 3 {
			t.Fatalf("expect 3, got %v", args[1])
		}
	case <-time.After(time.Second):
		t.Fatal("no reply from a")
	}

	// a → b: the same stream carries calls the other way.
	greet, ok := pa.Proxy("greet")
	if !ok {
		t.Fatal("a has no proxy for greet")
	}
	greet("mesh")
	select {
	case name := <-greeted:
		if name != "mesh" {
			t.Fatalf("expect mesh, got %s", name)
		}
	case <-time.After(time.Second):
		t.Fatal("b never received the greet call")
	}
}
