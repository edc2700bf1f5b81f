package agent

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/peer"
	"mesh-rpc/registry"
	"mesh-rpc/transport"
)

// registrationTTL is the etcd lease TTL for a serving agent; KeepAlive renews
// it for as long as the process lives.
const registrationTTL int64 = 10

// serving holds the listener-side state of an agent.
type serving struct {
	mu            sync.Mutex
	listener      net.Listener
	peers         map[*peer.Peer]struct{}
	registry      registry.Registry
	advertiseAddr string
	shutdown      atomic.Bool
	wg            sync.WaitGroup
}

// Serve listens on the given address and runs one handshake per accepted
// connection. advertiseAddr is the address written to the registry — it
// differs from the listen address because ":4000" is not routable from other
// hosts. Pass a nil registry to skip discovery.
//
// Serve blocks until Shutdown or a listener error.
func (a *Agent) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}

	s := &a.serving
	s.mu.Lock()
	s.listener = listener
	if s.peers == nil {
		s.peers = make(map[*peer.Peer]struct{})
	}
	s.mu.Unlock()

	if reg != nil {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		inst := registry.AgentInstance{
			Addr:   advertiseAddr,
			Weight: 1,
			Names:  a.Names(),
		}
		if err := reg.Register(a.mesh, inst, registrationTTL); err != nil {
			listener.Close()
			return fmt.Errorf("agent: register %s: %w", advertiseAddr, err)
		}
	}

	a.log.Info("agent serving",
		zap.String("address", address), zap.Strings("names", a.Names()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go a.handleConn(conn)
	}
}

// handleConn runs the handshake for one accepted connection and tracks the
// resulting peer until it disconnects.
func (a *Agent) handleConn(conn net.Conn) {
	s := &a.serving
	defer s.wg.Done()

	t, err := transport.New(conn,
		transport.WithCodec(a.codecType),
		transport.WithLogger(a.log),
	)
	if err != nil {
		conn.Close()
		return
	}

	p, err := a.Connect(t)
	if err != nil {
		a.log.Warn("inbound handshake failed",
			zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	p.OnDisconnect(func(error) {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	})
}

// Shutdown drains the agent: deregister first so dialers stop routing here,
// stop accepting, disconnect live peers, then wait for handshakes in flight.
func (a *Agent) Shutdown(timeout time.Duration) error {
	s := &a.serving

	if s.registry != nil {
		if err := s.registry.Deregister(a.mesh, s.advertiseAddr); err != nil {
			a.log.Warn("deregister failed", zap.Error(err))
		}
	}

	// Flag before closing the listener so Serve reads the Accept error as
	// intentional.
	s.shutdown.Store(true)
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	peers := make([]*peer.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		p.Disconnect(nil)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("agent: timed out waiting for connections to finish")
	}
}
