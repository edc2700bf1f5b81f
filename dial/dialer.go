// Package dial composes discovery, balancing and transport construction into
// the outbound path: ask the registry who serves a mesh, pick one, dial TCP,
// and hand the stream to the agent for its handshake.
package dial

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/agent"
	"mesh-rpc/codec"
	"mesh-rpc/loadbalance"
	"mesh-rpc/peer"
	"mesh-rpc/registry"
	"mesh-rpc/transport"
)

const defaultDialTimeout = 5 * time.Second

// Dialer produces live peers for a mesh. Peers are cached per address and
// reused while Live: a peer session is stateful (its callback table), so
// callers share one session per far agent rather than checking connections
// in and out of a pool.
type Dialer struct {
	agent     *agent.Agent
	registry  registry.Registry
	balancer  loadbalance.Balancer
	codecType codec.CodecType
	timeout   time.Duration
	log       *zap.Logger

	mu       sync.Mutex
	sessions map[string]*peer.Peer
}

// Option configures a Dialer.
type Option func(*Dialer)

// WithCodec selects the payload serializer for dialed transports.
func WithCodec(ct codec.CodecType) Option {
	return func(d *Dialer) { d.codecType = ct }
}

// WithTimeout bounds the TCP dial.
func WithTimeout(t time.Duration) Option {
	return func(d *Dialer) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(d *Dialer) { d.log = log }
}

// New builds a Dialer for the given local agent, registry and balancer.
func New(a *agent.Agent, reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Dialer {
	d := &Dialer{
		agent:     a,
		registry:  reg,
		balancer:  bal,
		codecType: codec.CodecTypeCBOR,
		timeout:   defaultDialTimeout,
		log:       zap.NewNop(),
		sessions:  make(map[string]*peer.Peer),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial discovers the mesh, picks an instance, and returns a live peer for
// it. An existing live session to the picked address is reused.
func (d *Dialer) Dial(mesh string) (*peer.Peer, error) {
	instances, err := d.registry.Discover(mesh)
	if err != nil {
		return nil, fmt.Errorf("dial: discover %s: %w", mesh, err)
	}

	inst, err := d.balancer.Pick(instances)
	if err != nil {
		return nil, fmt.Errorf("dial: pick in %s: %w", mesh, err)
	}

	return d.DialAddr(inst.Addr)
}

// DialAddr returns a live peer for one address, reusing a cached session if
// it is still Live. Dead sessions are evicted lazily on the next call.
func (d *Dialer) DialAddr(addr string) (*peer.Peer, error) {
	d.mu.Lock()
	if p, ok := d.sessions[addr]; ok {
		if p.State() == peer.Live {
			d.mu.Unlock()
			return p, nil
		}
		delete(d.sessions, addr)
	}
	d.mu.Unlock()

	conn, err := net.DialTimeout("tcp", addr, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial: %s: %w", addr, err)
	}

	t, err := transport.New(conn,
		transport.WithCodec(d.codecType),
		transport.WithLogger(d.log),
	)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p, err := d.agent.Connect(t)
	if err != nil {
		return nil, fmt.Errorf("dial: handshake with %s: %w", addr, err)
	}
	d.log.Debug("session established", zap.String("addr", addr))

	d.mu.Lock()
	d.sessions[addr] = p
	d.mu.Unlock()
	return p, nil
}
