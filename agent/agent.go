// Package agent binds a name→procedure registry to the connection machinery:
// it produces peers for transports, arms the handshake timeout, and can serve
// a listener with optional mesh registration.
package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"mesh-rpc/codec"
	"mesh-rpc/marshal"
	"mesh-rpc/middleware"
	"mesh-rpc/peer"
	"mesh-rpc/transport"
)

// defaultTimeout bounds the handshake: connect resolves, errors, or gives up
// within this window.
const defaultTimeout = 10 * time.Second

// Agent is a local endpoint publishing a set of named procedures. Peers
// returned by Connect are not retained: callers own them. Serve tracks the
// peers it accepts until they disconnect.
type Agent struct {
	api       map[string]marshal.Func
	log       *zap.Logger
	timeout   time.Duration
	codecType codec.CodecType
	mesh      string

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
	buildOnce   sync.Once

	serving serving
}

// Option configures an Agent.
type Option func(*Agent)

// WithTimeout overrides the handshake timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger attaches a structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(a *Agent) { a.log = log }
}

// WithCodec selects the payload serializer for transports the agent builds
// itself (Serve). Both sides of every session must agree.
func WithCodec(ct codec.CodecType) Option {
	return func(a *Agent) { a.codecType = ct }
}

// WithMesh sets the mesh name used for registry registration. Defaults to
// "default".
func WithMesh(name string) Option {
	return func(a *Agent) {
		if name != "" {
			a.mesh = name
		}
	}
}

// New binds a name→procedure registry. The api map is taken as-is and must
// not be mutated afterwards.
func New(api map[string]marshal.Func, opts ...Option) *Agent {
	a := &Agent{
		api:       api,
		log:       zap.NewNop(),
		timeout:   defaultTimeout,
		codecType: codec.CodecTypeCBOR,
		mesh:      "default",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Use registers a middleware around every inbound invocation. Middlewares
// apply in registration order and must all be registered before the first
// connect — the chain is built once.
func (a *Agent) Use(mw middleware.Middleware) {
	a.middlewares = append(a.middlewares, mw)
}

// Names returns the published procedure names, sorted.
func (a *Agent) Names() []string {
	names := make([]string, 0, len(a.api))
	for n := range a.api {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewPeer produces an idle Peer bound to this agent's registry and dispatch
// chain. Use it directly when managing the handshake yourself; Connect wraps
// it with the timeout race.
func (a *Agent) NewPeer() *peer.Peer {
	return peer.New(peer.Config{
		Names: a.Names,
		Lookup: func(name string) (marshal.Func, bool) {
			fn, ok := a.api[name]
			return fn, ok
		},
		Handler: a.chain(),
		Logger:  a.log,
	})
}

// Connect produces a Peer on the given transport and waits for the
// handshake. The first of connect, error, or timeout decides the outcome;
// the losing listeners are detached.
func (a *Agent) Connect(t *transport.Transport) (*peer.Peer, error) {
	p := a.NewPeer()
	if err := a.await(p, t); err != nil {
		return nil, err
	}
	return p, nil
}

// Reconnect runs the same handshake race on an existing Peer, preserving its
// proxy table across the new bind.
func (a *Agent) Reconnect(p *peer.Peer, t *transport.Transport) error {
	return a.await(p, t)
}

func (a *Agent) await(p *peer.Peer, t *transport.Transport) error {
	connected := make(chan struct{}, 1)
	failed := make(chan error, 1)
	p.OnConnect(func() {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	p.OnError(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	// Transport loss during the handshake fails the race immediately rather
	// than letting the timer run out.
	p.OnDisconnect(func(err error) {
		if err == nil {
			err = transport.ErrDisconnect
		}
		select {
		case failed <- err:
		default:
		}
	})

	detach := func() {
		p.OnConnect(nil)
		p.OnError(nil)
		p.OnDisconnect(nil)
	}

	if err := p.Connect(t); err != nil {
		detach()
		return err
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case <-connected:
		detach()
		return nil
	case err := <-failed:
		detach()
		p.Disconnect(err)
		return fmt.Errorf("agent: connect failed: %w", err)
	case <-timer.C:
		detach()
		err := fmt.Errorf("agent: connect timed out after %s", a.timeout)
		p.Disconnect(err)
		return err
	}
}

// chain builds the dispatch handler once: middlewares in registration order
// around the terminal invoker.
func (a *Agent) chain() middleware.HandlerFunc {
	a.buildOnce.Do(func() {
		a.handler = middleware.Chain(a.middlewares...)(middleware.Terminal)
	})
	return a.handler
}
