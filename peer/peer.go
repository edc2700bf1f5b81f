// Package peer implements the local view of a remote agent: the handshake,
// the callback handle table, the proxy set for the far side's published
// procedures, and the inbound dispatch loop.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mesh-rpc/marshal"
	"mesh-rpc/middleware"
	"mesh-rpc/transport"
)

var (
	// ErrNotConnected (ENOTCONNECTED) reports an operation on a peer that is
	// not Live: a proxy invoked before the handshake finished or after the
	// transport died.
	ErrNotConnected = errors.New("ENOTCONNECTED")

	// ErrKeySpaceExhausted is fatal: all 2^32 callback keys are live.
	ErrKeySpaceExhausted = errors.New("peer: ran out of callback keys")

	// ErrProtocol tags violations by the far side: malformed messages,
	// unknown dispatch identifiers, non-procedure callables.
	ErrProtocol = errors.New("peer: protocol violation")
)

// readyName is the reserved handshake dispatch identifier.
const readyName = "ready"

// State is the peer lifecycle state.
type State int

const (
	Idle         State = iota // no transport bound
	Connecting                // transport bound, awaiting the ready reply
	Live                      // proxies installed, calls may flow
	Disconnected              // terminal for this bind; Connect may run again
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Live:
		return "live"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Config wires a Peer to its local agent's registry and dispatch chain.
type Config struct {
	// Names returns the published procedure names, in the order the ready
	// reply should carry them.
	Names func() []string
	// Lookup resolves a published name to its procedure.
	Lookup func(name string) (marshal.Func, bool)
	// Handler runs every resolved inbound invocation. Defaults to
	// middleware.Terminal.
	Handler middleware.HandlerFunc
	Logger  *zap.Logger
}

// Peer is the local endpoint of one protocol session. All table state is
// guarded by mu; application procedures are always invoked outside it.
type Peer struct {
	names   func() []string
	lookup  func(name string) (marshal.Func, bool)
	handler middleware.HandlerFunc
	log     *zap.Logger

	mu        sync.Mutex
	state     State
	tr        *transport.Transport
	callbacks map[uint32]*storedFunc
	nextKey   uint32
	hasNext   bool
	proxies   map[string]marshal.Func

	hmu          sync.Mutex
	onConnect    func()
	onDisconnect func(err error)
	onError      func(err error)
	onDrain      func()
}

// New creates an idle Peer. The proxy table lives for the Peer's whole
// lifetime and is only ever added to, so application references to proxies
// stay valid across reconnects.
func New(cfg Config) *Peer {
	p := &Peer{
		names:   cfg.Names,
		lookup:  cfg.Lookup,
		handler: cfg.Handler,
		log:     cfg.Logger,
		proxies: make(map[string]marshal.Func),
	}
	if p.names == nil {
		p.names = func() []string { return nil }
	}
	if p.lookup == nil {
		p.lookup = func(string) (marshal.Func, bool) { return nil, false }
	}
	if p.handler == nil {
		p.handler = middleware.Terminal
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// OnConnect sets the handler fired once the ready reply has been processed
// and proxies installed.
func (p *Peer) OnConnect(fn func()) {
	p.hmu.Lock()
	p.onConnect = fn
	p.hmu.Unlock()
}

// OnDisconnect sets the handler fired once upon terminal loss of the
// transport. The error may be nil for a deliberate local disconnect.
func (p *Peer) OnDisconnect(fn func(err error)) {
	p.hmu.Lock()
	p.onDisconnect = fn
	p.hmu.Unlock()
}

// OnError sets the handler for protocol violations and send failures.
func (p *Peer) OnError(fn func(err error)) {
	p.hmu.Lock()
	p.onError = fn
	p.hmu.Unlock()
}

// OnDrain sets the handler forwarded from the transport's drain signal.
func (p *Peer) OnDrain(fn func()) {
	p.hmu.Lock()
	p.onDrain = fn
	p.hmu.Unlock()
}

// Connect binds a fresh transport, resets the callback table, and sends the
// handshake. Legal from Idle or Disconnected. The peer becomes Live — and
// fires the connect event — when the far side answers the handshake.
func (p *Peer) Connect(t *transport.Transport) error {
	p.mu.Lock()
	if p.state == Connecting || p.state == Live {
		p.mu.Unlock()
		return fmt.Errorf("peer: connect while %s", p.state)
	}
	p.tr = t
	p.state = Connecting
	p.callbacks = make(map[uint32]*storedFunc)
	p.nextKey = 1
	p.hasNext = true
	p.mu.Unlock()

	t.Bind(transport.Handlers{
		Message:    p.handleMessage,
		Drain:      p.emitDrain,
		Error:      p.emitError,
		Disconnect: func(err error) { p.Disconnect(err) },
	})
	t.Start()

	_, err := p.Send([]any{readyName, marshal.Func(p.receiveNames)})
	if err != nil {
		return fmt.Errorf("peer: handshake: %w", err)
	}
	return nil
}

// Send freezes msg and ships it over the bound transport. The bool result is
// the transport's "safe to keep writing" signal.
func (p *Peer) Send(msg []any) (bool, error) {
	p.mu.Lock()
	tr := p.tr
	p.mu.Unlock()
	if tr == nil {
		return false, ErrNotConnected
	}

	wire, err := marshal.Freeze(msg, p.storeFunc)
	if err != nil {
		return false, err
	}
	return tr.Send(wire)
}

// Disconnect tears down the current bind. Idempotent: with no transport
// bound it only emits an error event. Every outstanding callback is invoked
// exactly once with cause (or EDISCONNECT) before the disconnect event fires.
// The proxy table survives; the callback table does not.
func (p *Peer) Disconnect(cause error) {
	p.mu.Lock()
	tr := p.tr
	if tr == nil {
		p.mu.Unlock()
		if cause == nil {
			cause = ErrNotConnected
		}
		p.emitError(cause)
		return
	}
	p.tr = nil
	pending := p.callbacks
	p.callbacks = nil
	p.nextKey = 0
	p.hasNext = false
	p.state = Disconnected
	p.mu.Unlock()

	tr.Detach()
	tr.Close()

	flushErr := cause
	if flushErr == nil {
		flushErr = transport.ErrDisconnect
	}
	for _, entry := range pending {
		if entry.take() {
			entry.fn(flushErr)
		}
	}
	p.log.Debug("peer disconnected",
		zap.Int("flushed", len(pending)), zap.Error(cause))

	p.hmu.Lock()
	fn := p.onDisconnect
	p.hmu.Unlock()
	if fn != nil {
		fn(cause)
	}
}

// API returns the proxy set installed so far: one procedure per published
// remote name. The same proxy value is returned for a name for the life of
// the Peer.
func (p *Peer) API() map[string]marshal.Func {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]marshal.Func, len(p.proxies))
	for name, fn := range p.proxies {
		out[name] = fn
	}
	return out
}

// Proxy returns the proxy for one published remote name.
func (p *Peer) Proxy(name string) (marshal.Func, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn, ok := p.proxies[name]
	return fn, ok
}

func (p *Peer) emitConnect() {
	p.hmu.Lock()
	fn := p.onConnect
	p.hmu.Unlock()
	if fn != nil {
		fn()
	}
}

func (p *Peer) emitError(err error) {
	p.log.Warn("peer error", zap.Error(err))
	p.hmu.Lock()
	fn := p.onError
	p.hmu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (p *Peer) emitDrain() {
	p.hmu.Lock()
	fn := p.onDrain
	p.hmu.Unlock()
	if fn != nil {
		fn()
	}
}

// handleMessage is the inbound dispatcher, driven by the transport's read
// goroutine. The dispatch identifier is a tagged variant: the reserved
// "ready" string, a published procedure name, or a callback handle.
func (p *Peer) handleMessage(msg any) {
	seq, ok := msg.([]any)
	if !ok || len(seq) == 0 {
		p.emitError(fmt.Errorf("%w: message is not a non-empty sequence", ErrProtocol))
		return
	}

	live, err := marshal.Liven(seq, p.remoteProxy)
	if err != nil {
		p.emitError(fmt.Errorf("%w: %v", ErrProtocol, err))
		return
	}
	seq = live.([]any)
	id, args := seq[0], seq[1:]

	var call *middleware.Call
	switch {
	case id == readyName:
		call = middleware.NewCall(middleware.KindReady, readyName, 0, args, p.readyProc)

	default:
		if name, ok := id.(string); ok {
			fn, found := p.lookup(name)
			if !found {
				p.emitError(fmt.Errorf("%w: unknown procedure %q", ErrProtocol, name))
				return
			}
			call = middleware.NewCall(middleware.KindProc, name, 0, args, fn)
			break
		}
		if key, ok := marshal.AsInt(id); ok && key >= 0 {
			fn, found := p.takeCallback(uint32(key))
			if !found {
				p.emitError(fmt.Errorf("%w: unknown callback key %d", ErrProtocol, key))
				return
			}
			call = middleware.NewCall(middleware.KindCallback, "", uint32(key), args, fn)
			break
		}
		p.emitError(fmt.Errorf("%w: bad dispatch identifier %v (%T)", ErrProtocol, id, id))
		return
	}

	if err := p.handler(context.Background(), call); err != nil {
		p.emitError(err)
	}
}

// readyProc answers the far side's handshake: its single argument is a proxy
// for their name-receiving callback, invoked with our published names.
func (p *Peer) readyProc(args ...any) {
	if len(args) == 0 {
		p.emitError(fmt.Errorf("%w: ready without a reply callback", ErrProtocol))
		return
	}
	cb, ok := args[0].(marshal.Func)
	if !ok {
		p.emitError(fmt.Errorf("%w: ready argument is %T, not a procedure", ErrProtocol, args[0]))
		return
	}

	names := p.names()
	list := make([]any, len(names))
	for i, n := range names {
		list[i] = n
	}
	cb(list)
}

// receiveNames is our half of the handshake: the far side invokes it with
// the sequence of its published names. Proxies are installed additively —
// a name already present keeps its existing proxy — then the peer goes Live.
func (p *Peer) receiveNames(args ...any) {
	if len(args) == 0 {
		p.emitError(fmt.Errorf("%w: ready reply without a name list", ErrProtocol))
		return
	}
	list, ok := args[0].([]any)
	if !ok {
		p.emitError(fmt.Errorf("%w: ready reply is %T, not a sequence", ErrProtocol, args[0]))
		return
	}

	p.mu.Lock()
	for _, item := range list {
		name, ok := item.(string)
		if !ok {
			continue
		}
		if _, exists := p.proxies[name]; !exists {
			p.proxies[name] = p.makeProxy(name)
		}
	}
	p.state = Live
	p.mu.Unlock()

	p.log.Debug("peer live", zap.Int("proxies", len(list)))
	p.emitConnect()
}

// makeProxy builds the local procedure for a published remote name. Invoked
// while the peer is not Live, it fails the trailing callback argument with
// ENOTCONNECTED (or drops the call silently if there is none).
func (p *Peer) makeProxy(name string) marshal.Func {
	return func(args ...any) {
		p.mu.Lock()
		live := p.state == Live
		p.mu.Unlock()
		if !live {
			p.failLastCallback(args)
			return
		}
		if _, err := p.Send(append([]any{name}, args...)); err != nil {
			p.emitError(err)
		}
	}
}

// remoteProxy builds the invocation adapter for a far-side callback handle.
// Handles may fire during the handshake itself — the ready reply is exactly
// that — so Connecting counts as sendable here.
func (p *Peer) remoteProxy(key uint32) marshal.Func {
	return func(args ...any) {
		p.mu.Lock()
		sendable := p.state == Live || p.state == Connecting
		p.mu.Unlock()
		if !sendable {
			p.failLastCallback(args)
			return
		}
		if _, err := p.Send(append([]any{key}, args...)); err != nil {
			p.emitError(err)
		}
	}
}

func (p *Peer) failLastCallback(args []any) {
	if len(args) == 0 {
		return
	}
	if cb, ok := args[len(args)-1].(marshal.Func); ok {
		cb(ErrNotConnected)
	}
}
