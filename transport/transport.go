// Package transport implements the framed message channel over a duplex byte
// stream.
//
// A Transport owns its stream exclusively. One background goroutine reads
// bytes, feeds them through the frame parser and decodes each payload with
// the configured codec; a second goroutine drains the outbound queue. Reads
// must be sequential to parse frame boundaries and writes must be serialized
// so frames never interleave, which is why each direction gets exactly one
// goroutine.
//
// Four events are surfaced through a bound handler set: Message for each
// decoded inbound frame, Drain when the outbound queue empties after having
// signalled pressure, Error for non-fatal decode failures, and Disconnect —
// at most once, terminal — when either direction of the stream dies.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"mesh-rpc/codec"
	"mesh-rpc/frame"
)

// ErrDisconnect is the terminal error kind (EDISCONNECT): the underlying
// stream is gone and this Transport will never deliver another event.
var ErrDisconnect = errors.New("EDISCONNECT")

// defaultHighWater is the outbound queue depth at which Send starts asking
// callers to back off.
const defaultHighWater = 64

// Handlers is the event listener set for one Transport. Unset fields are
// skipped. Message and Error are invoked from the read goroutine, Drain from
// the write goroutine, and Disconnect from whichever goroutine hit the
// terminal condition: the reader, the writer, or the caller of Close.
type Handlers struct {
	Message    func(msg any)
	Drain      func()
	Error      func(err error)
	Disconnect func(err error)
}

// Transport frames, serializes and ships messages over one duplex stream.
type Transport struct {
	conn     io.ReadWriteCloser
	codec    codec.Codec
	log      *zap.Logger
	handlers atomic.Pointer[Handlers]

	mu        sync.Mutex
	queue     [][]byte // framed, ready-to-write buffers
	pressured bool
	closed    bool
	highWater int

	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// Option configures a Transport.
type Option func(*Transport)

// WithCodec selects the payload serializer. Both peers must agree.
func WithCodec(ct codec.CodecType) Option {
	return func(t *Transport) { t.codec = codec.GetCodec(ct) }
}

// WithLogger attaches a structured logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(t *Transport) { t.log = log }
}

// WithHighWater sets the outbound queue depth at which Send reports pressure.
func WithHighWater(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.highWater = n
		}
	}
}

// New wraps a duplex stream. The Transport takes ownership of conn and will
// close it on disconnect. Bind handlers, then call Start.
func New(conn io.ReadWriteCloser, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, errors.New("transport: nil stream")
	}
	t := &Transport{
		conn:      conn,
		codec:     codec.GetCodec(codec.CodecTypeCBOR),
		log:       zap.NewNop(),
		highWater: defaultHighWater,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.handlers.Store(&Handlers{})
	return t, nil
}

// Bind installs the event handler set, replacing any previous one.
func (t *Transport) Bind(h Handlers) {
	t.handlers.Store(&h)
}

// Detach removes all installed handlers. Events that fire afterwards are
// dropped.
func (t *Transport) Detach() {
	t.handlers.Store(&Handlers{})
}

// Start launches the read and write loops. Call once, after Bind.
func (t *Transport) Start() {
	go t.readLoop()
	go t.writeLoop()
}

// Send serializes msg, frames it, and queues it for writing. The bool result
// is the "safe to keep writing" signal: false means the outbound queue has
// reached its high-water mark and the caller should wait for Drain.
func (t *Transport) Send(msg any) (bool, error) {
	data, err := t.codec.Encode(msg)
	if err != nil {
		return false, fmt.Errorf("transport: encode message: %w", err)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(data)))
	copy(buf[4:], data)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false, fmt.Errorf("transport: send on dead stream: %w", ErrDisconnect)
	}
	t.queue = append(t.queue, buf)
	writable := len(t.queue) < t.highWater
	if !writable {
		t.pressured = true
	}
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	return writable, nil
}

// Close tears the Transport down. Idempotent; fires Disconnect once.
func (t *Transport) Close() {
	// A Disconnect handler may call Close from inside shutdown; the teardown
	// is already under way then, and re-entering closeOnce would deadlock.
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	t.shutdown(nil)
}

// readLoop is the single reader: stream bytes → frame parser → codec →
// Message. A payload that fails to decode produces an Error and is dropped;
// the stream continues. A read error is terminal.
func (t *Transport) readLoop() {
	parser := frame.New(func(payload []byte) {
		msg, err := t.codec.Decode(payload)
		if err != nil {
			t.log.Warn("dropping undecodable frame",
				zap.Int("size", len(payload)), zap.Error(err))
			t.emitError(fmt.Errorf("transport: decode frame: %w", err))
			return
		}
		if h := t.handlers.Load(); h.Message != nil {
			h.Message(msg)
		}
	})

	buf := make([]byte, 32*1024)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			parser.Push(buf[:n])
		}
		if err != nil {
			t.shutdown(err)
			return
		}
	}
}

// writeLoop is the single writer. It drains the queue in order and emits
// Drain when the queue empties after pressure was signalled.
func (t *Transport) writeLoop() {
	for {
		select {
		case <-t.wake:
		case <-t.done:
			return
		}

		for {
			t.mu.Lock()
			if t.closed {
				t.mu.Unlock()
				return
			}
			if len(t.queue) == 0 {
				drained := t.pressured
				t.pressured = false
				t.mu.Unlock()
				if drained {
					if h := t.handlers.Load(); h.Drain != nil {
						h.Drain()
					}
				}
				break
			}
			buf := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()

			if _, err := t.conn.Write(buf); err != nil {
				t.shutdown(err)
				return
			}
		}
	}
}

func (t *Transport) emitError(err error) {
	if h := t.handlers.Load(); h.Error != nil {
		h.Error(err)
	}
}

// shutdown is the single terminal path: mark closed, destroy the stream, and
// fire Disconnect exactly once. No Message or Drain is emitted afterwards.
func (t *Transport) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.queue = nil
		t.mu.Unlock()
		close(t.done)
		t.conn.Close()

		err := ErrDisconnect
		if cause != nil && cause != io.EOF {
			err = fmt.Errorf("%w: %v", ErrDisconnect, cause)
		}
		t.log.Debug("transport closed", zap.Error(err))
		if h := t.handlers.Load(); h.Disconnect != nil {
			h.Disconnect(err)
		}
	})
}
