// Package frame implements the length-prefix framing codec between raw byte
// chunks and discrete message payloads.
//
// Every frame on the wire is a 4-byte big-endian unsigned length N followed by
// exactly N payload bytes. The Framer is a pure push-style state machine: feed
// it byte chunks in arrival order and it calls back with each completed
// payload. It holds no I/O and no policy — a frame may span any number of
// chunks, and one chunk may carry any number of frames.
//
//	0        4
//	┌────────┬──────────────────┐
//	│ length │  payload ...     │
//	│ uint32 │  length bytes    │
//	└────────┴──────────────────┘
package frame

// Parser states. States 0–3 accumulate the four length bytes MSB first;
// state payload copies body bytes until the frame is complete.
const (
	stateLen0 = iota
	stateLen1
	stateLen2
	stateLen3
	statePayload
)

// Framer splits an incoming byte stream into length-prefixed frames.
// Not goroutine-safe: Push must be called from a single reader.
type Framer struct {
	onFrame func(payload []byte)

	state  int
	length uint32
	buf    []byte
	off    int
}

// New creates a Framer that delivers each completed payload to onFrame.
// The payload slice is freshly allocated per frame; onFrame may retain it.
func New(onFrame func(payload []byte)) *Framer {
	return &Framer{onFrame: onFrame}
}

// Push consumes one chunk of bytes from the stream. Completed frames are
// delivered to onFrame, in order, before Push returns. A partial frame is
// retained across calls. Any byte sequence is a valid prefix of some frame
// stream, so Push cannot fail; a truncated stream simply never completes its
// last frame — surfacing that is the transport's job.
func (f *Framer) Push(chunk []byte) {
	for len(chunk) > 0 {
		if f.state < statePayload {
			// Shift the next length byte in, MSB to LSB.
			f.length = f.length<<8 | uint32(chunk[0])
			chunk = chunk[1:]
			f.state++
			if f.state == statePayload {
				f.buf = make([]byte, f.length)
				f.off = 0
				// A zero-length frame completes immediately.
				f.emitIfDone()
			}
			continue
		}

		n := copy(f.buf[f.off:], chunk)
		f.off += n
		chunk = chunk[n:]
		f.emitIfDone()
	}
}

func (f *Framer) emitIfDone() {
	if f.state != statePayload || uint32(f.off) != f.length {
		return
	}
	payload := f.buf
	f.state = stateLen0
	f.length = 0
	f.buf = nil
	f.off = 0
	f.onFrame(payload)
}
