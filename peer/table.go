package peer

import (
	"sync/atomic"

	"mesh-rpc/marshal"
)

// storedFunc is one callback table entry. take guards single-shot delivery:
// whichever of remote dispatch and disconnect flush gets there first runs
// the procedure, the other becomes a no-op.
type storedFunc struct {
	fn   marshal.Func
	used atomic.Bool
}

func (s *storedFunc) take() bool {
	return s.used.CompareAndSwap(false, true)
}

// storeFunc registers a procedure in the callback table and returns its wire
// key. Allocation starts at nextKey and scans forward with unsigned 32-bit
// wraparound past occupied slots; a full table is fatal.
func (p *Peer) storeFunc(fn marshal.Func) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.callbacks == nil {
		return 0, ErrNotConnected
	}
	if !p.hasNext {
		p.nextKey = 1
		p.hasNext = true
	}

	key := p.nextKey
	for {
		if _, occupied := p.callbacks[key]; !occupied {
			break
		}
		key++
		if key == p.nextKey {
			return 0, ErrKeySpaceExhausted
		}
	}

	p.callbacks[key] = &storedFunc{fn: fn}
	p.nextKey = key + 1
	return key, nil
}

// takeCallback consumes a stored callback: the entry is removed and nextKey
// rewinds to the freed key so the next allocation reuses the slot. A key
// that is absent, or whose entry was already taken, resolves to nothing —
// the wire key is stale.
func (p *Peer) takeCallback(key uint32) (marshal.Func, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.callbacks[key]
	if !ok {
		return nil, false
	}
	delete(p.callbacks, key)
	p.nextKey = key
	p.hasNext = true

	if !entry.take() {
		return nil, false
	}
	return entry.fn, true
}

// pendingCallbacks reports the number of live table entries.
func (p *Peer) pendingCallbacks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.callbacks)
}
