package marshal

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Freeze converts a live value into its wire form.
//
// The traversal is pre-order and carries the path from the message root. Each
// container is recorded as seen before its children are visited, so a node
// that references itself is caught. Revisiting a container emits a
// back-reference to its first occurrence, which preserves both sharing and
// cycles. Every Func is passed to store and emitted as a handle escape.
//
// Identity tracking covers containers only: Go offers no reliable identity
// for funcs (distinct closures over one literal share a code pointer), so
// each Func occurrence gets its own handle.
func Freeze(v any, store func(Func) (uint32, error)) (any, error) {
	f := &freezer{
		store: store,
		seen:  make(map[ident][]any),
	}
	return f.walk(v, nil)
}

// ident keys the seen-table by container identity: the map header or the
// slice's backing array, tagged with the kind so a map and a slice that
// happen to share an address never collide.
type ident struct {
	kind reflect.Kind
	ptr  uintptr
}

type freezer struct {
	store func(Func) (uint32, error)
	seen  map[ident][]any
}

func (f *freezer) walk(node any, path []any) (any, error) {
	switch v := node.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil

	case Func:
		key, err := f.store(v)
		if err != nil {
			return nil, err
		}
		return map[string]any{escapeKey: int64(key)}, nil

	case []any:
		// Empty sequences cannot close a cycle and sharing them is not
		// observable, so only non-empty ones enter the seen-table.
		if len(v) > 0 {
			id := ident{reflect.Slice, reflect.ValueOf(v).Pointer()}
			if prev, ok := f.seen[id]; ok {
				return map[string]any{escapeKey: prev}, nil
			}
			f.seen[id] = snapshot(path)
		}
		out := make([]any, len(v))
		for i, child := range v {
			frozen, err := f.walk(child, append(path, i))
			if err != nil {
				return nil, err
			}
			out[i] = frozen
		}
		return out, nil

	case map[string]any:
		// Same reasoning as for sequences: empty mappings cannot close a
		// cycle, and a nil map has no identity to track.
		if len(v) > 0 {
			id := ident{reflect.Map, reflect.ValueOf(v).Pointer()}
			if prev, ok := f.seen[id]; ok {
				return map[string]any{escapeKey: prev}, nil
			}
			f.seen[id] = snapshot(path)
		}

		// Sorted key order makes the wire form, and therefore every recorded
		// back-reference, deterministic.
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := make(map[string]any, len(v))
		for _, k := range keys {
			frozen, err := f.walk(v[k], append(path, k))
			if err != nil {
				return nil, err
			}
			name := k
			if strings.HasPrefix(k, escapeKey) {
				name = escapeKey + k
			}
			out[name] = frozen
		}
		return out, nil

	default:
		return nil, fmt.Errorf("marshal: cannot freeze value of type %T", node)
	}
}

// snapshot copies a path so the seen-table survives the walk reusing the
// shared backing array of append. The copy is never nil: a back-reference to
// the message root is the empty sequence, and a nil slice would serialize as
// null instead of [].
func snapshot(path []any) []any {
	return append(make([]any, 0, len(path)), path...)
}
