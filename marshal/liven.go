package marshal

import (
	"fmt"
	"strings"
)

// Liven reconstructs a live value from its wire form.
//
// Containers are created empty and assigned into their parent slot before
// their children are filled. Back-references are not chased inline: map
// iteration order is arbitrary, so the target of a back-reference may not
// exist yet when the reference is met. Each one is recorded as a fixup and
// patched once the whole tree is built; at that point every first-occurrence
// path resolves, because a prefix of a first-occurrence path is itself a
// first occurrence.
//
// Handle escapes resolve through get, which returns the proxy Func for a
// remote handle key.
func Liven(w any, get func(key uint32) Func) (any, error) {
	l := &livener{get: get}

	var root any
	if err := l.walk(w, func(v any) { root = v }); err != nil {
		return nil, err
	}

	for _, fx := range l.fixups {
		target, err := resolvePath(root, fx.path)
		if err != nil {
			return nil, err
		}
		fx.set(target)
	}
	return root, nil
}

type fixup struct {
	set  func(any)
	path []any
}

type livener struct {
	get    func(key uint32) Func
	fixups []fixup
}

func (l *livener) walk(node any, set func(any)) error {
	switch v := node.(type) {
	case map[string]any:
		if esc, ok := v[escapeKey]; ok && len(v) == 1 {
			return l.escape(esc, set)
		}

		m := make(map[string]any, len(v))
		set(m)
		for k, child := range v {
			name := k
			if strings.HasPrefix(k, escapeKey) {
				name = k[1:]
			}
			if err := l.walk(child, func(val any) { m[name] = val }); err != nil {
				return err
			}
		}
		return nil

	case []any:
		s := make([]any, len(v))
		set(s)
		for i, child := range v {
			if err := l.walk(child, func(val any) { s[i] = val }); err != nil {
				return err
			}
		}
		return nil

	default:
		set(v)
		return nil
	}
}

// escape resolves the {"$": ...} forms: a sequence value is a back-reference
// path, an integer value is a procedure handle.
func (l *livener) escape(esc any, set func(any)) error {
	if path, ok := esc.([]any); ok {
		l.fixups = append(l.fixups, fixup{set: set, path: path})
		return nil
	}
	if key, ok := AsInt(esc); ok && key >= 0 && key <= 0xffffffff {
		set(l.get(uint32(key)))
		return nil
	}
	return fmt.Errorf("marshal: invalid escape value %v", esc)
}

// resolvePath walks from the message root along a back-reference path.
// String components index mappings, integer components index sequences.
func resolvePath(root any, path []any) (any, error) {
	cur := root
	for _, comp := range path {
		switch k := comp.(type) {
		case string:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("marshal: back-reference key %q into non-mapping %T", k, cur)
			}
			cur = m[k]
		default:
			idx, ok := AsInt(comp)
			if !ok {
				return nil, fmt.Errorf("marshal: invalid back-reference component %v", comp)
			}
			s, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("marshal: back-reference index %d into non-sequence %T", idx, cur)
			}
			if idx < 0 || idx >= int64(len(s)) {
				return nil, fmt.Errorf("marshal: back-reference index %d out of range", idx)
			}
			cur = s[idx]
		}
	}
	return cur, nil
}
