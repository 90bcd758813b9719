package value

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Normalize maps Go numeric types onto the two host number shapes (int64
// and float64). Integral floats stay floats. NaN becomes nil, since it can
// neither be a key nor compare equal to itself.
func Normalize(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float32:
		return Normalize(float64(n))
	case float64:
		if math.IsNaN(n) {
			return nil
		}
		return n
	}
	return v
}

// NormalizeAll normalizes every element of vals in place and returns it.
func NormalizeAll(vals []any) []any {
	for i, v := range vals {
		vals[i] = Normalize(v)
	}
	return vals
}

// Clone deep-copies v. Tables are copied with their cycles preserved; any
// other value is returned as is.
func Clone(v any) any {
	return clone(v, make(map[*Table]*Table))
}

// CloneAll deep-copies each element of vals into a new slice, sharing one
// identity map so tables referenced from several arguments stay shared.
func CloneAll(vals []any) []any {
	if vals == nil {
		return nil
	}
	seen := make(map[*Table]*Table)
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = clone(v, seen)
	}
	return out
}

func clone(v any, seen map[*Table]*Table) any {
	t, ok := v.(*Table)
	if !ok || t == nil {
		return v
	}
	if c, ok := seen[t]; ok {
		return c
	}
	c := NewTable()
	seen[t] = c
	t.Range(func(k, val any) bool {
		c.Set(clone(k, seen), clone(val, seen))
		return true
	})
	return c
}

// Equal reports structural equality. Tables compare by contents; cycles are
// handled by assuming a pair already under comparison is equal.
func Equal(a, b any) bool {
	return equal(Normalize(a), Normalize(b), make(map[[2]*Table]bool))
}

func equal(a, b any, visiting map[[2]*Table]bool) bool {
	ta, aok := a.(*Table)
	tb, bok := b.(*Table)
	if aok != bok {
		return false
	}
	if !aok {
		return isComparable(a) && isComparable(b) && a == b
	}
	if ta == tb {
		return true
	}
	if ta == nil || tb == nil {
		return false
	}
	pair := [2]*Table{ta, tb}
	if visiting[pair] {
		return true
	}
	visiting[pair] = true

	if ta.Count() != tb.Count() {
		return false
	}
	same := true
	ta.Range(func(k, va any) bool {
		var vb any
		if kt, isTable := k.(*Table); isTable {
			// table keys match by identity only
			vb = tb.Get(kt)
		} else {
			vb = tb.Get(k)
		}
		if vb == nil || !equal(va, vb, visiting) {
			same = false
		}
		return same
	})
	return same
}

// Format renders v as host-style source text. Tables already being rendered
// print as a cycle marker.
func Format(v any) string {
	var b strings.Builder
	format(&b, v, make(map[*Table]bool), 0)
	return b.String()
}

func format(b *strings.Builder, v any, active map[*Table]bool, depth int) {
	switch x := v.(type) {
	case nil:
		b.WriteString("nil")
	case string:
		b.WriteString(strconv.Quote(x))
	case bool:
		b.WriteString(strconv.FormatBool(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
	case *Table:
		if active[x] {
			b.WriteString("{--[[cycle]]}")
			return
		}
		active[x] = true
		defer delete(active, x)

		if x.Count() == 0 {
			b.WriteString("{}")
			return
		}
		indent := strings.Repeat("    ", depth+1)
		b.WriteString("{\n")
		seq := x.Len()
		x.Range(func(k, val any) bool {
			b.WriteString(indent)
			if n, ok := k.(int64); !ok || n < 1 || int(n) > seq {
				b.WriteString("[")
				format(b, k, active, depth+1)
				b.WriteString("] = ")
			}
			format(b, val, active, depth+1)
			b.WriteString(",\n")
			return true
		})
		b.WriteString(strings.Repeat("    ", depth))
		b.WriteString("}")
	case fmt.Stringer:
		b.WriteString(x.String())
	default:
		fmt.Fprintf(b, "%v", x)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isComparable(v any) bool {
	return v == nil || reflect.TypeOf(v).Comparable()
}
