package value

import (
	"sync"
)

// Table is the host's associative container. It has pointer identity, so a
// table may contain itself or any ancestor. Integer keys 1..n form the
// sequence part, as with host argument lists.
type Table struct {
	mu       sync.RWMutex
	order    []any
	items    map[any]any
	version  uint64
	iterHook func()
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{items: make(map[any]any)}
}

// List returns a table holding vals at sequence keys 1..len(vals).
func List(vals ...any) *Table {
	t := NewTable()
	for i, v := range vals {
		t.Set(int64(i+1), v)
	}
	return t
}

// FromMap returns a table with the entries of m, keys in sorted order.
func FromMap(m map[string]any) *Table {
	t := NewTable()
	for _, k := range sortedKeys(m) {
		t.Set(k, m[k])
	}
	return t
}

// Set stores v under k. A nil v removes the key.
func (t *Table) Set(k, v any) {
	k = Normalize(k)
	if k == nil || !isComparable(k) {
		return
	}
	v = Normalize(v)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.items == nil {
		t.items = make(map[any]any)
	}

	_, exists := t.items[k]
	switch {
	case v == nil && !exists:
		return
	case v == nil:
		delete(t.items, k)
		for i, ok := range t.order {
			if ok == k {
				t.order = append(t.order[:i], t.order[i+1:]...)
				break
			}
		}
	default:
		if !exists {
			t.order = append(t.order, k)
		}
		t.items[k] = v
	}
	t.version++
}

// Get returns the value stored under k, or nil.
func (t *Table) Get(k any) any {
	k = Normalize(k)
	if !isComparable(k) {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.items[k]
}

// Append stores v at the next sequence key.
func (t *Table) Append(v any) {
	t.Set(int64(t.Len()+1), v)
}

// Len returns the length of the sequence part (1..n without gaps).
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for {
		if _, ok := t.items[int64(n+1)]; !ok {
			return n
		}
		n++
	}
}

// Count returns the total number of keys.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.items)
}

// Version increases on every mutation.
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// SetIterationHook installs fn to be called each time Range starts.
func (t *Table) SetIterationHook(fn func()) {
	t.mu.Lock()
	t.iterHook = fn
	t.mu.Unlock()
}

// Range calls fn for each entry in insertion order until fn returns false.
// The entries are snapshotted first, so fn may mutate the table.
func (t *Table) Range(fn func(k, v any) bool) {
	t.mu.RLock()
	hook := t.iterHook
	keys := make([]any, len(t.order))
	copy(keys, t.order)
	vals := make([]any, len(keys))
	for i, k := range keys {
		vals[i] = t.items[k]
	}
	t.mu.RUnlock()

	if hook != nil {
		hook()
	}
	for i, k := range keys {
		if !fn(k, vals[i]) {
			return
		}
	}
}

// Slice returns the sequence part as a Go slice.
func (t *Table) Slice() []any {
	n := t.Len()
	out := make([]any, n)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := 0; i < n; i++ {
		out[i] = t.items[int64(i+1)]
	}
	return out
}
