package spoof

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ppiankov/hookwatch/internal/host"
)

// Delegate calls through to the intercepted original.
type Delegate func(args ...any) ([]any, error)

// ReturnSpec is either a fixed value list or a function of the original
// delegate and the call's arguments.
type ReturnSpec struct {
	Values []any
	Func   func(original Delegate, args []any) ([]any, error)
}

// Fixed returns a spec that always yields vals.
func Fixed(vals ...any) ReturnSpec {
	if vals == nil {
		vals = []any{}
	}
	return ReturnSpec{Values: vals}
}

// Computed returns a spec backed by fn.
func Computed(fn func(original Delegate, args []any) ([]any, error)) ReturnSpec {
	return ReturnSpec{Func: fn}
}

// Resolve produces the spoofed return values. A panicking function is
// reported as an error.
func (r ReturnSpec) Resolve(original Delegate, args []any) (out []any, err error) {
	if r.Func != nil {
		defer func() {
			if p := recover(); p != nil {
				out, err = nil, fmt.Errorf("spoof: panicked: %v", p)
			}
		}()
		return r.Func(original, args)
	}
	out = make([]any, len(r.Values))
	copy(out, r.Values)
	return out, nil
}

// Entry is one configured override.
type Entry struct {
	Method string
	Return ReturnSpec
}

// idPrefix marks registry keys that name an endpoint by debug id instead of
// by full path.
const idPrefix = "id:"

// ErrEmptyKey is returned for entries without an endpoint key.
var ErrEmptyKey = errors.New("spoof entry has no endpoint key")

// Registry maps endpoints to spoof entries. Each context owns its own
// registry; replacing it never touches another context's copy.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	source  string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// KeyFor returns the id-form key for inst.
func KeyFor(inst *host.Instance) string {
	return idPrefix + inst.DebugID()
}

// Set adds or replaces the entry for key. Keys are either a full path
// ("game.ReplicatedStorage.Shop") or "id:<debug id>".
func (r *Registry) Set(key string, e Entry) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrEmptyKey
	}
	r.mu.Lock()
	r.entries[key] = e
	r.mu.Unlock()
	return nil
}

// Replace swaps the whole entry set and remembers the source it came from.
func (r *Registry) Replace(entries map[string]Entry, source string) {
	cp := make(map[string]Entry, len(entries))
	for k, e := range entries {
		cp[k] = e
	}
	r.mu.Lock()
	r.entries = cp
	r.source = source
	r.mu.Unlock()
}

// Load compiles source and replaces the registry contents with the result.
// On error the current entries stay in place.
func (r *Registry) Load(source string) error {
	entries, err := Compile(source)
	if err != nil {
		return err
	}
	r.Replace(entries, source)
	return nil
}

// Source returns the source text of the last Load.
func (r *Registry) Source() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Keys returns the configured endpoint keys, sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// Get returns the entry stored under key.
func (r *Registry) Get(key string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[key]
	return e, ok
}

// Match returns the entry for inst when its method matches. The id key is
// checked before the path key.
func (r *Registry) Match(inst *host.Instance, method string) (Entry, bool) {
	if inst == nil {
		return Entry{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.entries) == 0 {
		return Entry{}, false
	}
	for _, key := range []string{KeyFor(inst), inst.FullName()} {
		if e, ok := r.entries[key]; ok && e.Method == method {
			return e, true
		}
	}
	return Entry{}, false
}

func (e Entry) String() string {
	kind := "fixed"
	if e.Return.Func != nil {
		kind = "function"
	}
	return fmt.Sprintf("%s (%s)", e.Method, kind)
}
