package record

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Options is the per-endpoint policy set from the presentation layer.
type Options struct {
	Excluded bool `json:"excluded" yaml:"excluded" cbor:"excluded"`
	Blocked  bool `json:"blocked" yaml:"blocked" cbor:"blocked"`
}

// OptionsRef is the live, shared options record for one endpoint id.
type OptionsRef struct {
	id       string
	excluded atomic.Bool
	blocked  atomic.Bool
}

// ID returns the endpoint id this record belongs to.
func (r *OptionsRef) ID() string { return r.id }

// Load returns a snapshot.
func (r *OptionsRef) Load() Options {
	return Options{Excluded: r.excluded.Load(), Blocked: r.blocked.Load()}
}

// Store replaces both flags.
func (r *OptionsRef) Store(o Options) {
	r.excluded.Store(o.Excluded)
	r.blocked.Store(o.Blocked)
}

// Excluded reports whether calls on this endpoint are left unlogged.
func (r *OptionsRef) Excluded() bool { return r.excluded.Load() }

// Blocked reports whether calls on this endpoint are dropped.
func (r *OptionsRef) Blocked() bool { return r.blocked.Load() }

// OptionsStore holds Options keyed by endpoint id. Ids rather than
// instances are used so records that crossed a context boundary still
// resolve. Entries live for the process lifetime.
type OptionsStore struct {
	mu   sync.RWMutex
	byID map[string]*OptionsRef
}

// NewOptionsStore creates an empty store.
func NewOptionsStore() *OptionsStore {
	return &OptionsStore{byID: make(map[string]*OptionsRef)}
}

// Get returns the record for id, creating it on first observation.
func (s *OptionsStore) Get(id string) *OptionsRef {
	s.mu.RLock()
	ref, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return ref
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ref, ok = s.byID[id]; ok {
		return ref
	}
	ref = &OptionsRef{id: id}
	s.byID[id] = ref
	return ref
}

// Peek returns the record for id without creating it.
func (s *OptionsStore) Peek(id string) (*OptionsRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.byID[id]
	return ref, ok
}

// Update sets the options for id.
func (s *OptionsStore) Update(id string, o Options) {
	s.Get(id).Store(o)
}

// All returns a snapshot of every known endpoint's options.
func (s *OptionsStore) All() map[string]Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Options, len(s.byID))
	for id, ref := range s.byID {
		out[id] = ref.Load()
	}
	return out
}

// Replace applies every entry of all. Ids missing from all keep their
// current options.
func (s *OptionsStore) Replace(all map[string]Options) {
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.Update(id, all[id])
	}
}
