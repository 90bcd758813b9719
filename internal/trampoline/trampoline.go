package trampoline

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
)

// ErrReadOnly is returned when the host forbids replacing the slot's target.
var ErrReadOnly = errors.New("target is read-only")

// ErrNilWrapper is returned when the wrapper (or what it produced) is nil.
var ErrNilWrapper = errors.New("wrapper is nil")

// Error reports a failed installation on a named slot.
type Error struct {
	Slot string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("trampoline %s: %v", e.Slot, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// layer is one installed callable. prev links to the callable it replaced.
type layer[F any] struct {
	fn   F
	prev *layer[F]
}

// Slot holds the effective callable for one host target. Every public call
// path loads the current layer, so an install takes effect for all future
// invocations.
type Slot[F any] struct {
	name     string
	cur      atomic.Pointer[layer[F]]
	readOnly atomic.Bool
	installs atomic.Int32
}

// NewSlot creates a slot whose true original is fn.
func NewSlot[F any](name string, fn F) *Slot[F] {
	s := &Slot[F]{name: name}
	s.cur.Store(&layer[F]{fn: fn})
	return s
}

// Name returns the slot name used in errors and logs.
func (s *Slot[F]) Name() string { return s.name }

// Load returns the effective callable.
func (s *Slot[F]) Load() F { return s.cur.Load().fn }

// Store replaces the effective callable outright, dropping every installed
// layer. Hosts use it for plain property assignment; hooks that must survive
// assignment use Install on a slot the host routes assignment through.
func (s *Slot[F]) Store(fn F) {
	s.cur.Store(&layer[F]{fn: fn})
}

// Freeze marks the slot read-only. Further installs fail with ErrReadOnly.
func (s *Slot[F]) Freeze() { s.readOnly.Store(true) }

// ReadOnly reports whether the slot rejects installs.
func (s *Slot[F]) ReadOnly() bool { return s.readOnly.Load() }

// Installs returns how many wrappers have been layered onto the slot.
func (s *Slot[F]) Installs() int { return int(s.installs.Load()) }

// Install makes wrap(original) the effective callable and returns original,
// the callable that was effective immediately before. Repeated installs layer
// on top of each other; Original always reaches the bottom of the chain.
// There is no uninstall.
func Install[F any](s *Slot[F], wrap func(original F) F) (F, error) {
	var zero F
	if s == nil {
		return zero, &Error{Slot: "<nil>", Err: ErrNilWrapper}
	}
	if wrap == nil {
		return zero, &Error{Slot: s.name, Err: ErrNilWrapper}
	}
	if s.readOnly.Load() {
		return zero, &Error{Slot: s.name, Err: ErrReadOnly}
	}

	for {
		prev := s.cur.Load()
		next := wrap(prev.fn)
		if isNil(next) {
			return zero, &Error{Slot: s.name, Err: ErrNilWrapper}
		}
		if s.cur.CompareAndSwap(prev, &layer[F]{fn: next, prev: prev}) {
			s.installs.Add(1)
			return prev.fn, nil
		}
		// lost a race with another installer: wrap the new current instead
	}
}

// Original returns the callable the slot held before any install.
func Original[F any](s *Slot[F]) F {
	l := s.cur.Load()
	for l.prev != nil {
		l = l.prev
	}
	return l.fn
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
