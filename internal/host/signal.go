package host

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Signal is a host event. Listeners run synchronously on Fire, in connection
// order. A panicking listener is logged and does not stop the others.
type Signal struct {
	name  string
	world *World
	mu    sync.RWMutex
	conns map[int]func(args []any)
	next  int
}

func newSignal(name string, w *World) *Signal {
	return &Signal{name: name, world: w, conns: make(map[int]func(args []any))}
}

// Name returns the signal name.
func (s *Signal) Name() string { return s.name }

// Connection is returned by Connect.
type Connection struct {
	sig *Signal
	id  int
}

// Disconnect removes the listener. Safe to call twice.
func (c *Connection) Disconnect() {
	c.sig.mu.Lock()
	delete(c.sig.conns, c.id)
	c.sig.mu.Unlock()
}

// Connect registers fn.
func (s *Signal) Connect(fn func(args []any)) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.conns[s.next] = fn
	return &Connection{sig: s, id: s.next}
}

// Listeners returns the number of connected listeners.
func (s *Signal) Listeners() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Fire delivers args to every listener.
func (s *Signal) Fire(args ...any) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]any), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.conns[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		s.deliver(fn, args)
	}
}

func (s *Signal) deliver(fn func([]any), args []any) {
	defer func() {
		if r := recover(); r != nil {
			s.world.Logger().Error("signal listener panicked",
				zap.String("signal", s.name),
				zap.Any("panic", r))
		}
	}()
	fn(args)
}
