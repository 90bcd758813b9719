package host

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ppiankov/hookwatch/internal/trampoline"
)

// Instance is a node of the host object graph.
type Instance struct {
	world *World
	id    string
	class string

	mu        sync.RWMutex
	name      string
	parent    *Instance
	children  []*Instance
	signals   map[string]*Signal
	callbacks map[string]*trampoline.Slot[Func]
	assigned  map[string]Func

	destroyed atomic.Bool
}

// DebugID is the host-assigned stable identity of the instance.
func (i *Instance) DebugID() string { return i.id }

// RefID implements the reference contract used by the channel serializer.
func (i *Instance) RefID() string { return i.id }

// ClassName returns the instance's class.
func (i *Instance) ClassName() string { return i.class }

// Name returns the instance name.
func (i *Instance) Name() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.name
}

// Parent returns the parent, or nil for detached instances and the root.
func (i *Instance) Parent() *Instance {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.parent
}

// Children returns a snapshot of the direct children.
func (i *Instance) Children() []*Instance {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]*Instance, len(i.children))
	copy(out, i.children)
	return out
}

// Destroyed reports whether Destroy has run.
func (i *Instance) Destroyed() bool { return i.destroyed.Load() }

// FullName returns the dotted path from the root. Detached instances render
// with a leading "nil".
func (i *Instance) FullName() string {
	var parts []string
	cur := i
	for cur != nil {
		parts = append(parts, cur.Name())
		next := cur.Parent()
		if next == nil && cur != cur.world.root {
			parts = append(parts, "nil")
		}
		cur = next
	}
	for l, r := 0, len(parts)-1; l < r; l, r = l+1, r-1 {
		parts[l], parts[r] = parts[r], parts[l]
	}
	return strings.Join(parts, ".")
}

func (i *Instance) String() string { return i.FullName() }

// SetParent moves the instance. A nil parent detaches it.
func (i *Instance) SetParent(p *Instance) {
	if old := i.Parent(); old != nil {
		old.removeChild(i)
	}
	i.mu.Lock()
	i.parent = p
	i.mu.Unlock()
	if p != nil {
		p.mu.Lock()
		p.children = append(p.children, i)
		p.mu.Unlock()
	}
}

func (i *Instance) removeChild(c *Instance) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx, ch := range i.children {
		if ch == c {
			i.children = append(i.children[:idx], i.children[idx+1:]...)
			return
		}
	}
}

// Destroy detaches the instance and its descendants and drops them from the
// world index. Held references stay valid Go values but report Destroyed.
func (i *Instance) Destroy() {
	for _, c := range i.Children() {
		c.Destroy()
	}
	i.SetParent(nil)
	i.destroyed.Store(true)
	i.world.forget(i)
}

// Signal returns the named event, creating it on first use.
func (i *Instance) Signal(name string) *Signal {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.signals == nil {
		i.signals = make(map[string]*Signal)
	}
	s, ok := i.signals[name]
	if !ok {
		s = newSignal(name, i.world)
		i.signals[name] = s
	}
	return s
}

// CallbackSlot returns the dispatch slot the host invokes for the named
// callback. Its base behaviour calls whatever SetCallback last assigned, so
// wrappers installed on the slot survive reassignment.
func (i *Instance) CallbackSlot(name string) *trampoline.Slot[Func] {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.callbacks == nil {
		i.callbacks = make(map[string]*trampoline.Slot[Func])
	}
	s, ok := i.callbacks[name]
	if !ok {
		s = trampoline.NewSlot[Func](fmt.Sprintf("%s.%s", i.id, name), func(c *Call) ([]any, error) {
			fn := i.assignedCallback(name)
			if fn == nil {
				return nil, fmt.Errorf("%s.%s: %w", i.class, name, ErrNoCallback)
			}
			return fn(c)
		})
		i.callbacks[name] = s
	}
	return s
}

// SetCallback assigns the script-level callback for name. nil clears it.
func (i *Instance) SetCallback(name string, fn Func) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.assigned == nil {
		i.assigned = make(map[string]Func)
	}
	if fn == nil {
		delete(i.assigned, name)
		return
	}
	i.assigned[name] = fn
}

func (i *Instance) assignedCallback(name string) Func {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.assigned[name]
}
