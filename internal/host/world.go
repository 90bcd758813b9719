package host

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// World is the live object graph. It is shared by every VM; VMs differ only
// in their dispatch slots.
type World struct {
	root   *Instance
	nextID atomic.Uint64
	logger atomic.Pointer[zap.Logger]

	mu        sync.RWMutex
	instances map[string]*Instance
	added     map[int]func(*Instance)
	nextHook  int
	server    ServerHandler
	natives   map[string]map[string]Func
}

// NewWorld creates a world with a root instance named "game".
func NewWorld() *World {
	w := &World{
		instances: make(map[string]*Instance),
		added:     make(map[int]func(*Instance)),
		natives:   defaultNatives(),
	}
	w.logger.Store(zap.NewNop())
	w.root = w.newInstance("DataModel", "game")
	return w
}

// SetLogger sets where host-side failures, such as panicking signal
// listeners, are reported. nil restores the no-op logger.
func (w *World) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	w.logger.Store(l)
}

// Logger returns the world's logger.
func (w *World) Logger() *zap.Logger { return w.logger.Load() }

// Root returns the root instance.
func (w *World) Root() *Instance { return w.root }

func (w *World) newInstance(class, name string) *Instance {
	id := fmt.Sprintf("%d", w.nextID.Add(1))
	inst := &Instance{world: w, id: id, class: class, name: name}
	w.mu.Lock()
	w.instances[id] = inst
	w.mu.Unlock()
	return inst
}

// New creates an instance under parent (nil leaves it detached) and
// notifies OnInstanceAdded listeners.
func (w *World) New(class, name string, parent *Instance) *Instance {
	inst := w.newInstance(class, name)
	if parent != nil {
		inst.SetParent(parent)
	}

	w.mu.RLock()
	hooks := make([]func(*Instance), 0, len(w.added))
	for _, fn := range w.added {
		hooks = append(hooks, fn)
	}
	w.mu.RUnlock()
	for _, fn := range hooks {
		fn(inst)
	}
	return inst
}

// Find returns the live instance with the given debug id.
func (w *World) Find(debugID string) *Instance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instances[debugID]
}

func (w *World) forget(inst *Instance) {
	w.mu.Lock()
	delete(w.instances, inst.id)
	w.mu.Unlock()
}

// Descendants walks the graph below the root.
func (w *World) Descendants() []*Instance {
	var out []*Instance
	var walk func(*Instance)
	walk = func(i *Instance) {
		for _, c := range i.Children() {
			out = append(out, c)
			walk(c)
		}
	}
	walk(w.root)
	return out
}

// Detached returns live instances that have no parent and are not the root.
func (w *World) Detached() []*Instance {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []*Instance
	for _, inst := range w.instances {
		if inst != w.root && inst.Parent() == nil && !inst.Destroyed() {
			out = append(out, inst)
		}
	}
	return out
}

// OnInstanceAdded subscribes fn to instance creation. The returned func
// unsubscribes.
func (w *World) OnInstanceAdded(fn func(*Instance)) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextHook++
	id := w.nextHook
	w.added[id] = fn
	return func() {
		w.mu.Lock()
		delete(w.added, id)
		w.mu.Unlock()
	}
}

// SetServer installs the far side of the boundary.
func (w *World) SetServer(h ServerHandler) {
	w.mu.Lock()
	w.server = h
	w.mu.Unlock()
}

func (w *World) serverHandler() ServerHandler {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.server
}

// FireClient delivers a fire-style inbound call to inst.
func (w *World) FireClient(inst *Instance, args ...any) {
	inst.Signal("OnClientEvent").Fire(args...)
}

// InvokeClient delivers an invoke-style inbound call to inst and returns the
// callback's result.
func (w *World) InvokeClient(inst *Instance, args ...any) ([]any, error) {
	return inst.CallbackSlot("OnClientInvoke").Load()(&Call{
		Self:   inst,
		Method: "OnClientInvoke",
		Args:   args,
	})
}

// Native returns the built-in implementation of class.method.
func (w *World) Native(class, method string) (Func, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if fn, ok := w.natives[class][method]; ok {
		return fn, true
	}
	fn, ok := w.natives["*"][method]
	return fn, ok
}

// DefineNative adds or replaces a built-in method. Used to extend the host
// with extra endpoint classes.
func (w *World) DefineNative(class, method string, fn Func) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.natives[class] == nil {
		w.natives[class] = make(map[string]Func)
	}
	w.natives[class][method] = fn
}
