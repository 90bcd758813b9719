package host

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ppiankov/hookwatch/internal/trampoline"
)

// Primitive names a VM exposes.
const (
	PrimitiveTraceback = "traceback"
	PrimitiveGetEnv    = "getenv"
)

// VM is one execution context. It owns its dispatch slots; the object graph
// belongs to the World.
type VM struct {
	name  string
	world *World
	env   *Env

	namecall   *trampoline.Slot[Func]
	primitives map[string]*trampoline.Slot[Func]

	mu       sync.Mutex
	methods  map[string]*trampoline.Slot[Func]
	readOnly map[string]bool
}

type vmConfig struct {
	noNamecall bool
	missing    map[string]bool
	readOnly   map[string]bool
}

// VMOption configures NewVM.
type VMOption func(*vmConfig)

// WithoutNamecall builds a VM whose generic dispatch point is unavailable.
func WithoutNamecall() VMOption {
	return func(c *vmConfig) { c.noNamecall = true }
}

// WithoutPrimitive omits a primitive (e.g. PrimitiveGetEnv).
func WithoutPrimitive(name string) VMOption {
	return func(c *vmConfig) { c.missing[name] = true }
}

// WithReadOnly freezes the named slot ("Class.Method", "namecall" or a
// primitive name) so installs on it fail.
func WithReadOnly(slot string) VMOption {
	return func(c *vmConfig) { c.readOnly[slot] = true }
}

// NewVM creates an execution context attached to w.
func (w *World) NewVM(name string, opts ...VMOption) *VM {
	cfg := vmConfig{missing: make(map[string]bool), readOnly: make(map[string]bool)}
	for _, o := range opts {
		o(&cfg)
	}

	vm := &VM{
		name:       name,
		world:      w,
		env:        &Env{Name: name},
		primitives: make(map[string]*trampoline.Slot[Func]),
		methods:    make(map[string]*trampoline.Slot[Func]),
		readOnly:   cfg.readOnly,
	}

	if !cfg.noNamecall {
		vm.namecall = trampoline.NewSlot[Func](name+".namecall", vm.nativeNamecall)
		if cfg.readOnly["namecall"] {
			vm.namecall.Freeze()
		}
	}

	prims := map[string]Func{
		PrimitiveTraceback: traceback,
		PrimitiveGetEnv:    getEnv,
	}
	for pname, fn := range prims {
		if cfg.missing[pname] {
			continue
		}
		s := trampoline.NewSlot[Func](name+"."+pname, fn)
		if cfg.readOnly[pname] {
			s.Freeze()
		}
		vm.primitives[pname] = s
	}
	return vm
}

// Name returns the VM name.
func (vm *VM) Name() string { return vm.name }

// World returns the shared object graph.
func (vm *VM) World() *World { return vm.world }

// Env returns the VM's default script environment.
func (vm *VM) Env() *Env { return vm.env }

// Namecall returns the generic outbound dispatch slot.
func (vm *VM) Namecall() (*trampoline.Slot[Func], error) {
	if vm.namecall == nil {
		return nil, fmt.Errorf("%s: namecall: %w", vm.name, ErrUnsupported)
	}
	return vm.namecall, nil
}

// Method returns the slot behind direct calls of class.method on this VM.
func (vm *VM) Method(class, method string) (*trampoline.Slot[Func], error) {
	key := class + "." + method
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if s, ok := vm.methods[key]; ok {
		return s, nil
	}
	native, ok := vm.world.Native(class, method)
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", vm.name, key, ErrUnsupported)
	}
	s := trampoline.NewSlot[Func](vm.name+"."+key, native)
	if vm.readOnly[key] {
		s.Freeze()
	}
	vm.methods[key] = s
	return s, nil
}

// Primitive returns a general-purpose primitive slot.
func (vm *VM) Primitive(name string) (*trampoline.Slot[Func], error) {
	s, ok := vm.primitives[name]
	if !ok {
		return nil, fmt.Errorf("%s: %s: %w", vm.name, name, ErrUnsupported)
	}
	return s, nil
}

// nativeNamecall resolves the method against the world's built-ins. It does
// not go through the VM's per-method slots, which is why the two call paths
// observe disjoint sets of calls.
func (vm *VM) nativeNamecall(c *Call) ([]any, error) {
	if c.Self == nil {
		return nil, fmt.Errorf("namecall %q on nil: %w", c.Method, ErrUnknownMethod)
	}
	native, ok := vm.world.Native(c.Self.ClassName(), c.Method)
	if !ok {
		return nil, fmt.Errorf("%s is not a valid member of %s: %w", c.Method, c.Self.ClassName(), ErrUnknownMethod)
	}
	return native(c)
}

func traceback(c *Call) ([]any, error) {
	if c.Thread == nil {
		return []any{""}, nil
	}
	stack := c.Thread.Stack()
	lines := make([]string, 0, len(stack))
	for _, f := range stack {
		lines = append(lines, f.String())
	}
	return []any{strings.Join(lines, "\n")}, nil
}

func getEnv(c *Call) ([]any, error) {
	if c.Thread == nil {
		return []any{nil}, nil
	}
	level := int64(1)
	if len(c.Args) > 0 {
		if n, ok := c.Args[0].(int64); ok {
			level = n
		}
	}
	stack := c.Thread.Stack()
	if level < 1 || int(level) > len(stack) {
		return nil, fmt.Errorf("getenv: invalid level %d", level)
	}
	return []any{stack[level-1].Env}, nil
}
