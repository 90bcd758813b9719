package host

import (
	"sync"

	"github.com/ppiankov/hookwatch/internal/value"
)

// Thread is a script thread on a VM. It owns a call stack and is driven by
// one goroutine at a time.
type Thread struct {
	vm     *VM
	mu     sync.Mutex
	frames []Frame
}

// NewThread starts a thread whose bottom frame is root.
func (vm *VM) NewThread(root Frame) *Thread {
	if root.Env == nil {
		root.Env = vm.env
	}
	return &Thread{vm: vm, frames: []Frame{root}}
}

// VM returns the owning VM.
func (th *Thread) VM() *VM { return th.vm }

// Push enters a frame.
func (th *Thread) Push(f Frame) {
	th.mu.Lock()
	th.frames = append(th.frames, f)
	th.mu.Unlock()
}

// Pop leaves the innermost frame.
func (th *Thread) Pop() {
	th.mu.Lock()
	if n := len(th.frames); n > 0 {
		th.frames = th.frames[:n-1]
	}
	th.mu.Unlock()
}

// Stack returns the frames innermost first.
func (th *Thread) Stack() []Frame {
	th.mu.Lock()
	defer th.mu.Unlock()
	out := make([]Frame, len(th.frames))
	for i, f := range th.frames {
		out[len(th.frames)-1-i] = f
	}
	return out
}

// Namecall invokes self:method(args...) through the generic dispatch slot.
func (th *Thread) Namecall(self *Instance, method string, args ...any) ([]any, error) {
	slot, err := th.vm.Namecall()
	if err != nil {
		return nil, err
	}
	return slot.Load()(&Call{Thread: th, Self: self, Method: method, Args: value.NormalizeAll(args)})
}

// Invoke calls self.method(self, args...): the alternate call syntax that
// reaches the per-class method slot instead of namecall.
func (th *Thread) Invoke(self *Instance, method string, args ...any) ([]any, error) {
	slot, err := th.vm.Method(self.ClassName(), method)
	if err != nil {
		return nil, err
	}
	return slot.Load()(&Call{Thread: th, Self: self, Method: method, Args: value.NormalizeAll(args)})
}

// Traceback calls the traceback primitive.
func (th *Thread) Traceback() (string, error) {
	slot, err := th.vm.Primitive(PrimitiveTraceback)
	if err != nil {
		return "", err
	}
	out, err := slot.Load()(&Call{Thread: th, Method: PrimitiveTraceback})
	if err != nil || len(out) == 0 {
		return "", err
	}
	s, _ := out[0].(string)
	return s, nil
}

// GetEnv calls the getenv primitive for the given stack level (1 = innermost).
func (th *Thread) GetEnv(level int) (*Env, error) {
	slot, err := th.vm.Primitive(PrimitiveGetEnv)
	if err != nil {
		return nil, err
	}
	out, err := slot.Load()(&Call{Thread: th, Method: PrimitiveGetEnv, Args: []any{int64(level)}})
	if err != nil || len(out) == 0 {
		return nil, err
	}
	env, _ := out[0].(*Env)
	return env, nil
}
