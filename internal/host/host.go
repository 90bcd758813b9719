// Package host is an in-process host runtime: a live object graph shared by
// any number of VMs (execution contexts), each with its own dispatch slots.
// Every public call path goes through a trampoline.Slot, so interception
// works by installing wrappers on those slots.
package host

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported marks a primitive or dispatch point this host lacks.
	ErrUnsupported = errors.New("host primitive unavailable")

	// ErrUnknownMethod is returned for a method the instance's class lacks.
	ErrUnknownMethod = errors.New("unknown method")

	// ErrDestroyed is returned when calling into a destroyed instance.
	ErrDestroyed = errors.New("instance destroyed")

	// ErrNoCallback is returned when invoking a callback nobody assigned.
	ErrNoCallback = errors.New("callback not set")
)

// Func is the host's native callable shape.
type Func func(c *Call) ([]any, error)

// Call carries one invocation through a dispatch slot.
type Call struct {
	Thread *Thread   // nil for host-initiated (inbound) calls
	Self   *Instance // receiver, nil for primitives
	Method string
	Args   []any
}

// Env identifies a script environment. Envs compare by pointer.
type Env struct {
	Name string
}

func (e *Env) String() string {
	if e == nil {
		return "<nil env>"
	}
	return e.Name
}

// Frame is one entry of a thread's call stack.
type Frame struct {
	Function string
	Script   string
	Env      *Env
}

func (f Frame) String() string {
	if f.Script == "" {
		return f.Function
	}
	return fmt.Sprintf("%s:%s", f.Script, f.Function)
}

// ServerHandler receives outbound calls that reach the far side of the
// boundary. The returned values are what InvokeServer-style calls return.
type ServerHandler func(inst *Instance, method string, args []any) ([]any, error)
