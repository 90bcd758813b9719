// Package interceptor installs trampolines on the host's remote-call
// dispatch points and routes every intercepted call to a Processor.
package interceptor

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/processor"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/registry"
	"github.com/ppiankov/hookwatch/internal/trampoline"
)

// ToolScript is the script name carried by frames this tool pushes.
const ToolScript = "hookwatch"

// Phase is the interceptor's installation state. It only moves forward.
type Phase int

const (
	Uninstalled Phase = iota
	Installed
	Patched
)

func (p Phase) String() string {
	switch p {
	case Installed:
		return "installed"
	case Patched:
		return "patched"
	default:
		return "uninstalled"
	}
}

// ErrNotInstalled is returned by ApplyPatches before any hook is in place.
var ErrNotInstalled = errors.New("interceptor: hooks not installed")

// UnsupportedError reports a required host primitive this host lacks. It
// aborts hook installation for the whole session.
type UnsupportedError struct {
	Primitive string
	Err       error
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported host: %s: %v", e.Primitive, e.Err)
}

func (e *UnsupportedError) Unwrap() error { return e.Err }

// Stats counts installation outcomes.
type Stats struct {
	Installed int `json:"installed"`
	Failed    int `json:"failed"`
	Receivers int `json:"receivers"`
	Patched   int `json:"patched"`
}

// Interceptor owns one context's hooks.
type Interceptor struct {
	vm     *host.VM
	proc   *processor.Processor
	reg    *registry.Registry
	tool   *host.Env
	logger *zap.Logger

	mu          sync.Mutex
	phase       Phase
	hooked      map[string]bool
	receivers   map[string]bool
	stats       Stats
	stopWatcher func()
}

// New creates an interceptor for vm that hands calls to proc.
func New(vm *host.VM, proc *processor.Processor, logger *zap.Logger) (*Interceptor, error) {
	if vm == nil || proc == nil {
		return nil, fmt.Errorf("interceptor: vm and processor are required")
	}
	if proc.ToolEnv() == nil {
		return nil, fmt.Errorf("interceptor: processor has no tool env")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interceptor{
		vm:        vm,
		proc:      proc,
		reg:       proc.Registry(),
		tool:      proc.ToolEnv(),
		logger:    logger,
		hooked:    make(map[string]bool),
		receivers: make(map[string]bool),
	}, nil
}

// Phase returns the current installation phase.
func (ic *Interceptor) Phase() Phase {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.phase
}

// Stats returns a snapshot of installation counters.
func (ic *Interceptor) Stats() Stats {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	return ic.stats
}

// InstallSendHooks hooks the first send method of every registered class.
// These slots serve the direct call syntax the namecall hook cannot see.
// Failures are logged and counted; installation continues.
func (ic *Interceptor) InstallSendHooks() {
	for _, tag := range ic.reg.Tags() {
		class, _ := ic.reg.Lookup(tag)
		method := class.FirstSend()
		if method == "" {
			continue
		}
		slot, err := ic.vm.Method(tag, method)
		if err != nil {
			ic.failed(tag+"."+method, err)
			continue
		}
		if _, err := ic.install(slot, ic.outbound("method")); err != nil {
			ic.failed(tag+"."+method, err)
		}
	}
}

// InstallDispatchHook hooks the generic namecall dispatch point. A host
// without one is unsupported.
func (ic *Interceptor) InstallDispatchHook() error {
	slot, err := ic.vm.Namecall()
	if err != nil {
		return &UnsupportedError{Primitive: "namecall", Err: err}
	}
	if _, err := ic.install(slot, ic.outbound("namecall")); err != nil {
		if errors.Is(err, trampoline.ErrReadOnly) {
			return &UnsupportedError{Primitive: "namecall", Err: err}
		}
		ic.failed(slot.Name(), err)
	}
	return nil
}

// Close stops watching for new instances. Installed hooks stay in place.
func (ic *Interceptor) Close() {
	ic.mu.Lock()
	stop := ic.stopWatcher
	ic.stopWatcher = nil
	ic.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// install hooks slot once. It reports whether a new layer went in.
func (ic *Interceptor) install(slot *trampoline.Slot[host.Func], wrap func(host.Func) host.Func) (bool, error) {
	ic.mu.Lock()
	if ic.hooked[slot.Name()] {
		ic.mu.Unlock()
		return false, nil
	}
	ic.mu.Unlock()

	if _, err := trampoline.Install(slot, wrap); err != nil {
		return false, err
	}

	ic.mu.Lock()
	ic.hooked[slot.Name()] = true
	ic.stats.Installed++
	if ic.phase == Uninstalled {
		ic.phase = Installed
	}
	ic.mu.Unlock()
	ic.logger.Debug("hook installed", zap.String("slot", slot.Name()))
	return true, nil
}

func (ic *Interceptor) failed(target string, err error) {
	ic.mu.Lock()
	ic.stats.Failed++
	ic.mu.Unlock()
	ic.logger.Warn("hook install failed", zap.String("target", target), zap.Error(err))
}

// enter pushes a tool-owned frame so stack walks and tracebacks can tell
// this tool's code apart from the caller's.
func (ic *Interceptor) enter(th *host.Thread) func() {
	if th == nil {
		return func() {}
	}
	th.Push(host.Frame{Function: "hook", Script: ToolScript, Env: ic.tool})
	return th.Pop
}

func (ic *Interceptor) outbound(hook string) func(host.Func) host.Func {
	return func(original host.Func) host.Func {
		return func(c *host.Call) ([]any, error) {
			defer ic.enter(c.Thread)()
			delegate := func(args ...any) ([]any, error) {
				next := *c
				next.Args = args
				return original(&next)
			}
			partial := record.Call{
				Method:    c.Method,
				Direction: registry.Outbound,
				Extra:     map[string]any{"hook": hook},
			}
			return ic.proc.ProcessCall(partial, c.Self, c.Thread, delegate, c.Args)
		}
	}
}

// stripTraceback drops lines produced by tool frames.
func stripTraceback(tb string) string {
	if tb == "" {
		return tb
	}
	lines := strings.Split(tb, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.HasPrefix(l, ToolScript+":") || strings.Contains(l, ToolScript+"/") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
