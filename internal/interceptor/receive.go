package interceptor

import (
	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/registry"
	"github.com/ppiankov/hookwatch/internal/trampoline"
)

// InstallReceiveHooks hooks the receive channel of every endpoint in the
// graph, including detached ones, and of every endpoint created later.
// Each endpoint id is hooked at most once.
func (ic *Interceptor) InstallReceiveHooks() {
	world := ic.vm.World()

	ic.mu.Lock()
	if ic.stopWatcher == nil {
		ic.stopWatcher = world.OnInstanceAdded(ic.hookReceiver)
	}
	ic.mu.Unlock()

	for _, inst := range world.Descendants() {
		ic.hookReceiver(inst)
	}
	for _, inst := range world.Detached() {
		ic.hookReceiver(inst)
	}
}

func (ic *Interceptor) hookReceiver(inst *host.Instance) {
	class, ok := ic.reg.Lookup(inst.ClassName())
	if !ok || class.SkipReceiveHook {
		return
	}
	recv := class.FirstReceive()
	if recv == "" {
		return
	}

	id := ic.proc.Identify(inst)
	ic.mu.Lock()
	if ic.receivers[id] {
		ic.mu.Unlock()
		return
	}
	ic.receivers[id] = true
	ic.mu.Unlock()

	if class.Bidirectional {
		if err := ic.hookCallback(inst, recv); err != nil {
			ic.mu.Lock()
			delete(ic.receivers, id)
			ic.mu.Unlock()
			ic.failed(inst.FullName()+"."+recv, err)
			return
		}
	} else {
		ic.hookSignal(inst, recv)
	}

	ic.mu.Lock()
	ic.stats.Receivers++
	if ic.phase == Uninstalled {
		ic.phase = Installed
	}
	ic.mu.Unlock()
	ic.logger.Debug("receiver hooked", zap.String("endpoint", inst.FullName()), zap.String("method", recv))
}

// hookSignal observes a fire-style receive channel. Listeners cannot change
// what other listeners see, so the call is recorded only.
func (ic *Interceptor) hookSignal(inst *host.Instance, recv string) {
	inst.Signal(recv).Connect(func(args []any) {
		partial := record.Call{Method: recv, Direction: registry.Inbound}
		_, _ = ic.proc.ProcessCall(partial, inst, nil, nil, args)
	})
}

// hookCallback layers the hook under whatever callback game code assigns,
// now or later.
func (ic *Interceptor) hookCallback(inst *host.Instance, recv string) error {
	_, err := trampoline.Install(inst.CallbackSlot(recv), func(original host.Func) host.Func {
		return func(c *host.Call) ([]any, error) {
			defer ic.enter(c.Thread)()
			delegate := func(args ...any) ([]any, error) {
				next := *c
				next.Args = args
				return original(&next)
			}
			partial := record.Call{Method: recv, Direction: registry.Inbound}
			return ic.proc.ProcessCall(partial, inst, c.Thread, delegate, c.Args)
		}
	})
	return err
}
