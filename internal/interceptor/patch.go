package interceptor

import (
	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/host"
)

// ApplyPatches hooks the traceback and getenv primitives so they stop
// showing this tool's frames and environment. A missing or read-only
// primitive is skipped with a warning.
func (ic *Interceptor) ApplyPatches() error {
	if ic.Phase() == Uninstalled {
		return ErrNotInstalled
	}

	patches := map[string]func(host.Func) host.Func{
		host.PrimitiveTraceback: ic.patchTraceback,
		host.PrimitiveGetEnv:    ic.patchGetEnv,
	}
	applied := 0
	for _, name := range []string{host.PrimitiveTraceback, host.PrimitiveGetEnv} {
		slot, err := ic.vm.Primitive(name)
		if err != nil {
			ic.logger.Warn("patch skipped", zap.String("primitive", name), zap.Error(err))
			continue
		}
		ok, err := ic.install(slot, patches[name])
		if err != nil {
			ic.failed(name, err)
			continue
		}
		if ok {
			applied++
		}
	}

	ic.mu.Lock()
	ic.stats.Patched += applied
	if ic.stats.Patched > 0 {
		ic.phase = Patched
	}
	ic.mu.Unlock()
	return nil
}

func (ic *Interceptor) patchTraceback(original host.Func) host.Func {
	return func(c *host.Call) ([]any, error) {
		out, err := original(c)
		if err != nil || len(out) == 0 {
			return out, err
		}
		if tb, ok := out[0].(string); ok {
			out[0] = stripTraceback(tb)
		}
		return out, nil
	}
}

// patchGetEnv answers queries that land on the tool's env with the env of
// the nearest foreign frame.
func (ic *Interceptor) patchGetEnv(original host.Func) host.Func {
	return func(c *host.Call) ([]any, error) {
		out, err := original(c)
		if err != nil || len(out) == 0 || c.Thread == nil {
			return out, err
		}
		if env, ok := out[0].(*host.Env); ok && env == ic.tool {
			for _, f := range c.Thread.Stack() {
				if f.Env != ic.tool {
					out[0] = f.Env
					break
				}
			}
		}
		return out, nil
	}
}
