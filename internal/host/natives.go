package host

import "fmt"

func defaultNatives() map[string]map[string]Func {
	fire := func(c *Call) ([]any, error) {
		if err := alive(c.Self); err != nil {
			return nil, err
		}
		if h := c.Self.world.serverHandler(); h != nil {
			if _, err := h(c.Self, c.Method, c.Args); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	invoke := func(c *Call) ([]any, error) {
		if err := alive(c.Self); err != nil {
			return nil, err
		}
		if h := c.Self.world.serverHandler(); h != nil {
			return h(c.Self, c.Method, c.Args)
		}
		return nil, nil
	}

	return map[string]map[string]Func{
		"RemoteEvent":           {"FireServer": fire},
		"UnreliableRemoteEvent": {"FireServer": fire},
		"RemoteFunction":        {"InvokeServer": invoke},
		"BindableEvent": {
			"Fire": func(c *Call) ([]any, error) {
				if err := alive(c.Self); err != nil {
					return nil, err
				}
				c.Self.Signal("Event").Fire(c.Args...)
				return nil, nil
			},
		},
		"BindableFunction": {
			"Invoke": func(c *Call) ([]any, error) {
				if err := alive(c.Self); err != nil {
					return nil, err
				}
				return c.Self.CallbackSlot("OnInvoke").Load()(&Call{
					Thread: c.Thread,
					Self:   c.Self,
					Method: "OnInvoke",
					Args:   c.Args,
				})
			},
		},
		"*": {
			"GetFullName": func(c *Call) ([]any, error) {
				return []any{c.Self.FullName()}, nil
			},
			"IsA": func(c *Call) ([]any, error) {
				if len(c.Args) == 0 {
					return []any{false}, nil
				}
				name, _ := c.Args[0].(string)
				return []any{c.Self.ClassName() == name}, nil
			},
		},
	}
}

func alive(inst *Instance) error {
	if inst == nil {
		return fmt.Errorf("nil receiver: %w", ErrUnknownMethod)
	}
	if inst.Destroyed() {
		return fmt.Errorf("%s: %w", inst.id, ErrDestroyed)
	}
	return nil
}
