package session

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/channel"
	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/value"
)

// AddWorker attaches a worker context running on vm. The worker records
// calls on its own and ships them to the main context over the channel.
// If hooks have already begun the worker catches up on the current state.
func (s *Session) AddWorker(vm *host.VM, id channel.ContextID) (*Context, error) {
	if vm == nil {
		return nil, fmt.Errorf("session: vm is required")
	}
	if vm.World() != s.world {
		return nil, fmt.Errorf("session: worker %s runs in a different world", id)
	}

	s.mu.Lock()
	_, dup := s.workers[id]
	s.mu.Unlock()
	if dup || id == MainContext {
		return nil, fmt.Errorf("session: context %s already exists", id)
	}

	h, _, err := s.hub.GetChannel(s.chanID, id)
	if err != nil {
		return nil, err
	}
	h.SetResolver(s.Resolve)

	sink := workerSink{handle: h}
	w, err := s.newContext(id, vm, sink, h)
	if err != nil {
		h.Close()
		return nil, err
	}
	w.proc.SetExtraData(map[string]any{"Actor": true})

	h.On(channel.TypeRemoteData, w.onRemoteData)
	h.On(channel.TypeAllRemoteData, w.onAllRemoteData)
	h.On(channel.TypeUpdateSpoofs, w.onUpdateSpoofs)
	h.On(channel.TypeBeginHooks, w.onBeginHooks)
	h.On(channel.TypeSetExtraData, w.onSetExtraData)

	s.mu.Lock()
	s.workers[id] = w
	began := s.began
	g, gctx := s.group, s.runCtx
	s.mu.Unlock()

	if g != nil {
		g.Go(func() error { return h.Run(gctx) })
	}
	if began {
		s.broadcastState()
	}
	s.logger.Info("worker attached", zap.String("context", string(id)))
	return w, nil
}

// RemoveWorker detaches a worker. Its installed hooks stay in place but
// records no longer reach the main context.
func (s *Session) RemoveWorker(id channel.ContextID) bool {
	s.mu.Lock()
	w, ok := s.workers[id]
	delete(s.workers, id)
	s.mu.Unlock()
	if ok {
		w.close()
	}
	return ok
}

func (c *Context) close() {
	c.ic.Close()
	if c.handle != nil && c.handle.Wrapped() {
		c.handle.Close()
	}
}

// Print sends a console line to the main context.
func (c *Context) Print(level string, msg string) {
	c.handle.Send(channel.TypePrint, level, msg, string(c.id))
}

type workerSink struct {
	handle *channel.Handle
}

func (s workerSink) Send(rec *record.Call) {
	s.handle.Send(channel.TypeQueueLog, RecordTable(rec))
}

func (c *Context) onRemoteData(args []any) error {
	if len(args) < 2 {
		return fmt.Errorf("RemoteData wants id and options")
	}
	id, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("RemoteData id is %T", args[0])
	}
	o, ok := OptionsFromTable(args[1])
	if !ok {
		return fmt.Errorf("RemoteData options are %T", args[1])
	}
	c.proc.Options().Update(id, o)
	return nil
}

func (c *Context) onAllRemoteData(args []any) error {
	if len(args) == 0 {
		return fmt.Errorf("AllRemoteData without payload")
	}
	t, ok := args[0].(*value.Table)
	if !ok {
		return fmt.Errorf("AllRemoteData payload is %T", args[0])
	}
	all := make(map[string]record.Options, t.Count())
	t.Range(func(k, v any) bool {
		id, ok := k.(string)
		if !ok {
			return true
		}
		if o, ok := OptionsFromTable(v); ok {
			all[id] = o
		}
		return true
	})
	c.proc.Options().Replace(all)
	return nil
}

func (c *Context) onUpdateSpoofs(args []any) error {
	if len(args) == 0 {
		return fmt.Errorf("UpdateSpoofs without source")
	}
	src, ok := args[0].(string)
	if !ok {
		return fmt.Errorf("UpdateSpoofs source is %T", args[0])
	}
	if err := c.proc.Spoofs().Load(src); err != nil {
		c.logger.Warn("spoofs rejected in worker", zap.Error(err))
		return err
	}
	return nil
}

// onBeginHooks installs the hooks a worker owns. Receive hooks live on
// shared instances and are installed once by the main context.
func (c *Context) onBeginHooks(args []any) error {
	if err := c.ic.InstallDispatchHook(); err != nil {
		c.Print("error", fmt.Sprintf("hooks unavailable: %v", err))
		return err
	}
	c.ic.InstallSendHooks()
	var patch bool
	if len(args) > 0 {
		if m := tableMap(args[0]); m != nil {
			patch, _ = m["PatchFunctions"].(bool)
		}
	}
	if patch {
		if err := c.ic.ApplyPatches(); err != nil {
			c.logger.Warn("patches not applied", zap.Error(err))
		}
	}
	return nil
}

func (c *Context) onSetExtraData(args []any) error {
	if len(args) == 0 {
		return nil
	}
	data := tableMap(args[0])
	if data == nil {
		return fmt.Errorf("SetExtraData payload is %T", args[0])
	}
	c.proc.SetExtraData(data)
	return nil
}
