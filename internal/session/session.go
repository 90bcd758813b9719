// Package session wires the interception core into execution contexts. The
// main context owns the channel, the log queue and the console; worker
// contexts run their own processor and hooks and reach the main context
// only through the channel.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/hookwatch/internal/channel"
	"github.com/ppiankov/hookwatch/internal/console"
	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/interceptor"
	"github.com/ppiankov/hookwatch/internal/logqueue"
	"github.com/ppiankov/hookwatch/internal/processor"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/registry"
	"github.com/ppiankov/hookwatch/internal/script"
	"github.com/ppiankov/hookwatch/internal/spoof"
	"github.com/ppiankov/hookwatch/internal/value"
)

// MainContext is the id of the context that owns the session.
const MainContext channel.ContextID = "main"

var (
	// ErrEndpointGone is returned when repeating a call whose endpoint was
	// destroyed or collected.
	ErrEndpointGone = errors.New("endpoint no longer exists")

	// ErrNotStarted is returned by actions that need BeginHooks first.
	ErrNotStarted = errors.New("hooks not started")
)

// Config configures a Session.
type Config struct {
	Registry  *registry.Registry
	Queue     logqueue.Config
	Console   console.Config
	Tick      time.Duration
	Consumers []logqueue.Consumer
	Logger    *zap.Logger
}

// Session is the explicit context object built once at startup.
type Session struct {
	world   *host.World
	reg     *registry.Registry
	hub     *channel.Hub
	chanID  int
	handle  *channel.Handle
	main    *Context
	queue   *logqueue.Queue
	console *console.Console
	sink    logqueue.Consumer
	logger  *zap.Logger

	mu      sync.Mutex
	workers map[channel.ContextID]*Context
	began   bool
	patch   bool
	group   *errgroup.Group
	runCtx  context.Context
}

// Context is one execution context's interception state.
type Context struct {
	id     channel.ContextID
	vm     *host.VM
	proc   *processor.Processor
	ic     *interceptor.Interceptor
	handle *channel.Handle
	logger *zap.Logger
}

// ID returns the context id.
func (c *Context) ID() channel.ContextID { return c.id }

// VM returns the context's VM.
func (c *Context) VM() *host.VM { return c.vm }

// Processor returns the context's call processor.
func (c *Context) Processor() *processor.Processor { return c.proc }

// Interceptor returns the context's interceptor.
func (c *Context) Interceptor() *interceptor.Interceptor { return c.ic }

// New builds the main context on vm.
func New(vm *host.VM, cfg Config) (*Session, error) {
	if vm == nil {
		return nil, fmt.Errorf("session: vm is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.MustDefault()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Queue.Logger == nil {
		cfg.Queue.Logger = cfg.Logger.Named("logqueue")
	}

	hub := channel.NewHub(cfg.Logger.Named("channel"))
	if cfg.Tick > 0 {
		hub.SetTick(cfg.Tick)
	}
	id, handle := hub.CreateChannel(MainContext)

	s := &Session{
		world:   vm.World(),
		reg:     cfg.Registry,
		hub:     hub,
		chanID:  id,
		handle:  handle,
		queue:   logqueue.New(cfg.Queue),
		console: console.New(cfg.Console),
		logger:  cfg.Logger,
		workers: make(map[channel.ContextID]*Context),
	}
	consumers := append([]logqueue.Consumer{s.console}, cfg.Consumers...)
	s.sink = fanOut(consumers)

	main, err := s.newContext(MainContext, vm, s.queue, handle)
	if err != nil {
		return nil, err
	}
	s.main = main
	handle.SetResolver(s.Resolve)

	handle.On(channel.TypeQueueLog, s.onQueueLog)
	handle.On(channel.TypePrint, s.onPrint)
	return s, nil
}

func (s *Session) newContext(id channel.ContextID, vm *host.VM, sink processor.Sink, h *channel.Handle) (*Context, error) {
	logger := s.logger.With(zap.String("context", string(id)))
	proc, err := processor.New(processor.Config{
		Registry: s.reg,
		Sink:     sink,
		ToolEnv:  &host.Env{Name: interceptor.ToolScript},
		Context:  string(id),
		Logger:   logger.Named("processor"),
	})
	if err != nil {
		return nil, err
	}
	ic, err := interceptor.New(vm, proc, logger.Named("interceptor"))
	if err != nil {
		return nil, err
	}
	return &Context{id: id, vm: vm, proc: proc, ic: ic, handle: h, logger: logger}, nil
}

// Resolve maps a debug id back to a live instance for deserialization.
func (s *Session) Resolve(id string) any {
	if inst := s.world.Find(id); inst != nil {
		return inst
	}
	return nil
}

// Main returns the main context.
func (s *Session) Main() *Context { return s.main }

// Console returns the presentation model.
func (s *Session) Console() *console.Console { return s.console }

// Queue returns the main log queue.
func (s *Session) Queue() *logqueue.Queue { return s.queue }

// Subscribe registers fn for every record the console consumes.
func (s *Session) Subscribe(fn func(*record.Call)) func() {
	return s.console.Subscribe(fn)
}

// Handle returns the main context's channel handle.
func (s *Session) Handle() *channel.Handle { return s.handle }

// ChannelID returns the id workers use to attach.
func (s *Session) ChannelID() int { return s.chanID }

// Workers returns the worker contexts sorted by id.
func (s *Session) Workers() []*Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Context, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// BeginHooks installs the main context's hooks and tells every worker to
// install its own. An unsupported host aborts before anything is hooked.
func (s *Session) BeginHooks(patchFunctions bool) error {
	ic := s.main.ic
	if err := ic.InstallDispatchHook(); err != nil {
		return err
	}
	ic.InstallSendHooks()
	ic.InstallReceiveHooks()
	if patchFunctions {
		if err := ic.ApplyPatches(); err != nil {
			s.logger.Warn("patches not applied", zap.Error(err))
		}
	}

	s.mu.Lock()
	s.began = true
	s.patch = patchFunctions
	s.mu.Unlock()

	s.broadcastState()
	s.logger.Info("hooks installed",
		zap.Any("stats", ic.Stats()),
		zap.Bool("patch_functions", patchFunctions))
	return nil
}

// broadcastState sends everything a freshly attached worker needs.
func (s *Session) broadcastState() {
	all := value.NewTable()
	for id, o := range s.RemoteData() {
		all.Set(id, OptionsTable(o))
	}
	s.handle.Send(channel.TypeAllRemoteData, all)
	if src := s.main.proc.Spoofs().Source(); src != "" {
		s.handle.Send(channel.TypeUpdateSpoofs, src)
	}

	s.mu.Lock()
	began, patch := s.began, s.patch
	s.mu.Unlock()
	if began {
		s.handle.Send(channel.TypeBeginHooks, value.FromMap(map[string]any{"PatchFunctions": patch}))
	}
}

// UpdateRemoteData sets the options of one endpoint id in every context.
func (s *Session) UpdateRemoteData(id string, o record.Options) {
	s.main.proc.Options().Update(id, o)
	s.handle.Send(channel.TypeRemoteData, id, OptionsTable(o))
}

// RemoteData returns every endpoint's options as the main context sees them.
func (s *Session) RemoteData() map[string]record.Options {
	return s.main.proc.Options().All()
}

// SetNewReturnSpoofs compiles source locally and, if it is valid, sends it
// to every worker to compile on its own.
func (s *Session) SetNewReturnSpoofs(source string) error {
	if err := s.main.proc.Spoofs().Load(source); err != nil {
		return err
	}
	s.handle.Send(channel.TypeUpdateSpoofs, source)
	return nil
}

// SetExtraData merges data into every context's record metadata.
func (s *Session) SetExtraData(data map[string]any) {
	s.main.proc.SetExtraData(data)
	s.handle.Send(channel.TypeSetExtraData, value.FromMap(data))
}

// Print writes a console line from the main context.
func (s *Session) Print(level console.Level, msg string) {
	s.console.ConsoleLog(level, string(MainContext), msg)
}

// MakeScript renders a replay script for a retained record.
func (s *Session) MakeScript(recordID string) (string, error) {
	rec, err := s.console.Record(recordID)
	if err != nil {
		return "", err
	}
	return script.Make(rec, s.reg)
}

// RepeatCall performs a retained record's call again from the main context
// with a fresh copy of its arguments. Outbound calls go through the hooked
// dispatch path and are recorded like any other call.
func (s *Session) RepeatCall(recordID string) ([]any, error) {
	rec, err := s.console.Record(recordID)
	if err != nil {
		return nil, err
	}
	inst := rec.Endpoint()
	if inst == nil {
		inst = s.world.Find(rec.EndpointID)
	}
	if inst == nil || inst.Destroyed() {
		return nil, fmt.Errorf("%s: %w", rec.Path, ErrEndpointGone)
	}

	args := value.CloneAll(rec.Args)
	if rec.Direction == registry.Inbound {
		class, _ := s.reg.Lookup(inst.ClassName())
		if class.Bidirectional {
			return s.world.InvokeClient(inst, args...)
		}
		s.world.FireClient(inst, args...)
		return nil, nil
	}

	th := s.main.vm.NewThread(host.Frame{Function: "repeat", Script: interceptor.ToolScript, Env: s.main.proc.ToolEnv()})
	return th.Namecall(inst, rec.Method, args...)
}

// Step moves queued traffic once: every worker handle is flushed and one
// batch of the log queue is consumed. It returns the number of records
// consumed.
func (s *Session) Step() int {
	for _, w := range s.Workers() {
		w.handle.Flush()
	}
	return s.queue.ProcessLogQueue(s.sink)
}

// Run drives the background services until ctx is cancelled: the log
// queue drain and each worker's channel loop.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.group = g
	s.runCtx = gctx
	workers := make([]*Context, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.Unlock()

	g.Go(func() error { return s.queue.Run(gctx, s.sink) })
	for _, w := range workers {
		h := w.handle
		g.Go(func() error { return h.Run(gctx) })
	}
	err := g.Wait()

	s.mu.Lock()
	s.group = nil
	s.runCtx = nil
	s.mu.Unlock()
	return err
}

// WatchSpoofs reloads spoofs from path whenever it changes until ctx is
// cancelled. Invalid sources are reported on the console and ignored.
func (s *Session) WatchSpoofs(ctx context.Context, path string) error {
	w := spoof.NewWatcher(path, func(src string) {
		if err := s.SetNewReturnSpoofs(src); err != nil {
			s.logger.Warn("spoof reload rejected", zap.String("path", path), zap.Error(err))
			s.Print(console.LevelError, fmt.Sprintf("spoofs not reloaded: %v", err))
			return
		}
		s.Print(console.LevelInfo, "spoofs reloaded from "+path)
	}, s.logger.Named("spoofs"))
	return w.Run(ctx)
}

// Close detaches every worker and stops watching for new instances.
func (s *Session) Close() {
	for _, w := range s.Workers() {
		w.close()
	}
	s.main.ic.Close()
}

func (s *Session) onQueueLog(args []any) error {
	if len(args) == 0 {
		return fmt.Errorf("QueueLog without payload")
	}
	t, ok := args[0].(*value.Table)
	if !ok {
		return fmt.Errorf("QueueLog payload is %T", args[0])
	}
	rec, err := CallFromTable(t, s.main.proc.Options())
	if err != nil {
		return err
	}
	s.queue.QueueLog(rec)
	return nil
}

func (s *Session) onPrint(args []any) error {
	level, msg := console.LevelInfo, ""
	switch len(args) {
	case 0:
		return nil
	case 1:
		msg = fmt.Sprint(args[0])
	default:
		if l, ok := args[0].(string); ok {
			level = console.Level(l)
		}
		msg = fmt.Sprint(args[1])
	}
	source := "worker"
	if len(args) > 2 {
		if src, ok := args[2].(string); ok {
			source = src
		}
	}
	s.console.ConsoleLog(level, source, msg)
	return nil
}

type fanOut []logqueue.Consumer

func (f fanOut) Consume(rec *record.Call) error {
	var errs []error
	for _, c := range f {
		if err := c.Consume(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
