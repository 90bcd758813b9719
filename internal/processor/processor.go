package processor

import (
	"fmt"
	"maps"
	"sync"
	"time"
	"weak"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/registry"
	"github.com/ppiankov/hookwatch/internal/spoof"
)

const defaultIdentityCacheSize = 4096

// Sink receives finished records. Send must not block.
type Sink interface {
	Send(rec *record.Call)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(rec *record.Call)

// Send calls f.
func (f SinkFunc) Send(rec *record.Call) { f(rec) }

// Config wires a Processor to its context's state.
type Config struct {
	Registry *registry.Registry
	Options  *record.OptionsStore
	Spoofs   *spoof.Registry
	Sink     Sink
	// ToolEnv identifies frames pushed by this tool; the caller walk skips them.
	ToolEnv *host.Env
	// Context names the execution context records originate from.
	Context           string
	Logger            *zap.Logger
	IdentityCacheSize int
	Now               func() time.Time
}

// Processor runs the per-call pipeline. It executes on the host caller's
// goroutine and never waits on anything but the delegated call itself.
type Processor struct {
	cfg Config
	ids *lru.Cache[weak.Pointer[host.Instance], string]

	extraMu sync.RWMutex
	extra   map[string]any
}

// New validates cfg and returns a Processor.
func New(cfg Config) (*Processor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("processor: registry is required")
	}
	if cfg.Options == nil {
		cfg.Options = record.NewOptionsStore()
	}
	if cfg.Spoofs == nil {
		cfg.Spoofs = spoof.NewRegistry()
	}
	if cfg.Sink == nil {
		cfg.Sink = SinkFunc(func(*record.Call) {})
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IdentityCacheSize <= 0 {
		cfg.IdentityCacheSize = defaultIdentityCacheSize
	}
	ids, err := lru.New[weak.Pointer[host.Instance], string](cfg.IdentityCacheSize)
	if err != nil {
		return nil, fmt.Errorf("processor: identity cache: %w", err)
	}
	return &Processor{cfg: cfg, ids: ids}, nil
}

// Options returns the context's options store.
func (p *Processor) Options() *record.OptionsStore { return p.cfg.Options }

// Spoofs returns the context's spoof registry.
func (p *Processor) Spoofs() *spoof.Registry { return p.cfg.Spoofs }

// Registry returns the endpoint class registry.
func (p *Processor) Registry() *registry.Registry { return p.cfg.Registry }

// ToolEnv returns the env marking this tool's own frames.
func (p *Processor) ToolEnv() *host.Env { return p.cfg.ToolEnv }

// SetExtraData merges data into the metadata attached to every record from
// this context. A nil value removes the key.
func (p *Processor) SetExtraData(data map[string]any) {
	p.extraMu.Lock()
	defer p.extraMu.Unlock()
	if p.extra == nil {
		p.extra = make(map[string]any)
	}
	for k, v := range data {
		if v == nil {
			delete(p.extra, k)
			continue
		}
		p.extra[k] = v
	}
}

func (p *Processor) extraData() map[string]any {
	p.extraMu.RLock()
	defer p.extraMu.RUnlock()
	if len(p.extra) == 0 {
		return nil
	}
	return maps.Clone(p.extra)
}

// Identify returns the endpoint's stable id, caching the lookup.
func (p *Processor) Identify(inst *host.Instance) string {
	key := weak.Make(inst)
	if id, ok := p.ids.Get(key); ok {
		return id
	}
	id := inst.DebugID()
	p.ids.Add(key, id)
	return id
}

// ProcessCall runs one intercepted call. partial carries Method and
// Direction. original performs the real call. The returned values and
// error are what the host caller sees; a failure inside the pipeline itself
// yields an empty result rather than reaching the host.
func (p *Processor) ProcessCall(partial record.Call, inst *host.Instance, th *host.Thread, original spoof.Delegate, args []any) (returns []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.cfg.Logger.Error("call processing panicked",
				zap.String("method", partial.Method),
				zap.Any("panic", r))
			returns, err = nil, nil
		}
	}()

	if inst == nil || !p.cfg.Registry.Allows(inst.ClassName(), partial.Direction, partial.Method) {
		return callOriginal(original, args)
	}

	id := p.Identify(inst)
	opts := p.cfg.Options.Get(id)

	rec := partial
	rec.ID = uuid.NewString()
	rec.SetEndpoint(inst, id)
	rec.Args = args
	rec.Timestamp = p.cfg.Now().UTC()
	rec.Context = p.cfg.Context
	rec.Options = opts
	if extra := p.extraData(); extra != nil {
		if rec.Extra == nil {
			rec.Extra = extra
		} else {
			for k, v := range extra {
				rec.Extra[k] = v
			}
		}
	}
	if rec.Direction == registry.Outbound && th != nil {
		rec.Caller = ResolveCaller(th, p.cfg.ToolEnv)
	}

	switch {
	case opts.Blocked():
		returns = []any{}
		rec.Blocked = true

	default:
		spoofed := false
		if entry, ok := p.cfg.Spoofs.Match(inst, rec.Method); ok {
			out, serr := entry.Return.Resolve(original, args)
			if serr != nil {
				p.cfg.Logger.Warn("spoof failed, delegating to original",
					zap.String("endpoint", rec.Path),
					zap.String("method", rec.Method),
					zap.Error(serr))
			} else {
				returns, spoofed = out, true
				rec.Spoofed = true
			}
		}
		if !spoofed {
			returns, err = callOriginal(original, args)
			if err != nil {
				rec.Error = err.Error()
				returns = nil
			}
		}
	}

	rec.Returns = returns
	rec.Returned = true

	if !opts.Excluded() {
		p.cfg.Sink.Send(&rec)
	}
	return returns, err
}

// callOriginal invokes the delegate, turning a panic into an error so the
// host caller gets the failure through its normal error path.
func callOriginal(original spoof.Delegate, args []any) (out []any, err error) {
	if original == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("original call panicked: %v", r)
		}
	}()
	return original(args...)
}

// ResolveCaller walks the thread's stack innermost first, skipping frames
// owned by self, and returns the first foreign frame. The walk is a
// heuristic: it returns nil when nothing qualifies.
func ResolveCaller(th *host.Thread, self *host.Env) *record.Caller {
	if th == nil {
		return nil
	}
	for _, f := range th.Stack() {
		if self != nil && f.Env == self {
			continue
		}
		if f.Function == "" && f.Script == "" {
			continue
		}
		return &record.Caller{Function: f.Function, Script: f.Script}
	}
	return nil
}
