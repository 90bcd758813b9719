// Package sim drives a scripted host session: a world of endpoints, a far
// side that answers them, and traffic played from the main context and any
// number of worker contexts.
package sim

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/value"
)

// MainContext names the main VM in scripts.
const MainContext = "main"

// Step is one scripted call.
type Step struct {
	// Context is "main" or a worker name. Ignored for inbound steps.
	Context  string `yaml:"context"`
	Endpoint string `yaml:"endpoint"`
	// Method is a send method for outbound steps; inbound steps fire the
	// endpoint's receive side.
	Method  string `yaml:"method"`
	Args    []any  `yaml:"args"`
	Inbound bool   `yaml:"inbound"`
	Caller  string `yaml:"caller"`
}

// Script is a scenario file.
type Script struct {
	Endpoints []EndpointSpec `yaml:"endpoints"`
	Workers   []string       `yaml:"workers"`
	Steps     []Step         `yaml:"steps"`
}

// EndpointSpec declares one endpoint under the world root.
type EndpointSpec struct {
	Path  string `yaml:"path"`
	Class string `yaml:"class"`
	// Detached endpoints are parented to nil after creation.
	Detached bool `yaml:"detached"`
}

// DefaultScript is the built-in scenario.
func DefaultScript() *Script {
	return &Script{
		Endpoints: []EndpointSpec{
			{Path: "ReplicatedStorage.Remotes.Chat", Class: "RemoteEvent"},
			{Path: "ReplicatedStorage.Remotes.Shop", Class: "RemoteFunction"},
			{Path: "ReplicatedStorage.Remotes.Position", Class: "UnreliableRemoteEvent"},
			{Path: "ReplicatedStorage.Remotes.Notify", Class: "RemoteEvent"},
			{Path: "ReplicatedStorage.Remotes.Confirm", Class: "RemoteFunction"},
			{Path: "Hidden", Class: "RemoteEvent", Detached: true},
		},
		Workers: []string{"worker-1"},
		Steps: []Step{
			{Context: MainContext, Endpoint: "ReplicatedStorage.Remotes.Chat", Method: "FireServer", Args: []any{"hello", int64(1)}, Caller: "ChatClient:send"},
			{Context: MainContext, Endpoint: "ReplicatedStorage.Remotes.Shop", Method: "InvokeServer", Args: []any{"sword", int64(2)}, Caller: "ShopUI:buy"},
			{Context: "worker-1", Endpoint: "ReplicatedStorage.Remotes.Position", Method: "FireServer", Args: []any{1.5, 0.0, -3.25}, Caller: "Movement:tick"},
			{Context: "worker-1", Endpoint: "ReplicatedStorage.Remotes.Shop", Method: "InvokeServer", Args: []any{map[string]any{"item": "shield", "qty": int64(1)}}, Caller: "ShopUI:bulk"},
			{Endpoint: "ReplicatedStorage.Remotes.Notify", Inbound: true, Args: []any{"welcome"}},
			{Endpoint: "ReplicatedStorage.Remotes.Confirm", Inbound: true, Args: []any{"trade?"}},
			{Context: MainContext, Endpoint: "Hidden", Method: "FireServer", Args: []any{nil, "after-nil"}, Caller: "Anticheat:ping"},
		},
	}
}

// LoadScript reads a YAML scenario.
func LoadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	if len(s.Endpoints) == 0 {
		return nil, fmt.Errorf("script %s declares no endpoints", path)
	}
	return &s, nil
}

// Host is a scripted world. The far side answers every outbound call with
// an echo of its arguments.
type Host struct {
	World     *host.World
	Main      *host.VM
	Workers   map[string]*host.VM
	Endpoints map[string]*host.Instance

	mu     sync.Mutex
	served map[string]int
}

// NewHost builds the world a script declares. Bidirectional endpoints get
// an inbound callback that acknowledges its arguments.
func NewHost(s *Script, opts ...host.VMOption) (*Host, error) {
	w := host.NewWorld()
	h := &Host{
		World:     w,
		Main:      w.NewVM(MainContext, opts...),
		Workers:   make(map[string]*host.VM),
		Endpoints: make(map[string]*host.Instance),
		served:    make(map[string]int),
	}
	w.SetServer(h.serve)

	for _, name := range s.Workers {
		if name == "" || name == MainContext {
			return nil, fmt.Errorf("invalid worker name %q", name)
		}
		h.Workers[name] = w.NewVM(name, opts...)
	}
	for _, ep := range s.Endpoints {
		inst, err := h.create(ep)
		if err != nil {
			return nil, err
		}
		h.Endpoints[ep.Path] = inst
	}
	return h, nil
}

func (h *Host) create(ep EndpointSpec) (*host.Instance, error) {
	parts := strings.Split(ep.Path, ".")
	if ep.Path == "" || ep.Class == "" {
		return nil, fmt.Errorf("endpoint needs a path and a class")
	}
	parent := h.World.Root()
	for _, p := range parts[:len(parts)-1] {
		parent = h.child(parent, p)
	}
	inst := h.World.New(ep.Class, parts[len(parts)-1], parent)
	if ep.Detached {
		inst.SetParent(nil)
	}
	if ep.Class == "RemoteFunction" {
		inst.SetCallback("OnClientInvoke", func(c *host.Call) ([]any, error) {
			return append([]any{"ack"}, c.Args...), nil
		})
	}
	return inst, nil
}

func (h *Host) child(parent *host.Instance, name string) *host.Instance {
	for _, c := range parent.Children() {
		if c.Name() == name {
			return c
		}
	}
	return h.World.New("Folder", name, parent)
}

func (h *Host) serve(inst *host.Instance, method string, args []any) ([]any, error) {
	h.mu.Lock()
	h.served[inst.Name()+"."+method]++
	h.mu.Unlock()
	return append([]any{"ok"}, args...), nil
}

// Served returns how many outbound calls reached the far side, keyed by
// "Name.Method".
func (h *Host) Served() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int, len(h.served))
	for k, v := range h.served {
		out[k] = v
	}
	return out
}

// VM returns the VM a step runs on.
func (h *Host) VM(context string) (*host.VM, error) {
	if context == "" || context == MainContext {
		return h.Main, nil
	}
	vm, ok := h.Workers[context]
	if !ok {
		return nil, fmt.Errorf("unknown context %q", context)
	}
	return vm, nil
}

// WorkerNames returns the worker names sorted.
func (h *Host) WorkerNames() []string {
	names := make([]string, 0, len(h.Workers))
	for n := range h.Workers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Play performs one step.
func (h *Host) Play(st Step) ([]any, error) {
	inst, ok := h.Endpoints[st.Endpoint]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint %q", st.Endpoint)
	}
	args := make([]any, len(st.Args))
	for i, a := range st.Args {
		args[i] = toValue(a)
	}

	if st.Inbound {
		if inst.ClassName() == "RemoteFunction" {
			return h.World.InvokeClient(inst, args...)
		}
		h.World.FireClient(inst, args...)
		return nil, nil
	}

	vm, err := h.VM(st.Context)
	if err != nil {
		return nil, err
	}
	th := vm.NewThread(callerFrame(st.Caller))
	return th.Namecall(inst, st.Method, args...)
}

// Run plays steps once each with delay between them, stopping early when
// ctx is cancelled. Step failures go to onError and do not stop the run.
func (h *Host) Run(ctx context.Context, steps []Step, delay time.Duration, onError func(Step, error)) error {
	for i, st := range steps {
		if i > 0 && delay > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		} else if ctx.Err() != nil {
			return nil
		}
		if _, err := h.Play(st); err != nil && onError != nil {
			onError(st, err)
		}
	}
	return nil
}

// Loop replays steps until ctx is cancelled.
func (h *Host) Loop(ctx context.Context, steps []Step, delay time.Duration, onError func(Step, error)) error {
	if len(steps) == 0 {
		<-ctx.Done()
		return nil
	}
	for ctx.Err() == nil {
		if err := h.Run(ctx, steps, delay, onError); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
	}
	return nil
}

func callerFrame(caller string) host.Frame {
	script, fn, ok := strings.Cut(caller, ":")
	if !ok {
		return host.Frame{Function: caller}
	}
	return host.Frame{Function: fn, Script: script}
}

// toValue converts YAML-decoded data into host values.
func toValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		t := value.NewTable()
		for k, e := range x {
			t.Set(k, toValue(e))
		}
		return t
	case []any:
		t := value.NewTable()
		for i, e := range x {
			t.Set(int64(i+1), toValue(e))
		}
		return t
	default:
		return value.Normalize(x)
	}
}
