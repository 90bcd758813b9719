package record

import (
	"time"
	"weak"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/registry"
	"github.com/ppiankov/hookwatch/internal/value"
)

// Caller is the best-effort origin of an outbound call.
type Caller struct {
	Function string `json:"function"`
	Script   string `json:"script"`
}

// Call is one observed remote call. The interception path builds it and
// never touches it again after handing it off.
type Call struct {
	ID         string             `json:"id"`
	EndpointID string             `json:"endpoint_id"`
	Class      string             `json:"class"`
	Path       string             `json:"path"`
	Method     string             `json:"method"`
	Direction  registry.Direction `json:"direction"`
	Args       []any              `json:"-"`
	Returns    []any              `json:"-"`
	Returned   bool               `json:"returned"`
	Blocked    bool               `json:"blocked,omitempty"`
	Spoofed    bool               `json:"spoofed,omitempty"`
	Error      string             `json:"error,omitempty"`
	Timestamp  time.Time          `json:"ts"`
	Caller     *Caller            `json:"caller,omitempty"`
	Extra      map[string]any     `json:"extra,omitempty"`
	Context    string             `json:"context"`

	// Options is shared with every other record of the same endpoint.
	Options *OptionsRef `json:"-"`

	endpoint weak.Pointer[host.Instance]
}

// SetEndpoint records inst without keeping it alive. id is the endpoint's
// already resolved debug id; empty asks the instance.
func (c *Call) SetEndpoint(inst *host.Instance, id string) {
	if inst == nil {
		c.endpoint = weak.Pointer[host.Instance]{}
		return
	}
	if id == "" {
		id = inst.DebugID()
	}
	c.endpoint = weak.Make(inst)
	c.EndpointID = id
	c.Class = inst.ClassName()
	c.Path = inst.FullName()
}

// Endpoint returns the live instance, or nil once it has been collected.
// A destroyed instance that is still reachable is returned; callers check
// Destroyed themselves.
func (c *Call) Endpoint() *host.Instance {
	return c.endpoint.Value()
}

// Clone deep-copies the argument and return data so later host mutation
// cannot alias into the copy. The options reference stays shared.
func (c *Call) Clone() *Call {
	out := *c
	out.Args = value.CloneAll(c.Args)
	out.Returns = value.CloneAll(c.Returns)
	if c.Extra != nil {
		out.Extra = make(map[string]any, len(c.Extra))
		for k, v := range c.Extra {
			out.Extra[k] = value.Clone(v)
		}
	}
	if c.Caller != nil {
		caller := *c.Caller
		out.Caller = &caller
	}
	return &out
}
