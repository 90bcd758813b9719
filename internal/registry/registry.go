package registry

import (
	"fmt"
	"sort"
	"strings"
)

// Direction is which side of the boundary initiated a call.
type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Class describes the method roles of one endpoint class.
type Class struct {
	Send            []string `yaml:"send" json:"send"`
	Receive         []string `yaml:"receive" json:"receive"`
	Bidirectional   bool     `yaml:"bidirectional" json:"bidirectional"`
	SkipReceiveHook bool     `yaml:"skip_receive_hook" json:"skip_receive_hook"`
}

// FirstSend returns the primary send method, or "".
func (c Class) FirstSend() string {
	if len(c.Send) == 0 {
		return ""
	}
	return c.Send[0]
}

// FirstReceive returns the primary receive channel, or "".
func (c Class) FirstReceive() string {
	if len(c.Receive) == 0 {
		return ""
	}
	return c.Receive[0]
}

// Registry maps class tags to their method roles. It is immutable once built.
type Registry struct {
	classes map[string]Class
}

// Default returns the built-in endpoint classes.
func Default() map[string]Class {
	return map[string]Class{
		"RemoteEvent": {
			Send:    []string{"FireServer"},
			Receive: []string{"OnClientEvent"},
		},
		"UnreliableRemoteEvent": {
			Send:    []string{"FireServer"},
			Receive: []string{"OnClientEvent"},
		},
		"RemoteFunction": {
			Send:          []string{"InvokeServer"},
			Receive:       []string{"OnClientInvoke"},
			Bidirectional: true,
		},
		"BindableEvent": {
			Send:            []string{"Fire"},
			Receive:         []string{"Event"},
			SkipReceiveHook: true,
		},
		"BindableFunction": {
			Send:            []string{"Invoke"},
			Receive:         []string{"OnInvoke"},
			Bidirectional:   true,
			SkipReceiveHook: true,
		},
	}
}

// New builds a registry from classes. Overrides replace default entries by
// tag; an override with no send and no receive methods removes the class.
func New(overrides map[string]Class) (*Registry, error) {
	classes := Default()
	for tag, c := range overrides {
		if strings.TrimSpace(tag) == "" {
			return nil, fmt.Errorf("registry: empty class tag")
		}
		if len(c.Send) == 0 && len(c.Receive) == 0 {
			delete(classes, tag)
			continue
		}
		classes[tag] = Class{
			Send:            append([]string(nil), c.Send...),
			Receive:         append([]string(nil), c.Receive...),
			Bidirectional:   c.Bidirectional,
			SkipReceiveHook: c.SkipReceiveHook,
		}
	}
	return &Registry{classes: classes}, nil
}

// MustDefault returns a registry with only the built-in classes.
func MustDefault() *Registry {
	r, err := New(nil)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the class for tag.
func (r *Registry) Lookup(tag string) (Class, bool) {
	c, ok := r.classes[tag]
	return c, ok
}

// Tags returns the registered class tags in sorted order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.classes))
	for t := range r.classes {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Allows reports whether method is a recognised role of class for dir.
func (r *Registry) Allows(tag string, dir Direction, method string) bool {
	c, ok := r.classes[tag]
	if !ok {
		return false
	}
	methods := c.Send
	if dir == Inbound {
		methods = c.Receive
	}
	for _, m := range methods {
		if m == method {
			return true
		}
	}
	return false
}
