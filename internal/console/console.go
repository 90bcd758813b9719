// Package console is the headless presentation model: per-endpoint headers
// holding recent records, plus a bounded list of console lines.
package console

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/hookwatch/internal/record"
)

const (
	DefaultLogLimit     = 100
	DefaultConsoleLimit = 500
)

// ErrNotFound is returned for record ids no longer retained.
var ErrNotFound = errors.New("record not retained")

// Level grades a console line.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Line is one console message.
type Line struct {
	Time    time.Time `json:"time"`
	Level   Level     `json:"level"`
	Source  string    `json:"source,omitempty"`
	Message string    `json:"message"`
}

// Header groups the records of one endpoint. Logs holds at most LogLimit
// records, newest last.
type Header struct {
	EndpointID string             `json:"endpoint_id"`
	Class      string             `json:"class"`
	Path       string             `json:"path"`
	Total      int                `json:"total"`
	Options    *record.OptionsRef `json:"-"`
	Logs       []*record.Call     `json:"-"`
}

// Summary is a copyable view of a Header.
type Summary struct {
	EndpointID string         `json:"endpoint_id"`
	Class      string         `json:"class"`
	Path       string         `json:"path"`
	Total      int            `json:"total"`
	Retained   int            `json:"retained"`
	Options    record.Options `json:"options"`
	LastCall   time.Time      `json:"last_call"`
}

// Config bounds the console.
type Config struct {
	LogLimit     int
	ConsoleLimit int
}

// Console consumes records and console output.
type Console struct {
	logLimit     int
	consoleLimit int

	mu      sync.RWMutex
	headers map[string]*Header
	byID    map[string]*record.Call
	lines   []Line

	obsMu     sync.RWMutex
	nextObs   int
	observers map[int]func(*record.Call)
}

// New creates an empty console.
func New(cfg Config) *Console {
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = DefaultLogLimit
	}
	if cfg.ConsoleLimit <= 0 {
		cfg.ConsoleLimit = DefaultConsoleLimit
	}
	return &Console{
		logLimit:     cfg.LogLimit,
		consoleLimit: cfg.ConsoleLimit,
		headers:      make(map[string]*Header),
		byID:         make(map[string]*record.Call),
		observers:    make(map[int]func(*record.Call)),
	}
}

// Consume implements logqueue.Consumer.
func (c *Console) Consume(rec *record.Call) error {
	if rec == nil {
		return fmt.Errorf("console: nil record")
	}
	if rec.EndpointID == "" {
		return fmt.Errorf("console: record %s has no endpoint id", rec.ID)
	}

	c.mu.Lock()
	h, ok := c.headers[rec.EndpointID]
	if !ok {
		h = &Header{EndpointID: rec.EndpointID, Class: rec.Class}
		c.headers[rec.EndpointID] = h
	}
	h.Path = rec.Path
	h.Total++
	if rec.Options != nil {
		h.Options = rec.Options
	}
	h.Logs = append(h.Logs, rec)
	if over := len(h.Logs) - c.logLimit; over > 0 {
		for _, old := range h.Logs[:over] {
			delete(c.byID, old.ID)
		}
		h.Logs = append([]*record.Call(nil), h.Logs[over:]...)
	}
	c.byID[rec.ID] = rec
	c.mu.Unlock()

	c.obsMu.RLock()
	obs := make([]func(*record.Call), 0, len(c.observers))
	for _, fn := range c.observers {
		obs = append(obs, fn)
	}
	c.obsMu.RUnlock()
	for _, fn := range obs {
		fn(rec)
	}
	return nil
}

// Subscribe calls fn for every consumed record. The returned func
// unsubscribes.
func (c *Console) Subscribe(fn func(*record.Call)) func() {
	c.obsMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = fn
	c.obsMu.Unlock()
	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// ConsoleLog appends a console line, dropping the oldest past the limit.
func (c *Console) ConsoleLog(level Level, source, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, Line{Time: time.Now().UTC(), Level: level, Source: source, Message: msg})
	if over := len(c.lines) - c.consoleLimit; over > 0 {
		c.lines = append([]Line(nil), c.lines[over:]...)
	}
}

// Lines returns a copy of the console lines.
func (c *Console) Lines() []Line {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Line(nil), c.lines...)
}

// Header returns the retained records of one endpoint, oldest first.
func (c *Console) Header(endpointID string) (Summary, []*record.Call, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.headers[endpointID]
	if !ok {
		return Summary{}, nil, false
	}
	return summarize(h), append([]*record.Call(nil), h.Logs...), true
}

// Summaries lists every header, most recently active first.
func (c *Console) Summaries() []Summary {
	c.mu.RLock()
	out := make([]Summary, 0, len(c.headers))
	for _, h := range c.headers {
		out = append(out, summarize(h))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastCall.Equal(out[j].LastCall) {
			return out[i].LastCall.After(out[j].LastCall)
		}
		return out[i].EndpointID < out[j].EndpointID
	})
	return out
}

// Record returns a retained record by id.
func (c *Console) Record(id string) (*record.Call, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Recent returns up to limit retained records across all endpoints, newest
// first.
func (c *Console) Recent(limit int) []*record.Call {
	c.mu.RLock()
	all := make([]*record.Call, 0, len(c.byID))
	for _, rec := range c.byID {
		all = append(all, rec)
	}
	c.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if !all[i].Timestamp.Equal(all[j].Timestamp) {
			return all[i].Timestamp.After(all[j].Timestamp)
		}
		return all[i].ID > all[j].ID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Clear drops every retained record and line.
func (c *Console) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.headers = make(map[string]*Header)
	c.byID = make(map[string]*record.Call)
	c.lines = nil
}

func summarize(h *Header) Summary {
	s := Summary{
		EndpointID: h.EndpointID,
		Class:      h.Class,
		Path:       h.Path,
		Total:      h.Total,
		Retained:   len(h.Logs),
	}
	if h.Options != nil {
		s.Options = h.Options.Load()
	}
	if n := len(h.Logs); n > 0 {
		s.LastCall = h.Logs[n-1].Timestamp
	}
	return s
}
