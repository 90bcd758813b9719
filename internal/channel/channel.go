// Package channel carries typed messages between execution contexts. A
// message's values are serialized by the sender and rebuilt by each
// receiver, so no table is ever shared across a context boundary.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Message types exchanged between contexts.
const (
	TypeQueueLog      = "QueueLog"
	TypePrint         = "Print"
	TypeRemoteData    = "RemoteData"
	TypeAllRemoteData = "AllRemoteData"
	TypeUpdateSpoofs  = "UpdateSpoofs"
	TypeBeginHooks    = "BeginHooks"
	TypeSetExtraData  = "SetExtraData"
)

const defaultTick = 30 * time.Millisecond

// ErrUnknownChannel is returned by GetChannel for an id nobody created.
var ErrUnknownChannel = errors.New("unknown channel")

// ContextID names an execution context.
type ContextID string

// Message is one typed, serialized payload.
type Message struct {
	Type   string
	From   ContextID
	Values []Value
}

// Handler receives the rebuilt values of one message type.
type Handler func(args []any) error

// Hub is the location every context can reach. It owns the channels.
type Hub struct {
	logger *zap.Logger
	tick   time.Duration

	mu       sync.Mutex
	next     int
	channels map[int]*Channel
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger, tick: defaultTick, channels: make(map[int]*Channel)}
}

// SetTick sets the drain interval used by wrapped handles created later.
func (h *Hub) SetTick(d time.Duration) {
	if d > 0 {
		h.mu.Lock()
		h.tick = d
		h.mu.Unlock()
	}
}

// CreateChannel allocates a channel owned by ctx and returns its id and the
// owner's direct handle.
func (h *Hub) CreateChannel(owner ContextID) (int, *Handle) {
	h.mu.Lock()
	h.next++
	ch := &Channel{id: h.next, owner: owner, logger: h.logger}
	h.channels[ch.id] = ch
	tick := h.tick
	h.mu.Unlock()

	return ch.id, ch.attach(owner, false, tick)
}

// GetChannel resolves channel id from context from. Contexts other than the
// owner get a wrapped handle whose traffic moves on its own Run loop.
func (h *Hub) GetChannel(id int, from ContextID) (*Handle, bool, error) {
	h.mu.Lock()
	ch, ok := h.channels[id]
	tick := h.tick
	h.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("channel %d: %w", id, ErrUnknownChannel)
	}
	wrapped := from != ch.owner
	return ch.attach(from, wrapped, tick), wrapped, nil
}

// Channel is a one-to-many event. Every attached handle except the sender
// receives each message.
type Channel struct {
	id     int
	owner  ContextID
	logger *zap.Logger

	mu   sync.RWMutex
	subs []*Handle
}

// ID returns the channel id.
func (c *Channel) ID() int { return c.id }

// Owner returns the context that created the channel.
func (c *Channel) Owner() ContextID { return c.owner }

func (c *Channel) attach(ctx ContextID, wrapped bool, tick time.Duration) *Handle {
	h := &Handle{
		ch:       c,
		ctx:      ctx,
		wrapped:  wrapped,
		tick:     tick,
		ser:      NewSerializer(),
		de:       NewDeserializer(nil),
		handlers: make(map[string]Handler),
		logger:   c.logger.With(zap.String("context", string(ctx)), zap.Int("channel", c.id)),
	}
	c.mu.Lock()
	c.subs = append(c.subs, h)
	c.mu.Unlock()
	return h
}

func (c *Channel) detach(h *Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == h {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *Channel) fire(m Message, sender *Handle) {
	c.mu.RLock()
	subs := make([]*Handle, 0, len(c.subs))
	for _, s := range c.subs {
		if s != sender {
			subs = append(subs, s)
		}
	}
	c.mu.RUnlock()
	for _, s := range subs {
		s.deliver(m)
	}
}

// Handle is one context's view of a channel. Direct handles send and
// receive synchronously; wrapped handles queue both ways until Run or
// Flush moves the traffic.
type Handle struct {
	ch      *Channel
	ctx     ContextID
	wrapped bool
	tick    time.Duration
	logger  *zap.Logger

	sendMu sync.Mutex
	ser    *Serializer

	recvMu sync.Mutex
	de     *Deserializer

	hmu      sync.RWMutex
	handlers map[string]Handler

	qmu    sync.Mutex
	outbox []Message
	inbox  []Message
}

// Context returns the context this handle belongs to.
func (h *Handle) Context() ContextID { return h.ctx }

// Wrapped reports whether traffic is queued for a Run loop.
func (h *Handle) Wrapped() bool { return h.wrapped }

// Channel returns the underlying channel.
func (h *Handle) Channel() *Channel { return h.ch }

// SetResolver sets how references to host objects are resolved on receipt.
func (h *Handle) SetResolver(r Resolver) {
	h.recvMu.Lock()
	h.de.SetResolver(r)
	h.recvMu.Unlock()
}

// On registers fn for messages of type typ, replacing any earlier handler.
func (h *Handle) On(typ string, fn Handler) {
	h.hmu.Lock()
	h.handlers[typ] = fn
	h.hmu.Unlock()
}

// Send serializes values and dispatches them. It never blocks on receivers
// of a wrapped handle.
func (h *Handle) Send(typ string, values ...any) {
	h.sendMu.Lock()
	payload := h.ser.Serialize(values...)
	h.sendMu.Unlock()
	h.SendMessage(Message{Type: typ, From: h.ctx, Values: payload})
}

// SendMessage dispatches an already serialized message.
func (h *Handle) SendMessage(m Message) {
	if m.From == "" {
		m.From = h.ctx
	}
	if !h.wrapped {
		h.ch.fire(m, h)
		return
	}
	h.qmu.Lock()
	h.outbox = append(h.outbox, m)
	h.qmu.Unlock()
}

// NextEpoch drops both serialization caches.
func (h *Handle) NextEpoch() {
	h.sendMu.Lock()
	h.ser.NextEpoch()
	h.sendMu.Unlock()
	h.recvMu.Lock()
	h.de.NextEpoch()
	h.recvMu.Unlock()
}

// Close detaches the handle from its channel.
func (h *Handle) Close() { h.ch.detach(h) }

func (h *Handle) deliver(m Message) {
	if !h.wrapped {
		h.dispatch(m)
		return
	}
	h.qmu.Lock()
	h.inbox = append(h.inbox, m)
	h.qmu.Unlock()
}

// Flush moves queued traffic once: outgoing messages are fired in send
// order, then received messages are dispatched in arrival order.
func (h *Handle) Flush() {
	h.qmu.Lock()
	out, in := h.outbox, h.inbox
	h.outbox, h.inbox = nil, nil
	h.qmu.Unlock()

	for _, m := range out {
		h.ch.fire(m, h)
	}
	for _, m := range in {
		h.dispatch(m)
	}
}

// Pending returns the number of queued outgoing and incoming messages.
func (h *Handle) Pending() (out, in int) {
	h.qmu.Lock()
	defer h.qmu.Unlock()
	return len(h.outbox), len(h.inbox)
}

// Run drains a wrapped handle once per tick until ctx is cancelled. For a
// direct handle it only waits for ctx.
func (h *Handle) Run(ctx context.Context) error {
	if !h.wrapped {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(h.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Flush()
			return nil
		case <-ticker.C:
			h.Flush()
		}
	}
}

func (h *Handle) dispatch(m Message) {
	h.hmu.RLock()
	fn, ok := h.handlers[m.Type]
	h.hmu.RUnlock()
	if !ok {
		return
	}

	h.recvMu.Lock()
	args, err := h.de.Deserialize(m.Values)
	h.recvMu.Unlock()
	if err != nil {
		h.logger.Warn("dropping malformed message", zap.String("type", m.Type), zap.String("from", string(m.From)), zap.Error(err))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("message handler panicked", zap.String("type", m.Type), zap.Any("panic", r))
		}
	}()
	if err := fn(args); err != nil {
		h.logger.Warn("message handler failed", zap.String("type", m.Type), zap.Error(err))
	}
}
