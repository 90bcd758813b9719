package channel

import (
	"fmt"
	"runtime"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ppiankov/hookwatch/internal/value"
)

const (
	defaultCacheSize  = 1024
	defaultYieldEvery = 256
)

// Kind tags the variant held by a serialized Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTable
	KindRef
	KindOpaque
)

// Value is one serialized value. Primitives cross as themselves; tables
// cross as packet lists; host objects cross as references by id.
type Value struct {
	Kind  Kind    `cbor:"k"`
	Bool  bool    `cbor:"b,omitempty"`
	Int   int64   `cbor:"i,omitempty"`
	Float float64 `cbor:"f,omitempty"`
	Str   string  `cbor:"s,omitempty"`
	// Ref is the packet list id for KindTable and the object id for KindRef.
	Ref string `cbor:"r,omitempty"`

	// Table is the in-process link for KindTable. Wire encoding drops it
	// and resolves Ref instead.
	Table *PacketList `cbor:"-"`
}

// Packet is one key/value pair of a serialized table.
type Packet struct {
	Index Value `cbor:"k"`
	Value Value `cbor:"v"`
}

// PacketList is a serialized table. A table that contains itself yields a
// list whose packets point back at the list.
type PacketList struct {
	ID      string   `cbor:"id"`
	Packets []Packet `cbor:"p"`
}

// Ref is implemented by host objects that cross contexts by identity.
type Ref interface {
	RefID() string
}

// Resolver maps a reference id back to a live object on the receiving side.
// It returns nil for ids that no longer resolve.
type Resolver func(id string) any

type dep struct {
	table   *value.Table
	version uint64
}

type cachedList struct {
	list *PacketList
	deps []dep
}

func (c cachedList) fresh() bool {
	for _, d := range c.deps {
		if d.table.Version() != d.version {
			return false
		}
	}
	return true
}

// Serializer turns values into their cross-context form. Tables are cached
// per epoch, so serializing the same unchanged table twice returns the same
// list without walking it again. The cache holds at most its capacity; an
// evicted table is simply walked again.
type Serializer struct {
	cache      *lru.Cache[*value.Table, cachedList]
	yieldEvery int
	ops        int
	yield      func()
}

// SerializerOption configures a Serializer or Deserializer.
type SerializerOption func(*codecConfig)

type codecConfig struct {
	cacheSize  int
	yieldEvery int
	yield      func()
}

// WithCacheSize bounds the identity cache.
func WithCacheSize(n int) SerializerOption {
	return func(c *codecConfig) { c.cacheSize = n }
}

// WithYield sets how often the walk yields and what yielding means.
func WithYield(every int, yield func()) SerializerOption {
	return func(c *codecConfig) {
		c.yieldEvery = every
		if yield != nil {
			c.yield = yield
		}
	}
}

func newCodecConfig(opts []SerializerOption) codecConfig {
	cfg := codecConfig{cacheSize: defaultCacheSize, yieldEvery: defaultYieldEvery, yield: runtime.Gosched}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.cacheSize <= 0 {
		cfg.cacheSize = defaultCacheSize
	}
	return cfg
}

// NewSerializer creates a serializer.
func NewSerializer(opts ...SerializerOption) *Serializer {
	cfg := newCodecConfig(opts)
	cache, err := lru.New[*value.Table, cachedList](cfg.cacheSize)
	if err != nil {
		panic(fmt.Sprintf("channel: serializer cache: %v", err))
	}
	return &Serializer{cache: cache, yieldEvery: cfg.yieldEvery, yield: cfg.yield}
}

// NextEpoch forgets every cached table.
func (s *Serializer) NextEpoch() { s.cache.Purge() }

// Serialize converts each value.
func (s *Serializer) Serialize(vals ...any) []Value {
	out := make([]Value, len(vals))
	for i, v := range vals {
		out[i] = s.value(v, nil)
	}
	return out
}

// SerializeTable converts t. The list is cached before its entries are
// walked, which is what ends the walk on cycles.
func (s *Serializer) SerializeTable(t *value.Table) *PacketList {
	return s.table(t, nil)
}

type walk struct {
	lists map[*value.Table]*PacketList
	deps  []dep
}

func (s *Serializer) table(t *value.Table, w *walk) *PacketList {
	root := w == nil
	if root {
		if c, ok := s.cache.Get(t); ok && c.fresh() {
			return c.list
		}
		w = &walk{lists: make(map[*value.Table]*PacketList)}
	} else {
		if l, ok := w.lists[t]; ok {
			return l
		}
		if c, ok := s.cache.Get(t); ok && c.fresh() {
			w.deps = append(w.deps, c.deps...)
			return c.list
		}
	}

	list := &PacketList{ID: uuid.NewString()}
	w.lists[t] = list
	w.deps = append(w.deps, dep{table: t, version: t.Version()})

	t.Range(func(k, v any) bool {
		list.Packets = append(list.Packets, Packet{
			Index: s.value(k, w),
			Value: s.value(v, w),
		})
		s.tick()
		return true
	})

	if root {
		s.cache.Add(t, cachedList{list: list, deps: w.deps})
	}
	return list
}

func (s *Serializer) value(v any, w *walk) Value {
	switch x := value.Normalize(v).(type) {
	case nil:
		return Value{Kind: KindNil}
	case bool:
		return Value{Kind: KindBool, Bool: x}
	case int64:
		return Value{Kind: KindInt, Int: x}
	case float64:
		return Value{Kind: KindFloat, Float: x}
	case string:
		return Value{Kind: KindString, Str: x}
	case *value.Table:
		if x == nil {
			return Value{Kind: KindNil}
		}
		l := s.table(x, w)
		return Value{Kind: KindTable, Ref: l.ID, Table: l}
	case Ref:
		return Value{Kind: KindRef, Ref: x.RefID()}
	default:
		return Value{Kind: KindOpaque, Str: fmt.Sprintf("%T", x)}
	}
}

func (s *Serializer) tick() {
	if s.yieldEvery <= 0 {
		return
	}
	s.ops++
	if s.ops%s.yieldEvery == 0 {
		s.yield()
	}
}

// Deserializer is the inverse of Serializer. Lists already rebuilt in this
// epoch return the same table.
type Deserializer struct {
	cache      *lru.Cache[string, *value.Table]
	resolve    Resolver
	yieldEvery int
	ops        int
	yield      func()
}

// NewDeserializer creates a deserializer. resolve may be nil, in which case
// references come back as nil.
func NewDeserializer(resolve Resolver, opts ...SerializerOption) *Deserializer {
	cfg := newCodecConfig(opts)
	cache, err := lru.New[string, *value.Table](cfg.cacheSize)
	if err != nil {
		panic(fmt.Sprintf("channel: deserializer cache: %v", err))
	}
	return &Deserializer{cache: cache, resolve: resolve, yieldEvery: cfg.yieldEvery, yield: cfg.yield}
}

// NextEpoch forgets every cached table.
func (d *Deserializer) NextEpoch() { d.cache.Purge() }

// SetResolver replaces the reference resolver.
func (d *Deserializer) SetResolver(r Resolver) { d.resolve = r }

// Deserialize converts each value back.
func (d *Deserializer) Deserialize(vals []Value) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		x, err := d.value(v)
		if err != nil {
			return nil, err
		}
		out[i] = x
	}
	return out, nil
}

// DeserializeTable rebuilds the table for l.
func (d *Deserializer) DeserializeTable(l *PacketList) (*value.Table, error) {
	if l == nil {
		return nil, fmt.Errorf("channel: nil packet list")
	}
	if t, ok := d.cache.Get(l.ID); ok {
		return t, nil
	}
	t := value.NewTable()
	d.cache.Add(l.ID, t)
	if err := d.fill(t, l, map[string]*value.Table{l.ID: t}); err != nil {
		d.cache.Remove(l.ID)
		return nil, err
	}
	return t, nil
}

func (d *Deserializer) fill(t *value.Table, l *PacketList, building map[string]*value.Table) error {
	for _, p := range l.Packets {
		k, err := d.nested(p.Index, building)
		if err != nil {
			return err
		}
		v, err := d.nested(p.Value, building)
		if err != nil {
			return err
		}
		t.Set(k, v)
		d.tick()
	}
	return nil
}

func (d *Deserializer) nested(v Value, building map[string]*value.Table) (any, error) {
	if v.Kind != KindTable {
		return d.value(v)
	}
	if v.Table == nil {
		return nil, fmt.Errorf("channel: table %q has no packet list", v.Ref)
	}
	if t, ok := building[v.Table.ID]; ok {
		return t, nil
	}
	if t, ok := d.cache.Get(v.Table.ID); ok {
		return t, nil
	}
	t := value.NewTable()
	building[v.Table.ID] = t
	d.cache.Add(v.Table.ID, t)
	if err := d.fill(t, v.Table, building); err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Deserializer) value(v Value) (any, error) {
	switch v.Kind {
	case KindNil, KindOpaque:
		return nil, nil
	case KindBool:
		return v.Bool, nil
	case KindInt:
		return v.Int, nil
	case KindFloat:
		return v.Float, nil
	case KindString:
		return v.Str, nil
	case KindTable:
		return d.DeserializeTable(v.Table)
	case KindRef:
		if d.resolve == nil {
			return nil, nil
		}
		return d.resolve(v.Ref), nil
	default:
		return nil, fmt.Errorf("channel: unknown value kind %d", v.Kind)
	}
}

func (d *Deserializer) tick() {
	if d.yieldEvery <= 0 {
		return
	}
	d.ops++
	if d.ops%d.yieldEvery == 0 {
		d.yield()
	}
}
