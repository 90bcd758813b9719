package channel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding, so the same message always
// encodes to the same bytes.
var encMode cbor.EncMode

// decMode ignores unknown fields so older peers can read newer frames.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("channel: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("channel: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireMessage is Message with its packet-list graph flattened into a table
// keyed by list id.
type wireMessage struct {
	Type   string                 `cbor:"type"`
	From   ContextID              `cbor:"from,omitempty"`
	Values []Value                `cbor:"values"`
	Tables map[string]*PacketList `cbor:"tables,omitempty"`
}

// Marshal encodes m for an out-of-process peer.
func Marshal(m Message) ([]byte, error) {
	w := wireMessage{Type: m.Type, From: m.From, Values: m.Values}
	for _, v := range m.Values {
		collect(v, &w.Tables)
	}
	return encMode.Marshal(w)
}

func collect(v Value, tables *map[string]*PacketList) {
	if v.Kind != KindTable || v.Table == nil {
		return
	}
	if *tables == nil {
		*tables = make(map[string]*PacketList)
	}
	if _, ok := (*tables)[v.Table.ID]; ok {
		return
	}
	(*tables)[v.Table.ID] = v.Table
	for _, p := range v.Table.Packets {
		collect(p.Index, tables)
		collect(p.Value, tables)
	}
}

// Unmarshal decodes data and relinks every table reference. A reference to
// a list the frame does not carry is a malformed payload.
func Unmarshal(data []byte) (Message, error) {
	var w wireMessage
	if err := decMode.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("channel: decode: %w", err)
	}
	if w.Type == "" {
		return Message{}, fmt.Errorf("channel: decode: message has no type")
	}

	link := func(v *Value) error {
		if v.Kind != KindTable {
			return nil
		}
		l, ok := w.Tables[v.Ref]
		if !ok {
			return fmt.Errorf("channel: decode: unknown table %q", v.Ref)
		}
		v.Table = l
		return nil
	}
	for i := range w.Values {
		if err := link(&w.Values[i]); err != nil {
			return Message{}, err
		}
	}
	for id, l := range w.Tables {
		if l == nil || l.ID != id {
			return Message{}, fmt.Errorf("channel: decode: table %q id mismatch", id)
		}
		for i := range l.Packets {
			if err := link(&l.Packets[i].Index); err != nil {
				return Message{}, err
			}
			if err := link(&l.Packets[i].Value); err != nil {
				return Message{}, err
			}
		}
	}
	return Message{Type: w.Type, From: w.From, Values: w.Values}, nil
}
