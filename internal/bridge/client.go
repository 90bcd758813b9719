package bridge

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ppiankov/hookwatch/internal/channel"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/session"
	"github.com/ppiankov/hookwatch/internal/value"
)

// Dial opens a plaintext connection to a bridge at addr.
func Dial(addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("bridge: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Client attaches presenters to a bridge server.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps conn.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Attach opens a stream. It ends when ctx is cancelled.
func (c *Client) Attach(ctx context.Context) (*Stream, error) {
	cs, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], attachMethod)
	if err != nil {
		return nil, fmt.Errorf("bridge: attach: %w", err)
	}
	return &Stream{
		cs:      cs,
		ser:     channel.NewSerializer(),
		des:     channel.NewDeserializer(nil),
		options: record.NewOptionsStore(),
	}, nil
}

// Event is one decoded server frame. Record is set for QueueLog frames.
type Event struct {
	Type   string
	Values []any
	Record *record.Call
}

// Stream is one attached presenter. Recv and the send methods may be used
// from different goroutines.
type Stream struct {
	cs      grpc.ClientStream
	ser     *channel.Serializer
	des     *channel.Deserializer
	options *record.OptionsStore
	sendMu  sync.Mutex
}

// Recv blocks for the next event. Endpoint instances do not cross the
// process boundary, so records carry ids and paths only.
func (s *Stream) Recv() (Event, error) {
	frame := new(wrapperspb.BytesValue)
	if err := s.cs.RecvMsg(frame); err != nil {
		return Event{}, err
	}
	m, err := channel.Unmarshal(frame.GetValue())
	if err != nil {
		return Event{}, err
	}
	vals, err := s.des.Deserialize(m.Values)
	if err != nil {
		return Event{}, err
	}
	ev := Event{Type: m.Type, Values: vals}
	switch m.Type {
	case channel.TypeQueueLog:
		if len(vals) > 0 {
			if t, ok := vals[0].(*value.Table); ok {
				rec, err := session.CallFromTable(t, s.options)
				if err != nil {
					return Event{}, err
				}
				ev.Record = rec
			}
		}
	case channel.TypeAllRemoteData:
		if len(vals) > 0 {
			if t, ok := vals[0].(*value.Table); ok {
				t.Range(func(k, v any) bool {
					id, _ := k.(string)
					if o, ok := session.OptionsFromTable(v); ok && id != "" {
						s.options.Update(id, o)
					}
					return true
				})
			}
		}
	}
	return ev, nil
}

// Options returns the endpoint options last reported by the server.
func (s *Stream) Options() *record.OptionsStore { return s.options }

// SendRemoteData asks the session to change an endpoint's options.
func (s *Stream) SendRemoteData(id string, o record.Options) error {
	return s.send(channel.TypeRemoteData, id, session.OptionsTable(o))
}

// SendSpoofs asks the session to load new spoof source.
func (s *Stream) SendSpoofs(source string) error {
	return s.send(channel.TypeUpdateSpoofs, source)
}

// CloseSend ends the presenter's half of the stream. Records keep flowing
// until the stream context ends.
func (s *Stream) CloseSend() error { return s.cs.CloseSend() }

func (s *Stream) send(typ string, values ...any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	data, err := channel.Marshal(channel.Message{Type: typ, Values: s.ser.Serialize(values...)})
	if err != nil {
		return fmt.Errorf("bridge: encode %s: %w", typ, err)
	}
	return s.cs.SendMsg(wrapperspb.Bytes(data))
}
