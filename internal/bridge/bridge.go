// Package bridge exposes a session to out-of-process presenters over a
// gRPC bidirectional stream. Every frame is a BytesValue whose payload is a
// CBOR-encoded channel message, so presenters see the same message types
// worker contexts do.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ppiankov/hookwatch/internal/channel"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/session"
	"github.com/ppiankov/hookwatch/internal/value"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hookwatch.bridge.v1.Bridge"

const (
	attachMethod  = "/" + ServiceName + "/Attach"
	defaultBuffer = 256
	bridgeSource  = "bridge"
)

// Attacher is implemented by bridge servers.
type Attacher interface {
	Attach(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Attacher)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Attach",
		Handler:       attachHandler,
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "hookwatch/bridge/v1/bridge.proto",
}

func attachHandler(srv any, stream grpc.ServerStream) error {
	return srv.(Attacher).Attach(stream)
}

// Backend is the session surface the bridge drives.
type Backend interface {
	Subscribe(fn func(*record.Call)) func()
	UpdateRemoteData(id string, o record.Options)
	SetNewReturnSpoofs(source string) error
	RemoteData() map[string]record.Options
	Resolve(id string) any
}

// Config configures a Server.
type Config struct {
	// Buffer bounds the records queued per stream; overflow is dropped.
	Buffer int
	Logger *zap.Logger
}

// Server serves the Bridge service for one backend.
type Server struct {
	backend Backend
	cfg     Config
	grpc    *grpc.Server
	dropped atomic.Uint64
}

// New registers the bridge service on a fresh gRPC server.
func New(backend Backend, cfg Config, opts ...grpc.ServerOption) *Server {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{backend: backend, cfg: cfg, grpc: grpc.NewServer(opts...)}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Serve accepts connections on lis. Blocks until stopped.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop waits for open streams to finish.
func (s *Server) GracefulStop() { s.grpc.GracefulStop() }

// Stop closes every stream immediately.
func (s *Server) Stop() { s.grpc.Stop() }

// Dropped returns how many records were dropped for slow presenters.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

type outgoing struct {
	typ    string
	values []any
}

// Attach streams consumed records to the presenter and applies the actions
// it sends back. The first frame is a snapshot of every endpoint's options.
func (s *Server) Attach(stream grpc.ServerStream) error {
	recs := make(chan *record.Call, s.cfg.Buffer)
	unsubscribe := s.backend.Subscribe(func(rec *record.Call) {
		select {
		case recs <- rec:
		default:
			s.dropped.Add(1)
		}
	})
	defer unsubscribe()

	g, ctx := errgroup.WithContext(stream.Context())
	replies := make(chan outgoing, 16)

	g.Go(func() error { return s.receive(ctx, stream, replies) })
	g.Go(func() error {
		ser := channel.NewSerializer()
		send := func(typ string, values ...any) error {
			data, err := channel.Marshal(channel.Message{
				Type:   typ,
				From:   session.MainContext,
				Values: ser.Serialize(values...),
			})
			if err != nil {
				return fmt.Errorf("bridge: encode %s: %w", typ, err)
			}
			return stream.SendMsg(wrapperspb.Bytes(data))
		}

		if err := send(channel.TypeAllRemoteData, optionsSnapshot(s.backend.RemoteData())); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case rec := <-recs:
				if err := send(channel.TypeQueueLog, session.RecordTable(rec)); err != nil {
					return err
				}
			case r := <-replies:
				if err := send(r.typ, r.values...); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if stream.Context().Err() != nil {
		return nil
	}
	return err
}

func (s *Server) receive(ctx context.Context, stream grpc.ServerStream, replies chan<- outgoing) error {
	des := channel.NewDeserializer(s.backend.Resolve)
	reply := func(level, msg string) {
		select {
		case replies <- outgoing{typ: channel.TypePrint, values: []any{level, msg, bridgeSource}}:
		case <-ctx.Done():
		}
	}

	for {
		frame := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		m, err := channel.Unmarshal(frame.GetValue())
		if err != nil {
			s.cfg.Logger.Warn("malformed bridge frame", zap.Error(err))
			reply("error", err.Error())
			continue
		}
		args, err := des.Deserialize(m.Values)
		if err != nil {
			s.cfg.Logger.Warn("malformed bridge payload", zap.String("type", m.Type), zap.Error(err))
			reply("error", err.Error())
			continue
		}
		if err := s.apply(m.Type, args); err != nil {
			reply("error", err.Error())
			continue
		}
		reply("info", m.Type+" applied")
	}
}

func (s *Server) apply(typ string, args []any) error {
	switch typ {
	case channel.TypeRemoteData:
		if len(args) < 2 {
			return fmt.Errorf("RemoteData wants id and options")
		}
		id, ok := args[0].(string)
		if !ok || id == "" {
			return fmt.Errorf("RemoteData id is %T", args[0])
		}
		o, ok := session.OptionsFromTable(args[1])
		if !ok {
			return fmt.Errorf("RemoteData options are %T", args[1])
		}
		s.backend.UpdateRemoteData(id, o)
		return nil
	case channel.TypeUpdateSpoofs:
		if len(args) == 0 {
			return fmt.Errorf("UpdateSpoofs without source")
		}
		src, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("UpdateSpoofs source is %T", args[0])
		}
		return s.backend.SetNewReturnSpoofs(src)
	default:
		return fmt.Errorf("unsupported action %q", typ)
	}
}

func optionsSnapshot(all map[string]record.Options) *value.Table {
	t := value.NewTable()
	for id, o := range all {
		t.Set(id, session.OptionsTable(o))
	}
	return t
}
