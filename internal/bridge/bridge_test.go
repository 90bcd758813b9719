package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ppiankov/hookwatch/internal/channel"
	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/session"
)

type harness struct {
	world *host.World
	vm    *host.VM
	sess  *session.Session
	chat  *host.Instance
	srv   *Server
	conn  *grpc.ClientConn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{world: host.NewWorld()}
	h.world.SetServer(func(*host.Instance, string, []any) ([]any, error) { return nil, nil })
	h.vm = h.world.NewVM("main")
	h.chat = h.world.New("RemoteEvent", "Chat", h.world.Root())

	sess, err := session.New(h.vm, session.Config{})
	require.NoError(t, err)
	require.NoError(t, sess.BeginHooks(false))
	h.sess = sess

	lis := bufconn.Listen(1 << 20)
	h.srv = New(sess, Config{})
	go func() { _ = h.srv.Serve(lis) }()

	conn, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	h.conn = conn

	t.Cleanup(func() {
		conn.Close()
		h.srv.Stop()
		sess.Close()
	})
	return h
}

func (h *harness) attach(t *testing.T) (*Stream, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := NewClient(h.conn).Attach(ctx)
	require.NoError(t, err)

	ev, err := st.Recv()
	require.NoError(t, err)
	require.Equal(t, channel.TypeAllRemoteData, ev.Type)
	return st, cancel
}

func TestStreamsRecordsToPresenter(t *testing.T) {
	h := newHarness(t)
	h.sess.UpdateRemoteData("seed", record.Options{Excluded: true})
	st, cancel := h.attach(t)
	defer cancel()

	ref, ok := st.Options().Peek("seed")
	require.True(t, ok)
	assert.True(t, ref.Excluded())

	th := h.vm.NewThread(host.Frame{Function: "send", Script: "Client"})
	_, err := th.Namecall(h.chat, "FireServer", "hello", int64(7))
	require.NoError(t, err)
	require.Equal(t, 1, h.sess.Step())

	ev, err := st.Recv()
	require.NoError(t, err)
	assert.Equal(t, channel.TypeQueueLog, ev.Type)
	require.NotNil(t, ev.Record)
	assert.Equal(t, "game.Chat", ev.Record.Path)
	assert.Equal(t, h.chat.DebugID(), ev.Record.EndpointID)
	assert.Equal(t, []any{"hello", int64(7)}, ev.Record.Args)
	assert.Nil(t, ev.Record.Endpoint())
}

func TestPresenterActionsApply(t *testing.T) {
	h := newHarness(t)
	st, cancel := h.attach(t)
	defer cancel()

	require.NoError(t, st.SendRemoteData(h.chat.DebugID(), record.Options{Blocked: true}))
	ev, err := st.Recv()
	require.NoError(t, err)
	assert.Equal(t, channel.TypePrint, ev.Type)
	assert.Equal(t, []any{"info", channel.TypeRemoteData + " applied", "bridge"}, ev.Values)
	assert.True(t, h.sess.RemoteData()[h.chat.DebugID()].Blocked)

	require.NoError(t, st.SendSpoofs("module.exports = {"))
	ev, err = st.Recv()
	require.NoError(t, err)
	assert.Equal(t, channel.TypePrint, ev.Type)
	require.NotEmpty(t, ev.Values)
	assert.Equal(t, "error", ev.Values[0])

	src := `module.exports = { "game.Chat": { method: "FireServer" } }`
	require.NoError(t, st.SendSpoofs(src))
	ev, err = st.Recv()
	require.NoError(t, err)
	assert.Equal(t, "info", ev.Values[0])
	assert.Equal(t, src, h.sess.Main().Processor().Spoofs().Source())
}

func TestUnsupportedActionIsReported(t *testing.T) {
	h := newHarness(t)
	st, cancel := h.attach(t)
	defer cancel()

	require.NoError(t, st.send(channel.TypeBeginHooks))
	ev, err := st.Recv()
	require.NoError(t, err)
	assert.Equal(t, "error", ev.Values[0])
}
