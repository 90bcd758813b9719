package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ppiankov/hookwatch/internal/console"
	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/interceptor"
	"github.com/ppiankov/hookwatch/internal/logqueue"
	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type server struct {
	mu    sync.Mutex
	calls []string
}

func (s *server) handle(inst *host.Instance, method string, args []any) ([]any, error) {
	s.mu.Lock()
	s.calls = append(s.calls, inst.Name()+"."+method)
	s.mu.Unlock()
	return []any{"ok", int64(len(args))}, nil
}

func (s *server) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixture struct {
	world  *host.World
	vm     *host.VM
	server *server
	s      *Session
	chat   *host.Instance
	shop   *host.Instance
}

func newFixture(t *testing.T, opts ...host.VMOption) *fixture {
	t.Helper()
	f := &fixture{world: host.NewWorld(), server: &server{}}
	f.world.SetServer(f.server.handle)
	f.vm = f.world.NewVM("main", opts...)
	rs := f.world.New("Folder", "ReplicatedStorage", f.world.Root())
	f.chat = f.world.New("RemoteEvent", "Chat", rs)
	f.shop = f.world.New("RemoteFunction", "Shop", rs)

	s, err := New(f.vm, Config{Queue: logqueue.Config{BatchSize: 100}})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	f.s = s
	return f
}

func (f *fixture) thread(vm *host.VM) *host.Thread {
	return vm.NewThread(host.Frame{Function: "send", Script: "Client"})
}

func TestMainContextRecordsReachConsole(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.BeginHooks(false))

	_, err := f.thread(f.vm).Namecall(f.chat, "FireServer", "a", int64(1), true)
	require.NoError(t, err)
	assert.Equal(t, 1, f.s.Step())

	recent := f.s.Console().Recent(0)
	require.Len(t, recent, 1)
	rec := recent[0]
	assert.Equal(t, "game.ReplicatedStorage.Chat", rec.Path)
	assert.Equal(t, []any{"a", int64(1), true}, rec.Args)
	assert.Equal(t, "main", rec.Context)
	require.NotNil(t, rec.Caller)
	assert.Equal(t, "Client", rec.Caller.Script)
}

func TestWorkerRecordsCrossTheChannel(t *testing.T) {
	f := newFixture(t)
	wvm := f.world.NewVM("worker-1")
	w, err := f.s.AddWorker(wvm, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.s.BeginHooks(false))
	f.s.Step()
	assert.Equal(t, interceptor.Installed, w.Interceptor().Phase())

	out, err := f.thread(wvm).Namecall(f.shop, "InvokeServer", "sword")
	require.NoError(t, err)
	assert.Equal(t, []any{"ok", int64(1)}, out)

	assert.Equal(t, 1, f.s.Step())
	recent := f.s.Console().Recent(0)
	require.Len(t, recent, 1)
	rec := recent[0]
	assert.Equal(t, "worker-1", rec.Context)
	assert.Equal(t, true, rec.Extra["Actor"])
	assert.Equal(t, f.shop.DebugID(), rec.EndpointID)
	assert.Same(t, f.shop, rec.Endpoint())
	assert.True(t, rec.Returned)
	assert.Equal(t, []any{"ok", int64(1)}, rec.Returns)
	require.NotNil(t, rec.Caller)
	assert.Equal(t, "send", rec.Caller.Function)
	require.NotNil(t, rec.Options)
	assert.Equal(t, rec.EndpointID, rec.Options.ID())
}

func TestLateWorkerCatchesUp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.BeginHooks(false))
	f.s.UpdateRemoteData(f.chat.DebugID(), record.Options{Blocked: true})

	wvm := f.world.NewVM("worker-2")
	w, err := f.s.AddWorker(wvm, "worker-2")
	require.NoError(t, err)
	f.s.Step()

	assert.Equal(t, interceptor.Installed, w.Interceptor().Phase())
	ref, ok := w.Processor().Options().Peek(f.chat.DebugID())
	require.True(t, ok)
	assert.True(t, ref.Blocked())
}

func TestUpdateRemoteDataReplicates(t *testing.T) {
	f := newFixture(t)
	wvm := f.world.NewVM("worker-1")
	_, err := f.s.AddWorker(wvm, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.s.BeginHooks(false))
	f.s.Step()

	f.s.UpdateRemoteData(f.chat.DebugID(), record.Options{Blocked: true})
	f.s.Step()

	_, err = f.thread(wvm).Namecall(f.chat, "FireServer", "x")
	require.NoError(t, err)
	_, err = f.thread(f.vm).Namecall(f.chat, "FireServer", "y")
	require.NoError(t, err)
	assert.Zero(t, f.server.count())

	assert.Equal(t, 2, f.s.Step())
	for _, rec := range f.s.Console().Recent(0) {
		assert.True(t, rec.Blocked)
	}

	f.s.UpdateRemoteData(f.chat.DebugID(), record.Options{Excluded: true})
	f.s.Step()
	_, err = f.thread(wvm).Namecall(f.chat, "FireServer", "z")
	require.NoError(t, err)
	assert.Equal(t, 1, f.server.count())
	assert.Zero(t, f.s.Step())
}

func TestSetNewReturnSpoofsReplicates(t *testing.T) {
	f := newFixture(t)
	wvm := f.world.NewVM("worker-1")
	_, err := f.s.AddWorker(wvm, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.s.BeginHooks(false))

	src := `module.exports = { "game.ReplicatedStorage.Shop": { method: "InvokeServer", returns: ["free"] } }`
	require.NoError(t, f.s.SetNewReturnSpoofs(src))
	f.s.Step()

	for _, vm := range []*host.VM{f.vm, wvm} {
		out, err := f.thread(vm).Namecall(f.shop, "InvokeServer", "sword")
		require.NoError(t, err)
		assert.Equal(t, []any{"free"}, out)
	}
	assert.Zero(t, f.server.count())
	assert.Equal(t, 2, f.s.Step())
	for _, rec := range f.s.Console().Recent(0) {
		assert.True(t, rec.Spoofed)
	}

	assert.Error(t, f.s.SetNewReturnSpoofs("module.exports = {"))
	assert.Equal(t, src, f.s.Main().Processor().Spoofs().Source())
}

func TestRepeatCallAndMakeScript(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.BeginHooks(false))

	_, err := f.thread(f.vm).Namecall(f.chat, "FireServer", "hello")
	require.NoError(t, err)
	require.Equal(t, 1, f.s.Step())
	id := f.s.Console().Recent(0)[0].ID

	_, err = f.s.RepeatCall(id)
	require.NoError(t, err)
	assert.Equal(t, 2, f.server.count())
	require.Equal(t, 1, f.s.Step())
	var repeated *record.Call
	for _, rec := range f.s.Console().Recent(0) {
		if rec.ID != id {
			repeated = rec
		}
	}
	require.NotNil(t, repeated)
	assert.Equal(t, []any{"hello"}, repeated.Args)
	assert.Nil(t, repeated.Caller)

	src, err := f.s.MakeScript(id)
	require.NoError(t, err)
	assert.Contains(t, src, "local remote = game.ReplicatedStorage.Chat")
	assert.Contains(t, src, "remote:FireServer(unpack(args))")

	_, err = f.s.MakeScript("missing")
	assert.ErrorIs(t, err, console.ErrNotFound)

	f.chat.Destroy()
	_, err = f.s.RepeatCall(id)
	assert.ErrorIs(t, err, ErrEndpointGone)
}

func TestRepeatInboundCall(t *testing.T) {
	f := newFixture(t)
	ask := f.world.New("RemoteFunction", "Ask", f.world.Root())
	ask.SetCallback("OnClientInvoke", func(c *host.Call) ([]any, error) {
		return []any{"answer"}, nil
	})
	require.NoError(t, f.s.BeginHooks(false))

	out, err := f.world.InvokeClient(ask, "q")
	require.NoError(t, err)
	assert.Equal(t, []any{"answer"}, out)
	require.Equal(t, 1, f.s.Step())
	rec := f.s.Console().Recent(0)[0]
	assert.Equal(t, registry.Inbound, rec.Direction)

	out, err = f.s.RepeatCall(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{"answer"}, out)
	assert.Equal(t, 1, f.s.Step())
}

func TestBeginHooksAbortsOnUnsupportedHost(t *testing.T) {
	f := newFixture(t, host.WithoutNamecall())
	err := f.s.BeginHooks(false)
	var unsupported *interceptor.UnsupportedError
	require.True(t, errors.As(err, &unsupported))
	assert.Equal(t, interceptor.Uninstalled, f.s.Main().Interceptor().Phase())
}

func TestSetExtraDataReachesWorkers(t *testing.T) {
	f := newFixture(t)
	wvm := f.world.NewVM("worker-1")
	_, err := f.s.AddWorker(wvm, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.s.BeginHooks(false))
	f.s.SetExtraData(map[string]any{"Tag": "round-2"})
	f.s.Step()

	_, err = f.thread(wvm).Namecall(f.chat, "FireServer")
	require.NoError(t, err)
	require.Equal(t, 1, f.s.Step())
	rec := f.s.Console().Recent(0)[0]
	assert.Equal(t, "round-2", rec.Extra["Tag"])
	assert.Equal(t, true, rec.Extra["Actor"])
}

func TestWorkerPrint(t *testing.T) {
	f := newFixture(t)
	w, err := f.s.AddWorker(f.world.NewVM("worker-1"), "worker-1")
	require.NoError(t, err)
	w.Print("warn", "hello from worker")
	f.s.Step()

	lines := f.s.Console().Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, console.LevelWarn, lines[0].Level)
	assert.Equal(t, "worker-1", lines[0].Source)
}

func TestAddWorkerRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	_, err := f.s.AddWorker(f.world.NewVM("w"), "w")
	require.NoError(t, err)
	_, err = f.s.AddWorker(f.world.NewVM("w2"), "w")
	assert.Error(t, err)
	_, err = f.s.AddWorker(host.NewWorld().NewVM("x"), "x")
	assert.Error(t, err)
	assert.True(t, f.s.RemoveWorker("w"))
	assert.False(t, f.s.RemoveWorker("w"))
}

func TestRunDrainsUntilCancelled(t *testing.T) {
	f := newFixture(t)
	wvm := f.world.NewVM("worker-1")
	_, err := f.s.AddWorker(wvm, "worker-1")
	require.NoError(t, err)
	require.NoError(t, f.s.BeginHooks(false))
	f.s.Step()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.s.Run(ctx) }()

	_, err = f.thread(wvm).Namecall(f.chat, "FireServer", "bg")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(f.s.Console().Recent(0)) == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
