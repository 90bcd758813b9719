package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/hookwatch/internal/value"
)

func TestDefaultScriptPlays(t *testing.T) {
	s := DefaultScript()
	h, err := NewHost(s)
	require.NoError(t, err)

	var failures []error
	require.NoError(t, h.Run(context.Background(), s.Steps, 0, func(_ Step, err error) {
		failures = append(failures, err)
	}))
	assert.Empty(t, failures)

	served := h.Served()
	assert.Equal(t, 2, served["Shop.InvokeServer"])
	assert.Equal(t, 1, served["Chat.FireServer"])
	assert.Equal(t, 1, served["Hidden.FireServer"])
	assert.Equal(t, "nil.Hidden", h.Endpoints["Hidden"].FullName())
	assert.Equal(t, "game.ReplicatedStorage.Remotes.Chat", h.Endpoints["ReplicatedStorage.Remotes.Chat"].FullName())
	assert.Equal(t, []string{"worker-1"}, h.WorkerNames())
}

func TestPlayOutboundAndInbound(t *testing.T) {
	h, err := NewHost(DefaultScript())
	require.NoError(t, err)

	out, err := h.Play(Step{Context: "worker-1", Endpoint: "ReplicatedStorage.Remotes.Shop", Method: "InvokeServer", Args: []any{"x", 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{"ok", "x", int64(2)}, out)

	out, err = h.Play(Step{Endpoint: "ReplicatedStorage.Remotes.Confirm", Inbound: true, Args: []any{"q"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"ack", "q"}, out)

	_, err = h.Play(Step{Context: "nope", Endpoint: "ReplicatedStorage.Remotes.Chat", Method: "FireServer"})
	assert.Error(t, err)
	_, err = h.Play(Step{Endpoint: "Missing", Method: "FireServer"})
	assert.Error(t, err)
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoints:
  - path: Remotes.Buy
    class: RemoteFunction
workers: [w1]
steps:
  - context: w1
    endpoint: Remotes.Buy
    method: InvokeServer
    caller: "Shop:buy"
    args: [sword, {qty: 2}, [1, 2]]
`), 0600))

	s, err := LoadScript(path)
	require.NoError(t, err)
	h, err := NewHost(s)
	require.NoError(t, err)
	out, err := h.Play(s.Steps[0])
	require.NoError(t, err)
	require.Len(t, out, 4)
	tbl, ok := out[2].(*value.Table)
	require.True(t, ok)
	assert.Equal(t, int64(2), tbl.Get("qty"))
	list, ok := out[3].(*value.Table)
	require.True(t, ok)
	assert.Equal(t, 2, list.Len())

	_, err = LoadScript(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewHostRejectsBadWorkers(t *testing.T) {
	_, err := NewHost(&Script{Workers: []string{"main"}})
	assert.Error(t, err)
}

func TestLoopStopsOnCancel(t *testing.T) {
	h, err := NewHost(DefaultScript())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	steps := []Step{{Endpoint: "ReplicatedStorage.Remotes.Chat", Method: "FireServer"}}
	require.NoError(t, h.Loop(ctx, steps, 5*time.Millisecond, nil))
	assert.Positive(t, h.Served()["Chat.FireServer"])
}
