package record

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/value"
)

func TestSetEndpoint(t *testing.T) {
	w := host.NewWorld()
	inst := w.New("RemoteEvent", "Chat", w.Root())

	c := &Call{}
	c.SetEndpoint(inst, "")
	assert.Equal(t, inst.DebugID(), c.EndpointID)
	assert.Equal(t, "RemoteEvent", c.Class)
	assert.Equal(t, "game.Chat", c.Path)
	assert.Same(t, inst, c.Endpoint())

	c.SetEndpoint(nil, "")
	assert.Nil(t, c.Endpoint())

	resolved := &Call{}
	resolved.SetEndpoint(inst, "cached-id")
	assert.Equal(t, "cached-id", resolved.EndpointID)
	assert.Equal(t, "game.Chat", resolved.Path)
}

func TestCloneSeversAliasing(t *testing.T) {
	arg := value.List("a")
	store := NewOptionsStore()
	c := &Call{
		Args:    []any{arg, 1},
		Returns: []any{arg},
		Extra:   map[string]any{"Actor": true},
		Caller:  &Caller{Function: "f", Script: "s"},
		Options: store.Get("1"),
	}

	out := c.Clone()
	arg.Set(int64(1), "changed")
	out.Caller.Function = "g"

	assert.Equal(t, "a", out.Args[0].(*value.Table).Get(1))
	assert.Same(t, out.Args[0], out.Returns[0], "aliasing inside one record is preserved")
	assert.Equal(t, "f", c.Caller.Function)
	assert.Same(t, c.Options, out.Options)
}

func TestOptionsStore(t *testing.T) {
	s := NewOptionsStore()

	_, ok := s.Peek("7")
	assert.False(t, ok)

	ref := s.Get("7")
	assert.Same(t, ref, s.Get("7"))
	assert.Equal(t, Options{}, ref.Load())

	s.Update("7", Options{Blocked: true})
	assert.True(t, ref.Blocked())
	assert.False(t, ref.Excluded())

	s.Replace(map[string]Options{"8": {Excluded: true}})
	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, Options{Blocked: true}, all["7"])
	assert.Equal(t, Options{Excluded: true}, all["8"])
}

func TestOptionsStoreConcurrentGet(t *testing.T) {
	s := NewOptionsStore()
	refs := make([]*OptionsRef, 16)
	var wg sync.WaitGroup
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i] = s.Get("same")
		}(i)
	}
	wg.Wait()
	for _, r := range refs {
		assert.Same(t, refs[0], r)
	}
}
