package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableSequence(t *testing.T) {
	tbl := List("a", 1, true)
	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, []any{"a", int64(1), true}, tbl.Slice())

	tbl.Append(2.5)
	assert.Equal(t, 4, tbl.Len())

	tbl.Set(int64(2), nil)
	assert.Equal(t, 1, tbl.Len(), "a gap ends the sequence part")
	assert.Equal(t, 3, tbl.Count())
}

func TestTableVersionAndOrder(t *testing.T) {
	tbl := NewTable()
	v0 := tbl.Version()
	tbl.Set("b", 1)
	tbl.Set("a", 2)
	tbl.Set("b", 3)
	assert.Greater(t, tbl.Version(), v0)

	var keys []any
	tbl.Range(func(k, v any) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []any{"b", "a"}, keys)

	before := tbl.Version()
	tbl.Set("missing", nil)
	assert.Equal(t, before, tbl.Version(), "deleting an absent key is not a mutation")
}

func TestTableRejectsBadKeys(t *testing.T) {
	tbl := NewTable()
	tbl.Set(nil, 1)
	tbl.Set(math.NaN(), 1)
	tbl.Set(func() {}, 1)
	assert.Equal(t, 0, tbl.Count())
}

func TestIterationHook(t *testing.T) {
	tbl := List(1, 2)
	calls := 0
	tbl.SetIterationHook(func() { calls++ })
	tbl.Range(func(k, v any) bool { return true })
	tbl.Range(func(k, v any) bool { return false })
	assert.Equal(t, 2, calls)
}

func TestClonePreservesCycles(t *testing.T) {
	inner := List("x")
	root := NewTable()
	root.Set("self", root)
	root.Set("a", inner)
	root.Set("b", inner)

	c, ok := Clone(root).(*Table)
	require.True(t, ok)
	assert.NotSame(t, root, c)
	assert.Same(t, c, c.Get("self"))
	assert.Same(t, c.Get("a"), c.Get("b"), "shared subtables stay shared")
	assert.NotSame(t, inner, c.Get("a"))

	inner.Set(int64(1), "mutated")
	assert.Equal(t, "x", c.Get("a").(*Table).Get(1))
}

func TestCloneAllSharesIdentityAcrossArgs(t *testing.T) {
	shared := List(1)
	out := CloneAll([]any{shared, "s", shared})
	assert.Same(t, out[0], out[2])
	assert.Nil(t, CloneAll(nil))
}

func TestEqual(t *testing.T) {
	a := FromMap(map[string]any{"n": 1, "s": "v", "t": List(true)})
	b := FromMap(map[string]any{"n": int64(1), "s": "v", "t": List(true)})
	assert.True(t, Equal(a, b))

	b.Set("extra", 1)
	assert.False(t, Equal(a, b))

	x := NewTable()
	x.Set("self", x)
	y := NewTable()
	y.Set("self", y)
	assert.True(t, Equal(x, y))

	assert.False(t, Equal(func() {}, func() {}))
	assert.True(t, Equal(3, int64(3)))
}

func TestFormat(t *testing.T) {
	assert.Equal(t, `"hi"`, Format("hi"))
	assert.Equal(t, "nil", Format(nil))
	assert.Equal(t, "{}", Format(NewTable()))
	assert.Equal(t, "{\n    1,\n    \"two\",\n}", Format(List(1, "two")))

	cyc := NewTable()
	cyc.Set("me", cyc)
	assert.Contains(t, Format(cyc), "cycle")
}
