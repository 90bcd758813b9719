package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/hookwatch/internal/record"
	"github.com/ppiankov/hookwatch/internal/registry"
	"github.com/ppiankov/hookwatch/internal/value"
)

func newJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "calls.jsonl")
	j, err := Open(path, nil)
	require.NoError(t, err)
	return j, path
}

func testCall(id string) *record.Call {
	return &record.Call{
		ID:        id,
		Class:     "RemoteFunction",
		Path:      "game.Shop",
		Method:    "InvokeServer",
		Direction: registry.Outbound,
		Args:      []any{"sword", int64(2), value.List("a")},
		Returned:  true,
		Returns:   []any{true},
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Caller:    &record.Caller{Function: "buy", Script: "Shop"},
	}
}

func TestChainVerifies(t *testing.T) {
	j, path := newJournal(t)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, j.Consume(testCall(id)))
	}
	require.NoError(t, j.Close())

	res := Verify(path)
	assert.True(t, res.Valid, res.Error)
	assert.Equal(t, 3, res.Lines)
}

func TestReopenContinuesChain(t *testing.T) {
	j, path := newJournal(t)
	require.NoError(t, j.Consume(testCall("1")))
	require.NoError(t, j.Close())

	j, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, j.Consume(testCall("2")))
	require.NoError(t, j.Close())

	res := Verify(path)
	assert.True(t, res.Valid, res.Error)
	assert.Equal(t, 2, res.Lines)
}

func TestVerifyDetectsTampering(t *testing.T) {
	j, path := newJournal(t)
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, j.Consume(testCall(id)))
	}
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"record_id":"2"`, `"record_id":"X"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0600))

	res := Verify(path)
	assert.False(t, res.Valid)
	assert.Equal(t, 3, res.ErrorLine)
}

func TestEntryFor(t *testing.T) {
	e := EntryFor(testCall("9"))
	assert.Equal(t, "2026-03-01T12:00:00.000Z", e.Timestamp)
	assert.Equal(t, []string{`"sword"`, "2", "{\n    \"a\",\n}"}, e.Args)
	assert.Equal(t, []string{"true"}, e.Returns)
	assert.Equal(t, "Shop:buy", e.Caller)
	assert.Equal(t, "outbound", e.Direction)
}

func TestConsumeRejectsNil(t *testing.T) {
	j, _ := newJournal(t)
	defer j.Close()
	assert.Error(t, j.Consume(nil))
}
