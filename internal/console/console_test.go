package console

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/hookwatch/internal/logqueue"
	"github.com/ppiankov/hookwatch/internal/record"
)

func call(id, endpoint string, ts time.Time) *record.Call {
	return &record.Call{ID: id, EndpointID: endpoint, Class: "RemoteEvent", Path: "game." + endpoint, Method: "FireServer", Timestamp: ts}
}

func TestHeaderKeepsOnlyLogLimit(t *testing.T) {
	c := New(Config{LogLimit: 5})
	q := logqueue.New(logqueue.Config{BatchSize: 100})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		q.QueueLog(call(fmt.Sprint(i), "e1", base.Add(time.Duration(i)*time.Second)))
	}
	require.Equal(t, 12, q.ProcessLogQueue(c))

	sum, logs, ok := c.Header("e1")
	require.True(t, ok)
	assert.Equal(t, 12, sum.Total)
	assert.Equal(t, 5, sum.Retained)
	require.Len(t, logs, 5)
	assert.Equal(t, "7", logs[0].ID)
	assert.Equal(t, "11", logs[4].ID)

	_, err := c.Record("0")
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := c.Record("11")
	require.NoError(t, err)
	assert.Equal(t, "11", got.ID)
	assert.Len(t, c.Recent(0), 5)
}

func TestConsumeRejectsIncompleteRecords(t *testing.T) {
	c := New(Config{})
	assert.Error(t, c.Consume(nil))
	assert.Error(t, c.Consume(&record.Call{ID: "x"}))
}

func TestSummariesOrderAndOptions(t *testing.T) {
	c := New(Config{})
	store := record.NewOptionsStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := call("1", "a", base)
	a.Options = store.Get("a")
	b := call("2", "b", base.Add(time.Minute))
	require.NoError(t, c.Consume(a))
	require.NoError(t, c.Consume(b))
	store.Update("a", record.Options{Blocked: true})

	sums := c.Summaries()
	require.Len(t, sums, 2)
	assert.Equal(t, "b", sums[0].EndpointID)
	assert.True(t, sums[1].Options.Blocked)

	recent := c.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "2", recent[0].ID)
}

func TestConsoleLines(t *testing.T) {
	c := New(Config{ConsoleLimit: 2})
	c.ConsoleLog(LevelInfo, "main", "one")
	c.ConsoleLog(LevelWarn, "worker-1", "two")
	c.ConsoleLog(LevelError, "main", "three")
	lines := c.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "two", lines[0].Message)
	assert.Equal(t, LevelError, lines[1].Level)

	c.Clear()
	assert.Empty(t, c.Lines())
	assert.Empty(t, c.Summaries())
}

func TestSubscribe(t *testing.T) {
	c := New(Config{})
	var seen []string
	cancel := c.Subscribe(func(r *record.Call) { seen = append(seen, r.ID) })
	require.NoError(t, c.Consume(call("1", "a", time.Now())))
	cancel()
	require.NoError(t, c.Consume(call("2", "a", time.Now())))
	assert.Equal(t, []string{"1"}, seen)
}
