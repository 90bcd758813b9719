package mcp

import (
	"context"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/hookwatch/internal/host"
	"github.com/ppiankov/hookwatch/internal/session"
)

type testEnv struct {
	s     *Server
	sess  *session.Session
	vm    *host.VM
	chat  *host.Instance
	fired int
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{}
	world := host.NewWorld()
	world.SetServer(func(*host.Instance, string, []any) ([]any, error) {
		e.fired++
		return nil, nil
	})
	e.vm = world.NewVM("main")
	e.chat = world.New("RemoteEvent", "Chat", world.Root())

	sess, err := session.New(e.vm, session.Config{})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	t.Cleanup(sess.Close)
	if err := sess.BeginHooks(false); err != nil {
		t.Fatalf("begin hooks: %v", err)
	}
	e.sess = sess

	e.s, err = New(Config{Session: sess})
	if err != nil {
		t.Fatalf("failed to create MCP server: %v", err)
	}
	return e
}

func (e *testEnv) fire(t *testing.T, args ...any) string {
	t.Helper()
	th := e.vm.NewThread(host.Frame{Function: "send", Script: "Client"})
	if _, err := th.Namecall(e.chat, "FireServer", args...); err != nil {
		t.Fatalf("FireServer: %v", err)
	}
	if n := e.sess.Step(); n != 1 {
		t.Fatalf("expected 1 record consumed, got %d", n)
	}
	return e.sess.Console().Recent(1)[0].ID
}

func TestNewRequiresSession(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without session")
	}
}

func TestCallsListsRecords(t *testing.T) {
	e := newTestServer(t)
	e.fire(t, "a", int64(1))
	e.fire(t, "b")

	result, out, err := e.s.handleCalls(context.Background(), &mcpsdk.CallToolRequest{}, CallsInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("expected success")
	}
	if len(out.Calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(out.Calls))
	}
	if len(out.Endpoints) != 1 || out.Endpoints[0].Total != 2 {
		t.Fatalf("unexpected endpoints: %+v", out.Endpoints)
	}
	if out.Calls[0].Caller != "Client:send" {
		t.Fatalf("expected caller Client:send, got %q", out.Calls[0].Caller)
	}

	_, out, _ = e.s.handleCalls(context.Background(), &mcpsdk.CallToolRequest{}, CallsInput{EndpointID: e.chat.DebugID(), Limit: 1})
	if len(out.Calls) != 1 || out.Calls[0].Args[0] != `"b"` {
		t.Fatalf("expected newest call only, got %+v", out.Calls)
	}

	result, _, _ = e.s.handleCalls(context.Background(), &mcpsdk.CallToolRequest{}, CallsInput{EndpointID: "missing"})
	if result == nil || !result.IsError {
		t.Fatal("expected IsError for unknown endpoint")
	}
}

func TestRemoteBlocksEndpoint(t *testing.T) {
	e := newTestServer(t)
	_, out, err := e.s.handleRemote(context.Background(), &mcpsdk.CallToolRequest{}, RemoteInput{
		EndpointID: e.chat.DebugID(),
		Blocked:    true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Blocked {
		t.Fatal("expected blocked=true")
	}

	e.fire(t, "x")
	if e.fired != 0 {
		t.Fatalf("blocked call reached the server %d times", e.fired)
	}

	if _, _, err := e.s.handleRemote(context.Background(), &mcpsdk.CallToolRequest{}, RemoteInput{}); err == nil {
		t.Fatal("expected error without endpoint_id")
	}
}

func TestSpoofsRejectInvalidSource(t *testing.T) {
	e := newTestServer(t)
	_, out, err := e.s.handleSpoofs(context.Background(), &mcpsdk.CallToolRequest{}, SpoofsInput{
		Source: `module.exports = { "game.Chat": { method: "FireServer" } }`,
	})
	if err != nil || out.Entries != 1 {
		t.Fatalf("expected 1 entry, got %d (%v)", out.Entries, err)
	}

	result, out, _ := e.s.handleSpoofs(context.Background(), &mcpsdk.CallToolRequest{}, SpoofsInput{Source: "module.exports = {"})
	if result == nil || !result.IsError {
		t.Fatal("expected IsError for invalid source")
	}
	if out.Entries != 1 || out.Error == "" {
		t.Fatalf("expected previous spoofs kept with error, got %+v", out)
	}
}

func TestRepeatAndScript(t *testing.T) {
	e := newTestServer(t)
	id := e.fire(t, "hello")

	result, _, _ := e.s.handleRepeat(context.Background(), &mcpsdk.CallToolRequest{}, RecordInput{RecordID: id})
	if result != nil && result.IsError {
		t.Fatal("expected repeat to succeed")
	}
	if e.fired != 2 {
		t.Fatalf("expected 2 server calls, got %d", e.fired)
	}

	_, sc, _ := e.s.handleScript(context.Background(), &mcpsdk.CallToolRequest{}, RecordInput{RecordID: id})
	if !strings.Contains(sc.Script, "remote:FireServer(unpack(args))") {
		t.Fatalf("unexpected script:\n%s", sc.Script)
	}

	result, sc, _ = e.s.handleScript(context.Background(), &mcpsdk.CallToolRequest{}, RecordInput{RecordID: "nope"})
	if result == nil || !result.IsError || sc.Error == "" {
		t.Fatal("expected IsError for unknown record")
	}
}
