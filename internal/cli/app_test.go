package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ppiankov/hookwatch/internal/config"
	"github.com/ppiankov/hookwatch/internal/console"
)

func TestPlayOnceReportsFailedSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	scenario := `
endpoints:
  - path: Remotes.Chat
    class: RemoteEvent
steps:
  - endpoint: Remotes.Chat
    method: FireServer
    args: [hi]
  - endpoint: Remotes.Missing
    method: FireServer
`
	if err := os.WriteFile(path, []byte(scenario), 0o600); err != nil {
		t.Fatal(err)
	}

	core, logs := observer.New(zapcore.WarnLevel)
	prevLogger, prevConfig := logger, appConfig
	logger, appConfig = zap.New(core), config.Default()
	defer func() { logger, appConfig = prevLogger, prevConfig }()

	a, err := newApp(appOptions{scriptPath: path})
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()

	a.playOnce(context.Background())
	a.drain()

	if got := len(a.sess.Console().Recent(0)); got != 1 {
		t.Errorf("recorded %d calls, want 1", got)
	}
	if n := logs.FilterMessage("scripted call failed").Len(); n != 1 {
		t.Errorf("logged %d step failures, want 1", n)
	}
	var found bool
	for _, l := range a.sess.Console().Lines() {
		if l.Level == console.LevelError && strings.Contains(l.Message, "Remotes.Missing") {
			found = true
		}
	}
	if !found {
		t.Error("failed step not reported on the console")
	}
}
