package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ppiankov/hookwatch/internal/config"
	"github.com/ppiankov/hookwatch/internal/spoof"
)

func TestRunInit_UserMode(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	initMode = "user"
	initForce = false

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}

	configDir := filepath.Join(tmpDir, ".hookwatch")
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if cfg.BridgeAddr != "127.0.0.1:7341" {
		t.Errorf("bridge_addr = %q", cfg.BridgeAddr)
	}

	data, err := os.ReadFile(filepath.Join(configDir, "spoofs.js"))
	if err != nil {
		t.Fatalf("spoofs.js not created: %v", err)
	}
	if _, err := spoof.Compile(string(data)); err != nil {
		t.Errorf("example spoofs do not compile: %v", err)
	}
}

func TestRunInit_NoOverwriteWithoutForce(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	initMode = "user"
	initForce = false

	configPath := filepath.Join(tmpDir, ".hookwatch", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit failed: %v", err)
	}
	data, _ := os.ReadFile(configPath)
	if string(data) != "log_level: debug\n" {
		t.Error("config.yaml overwritten without --force")
	}

	initForce = true
	defer func() { initForce = false }()
	if err := runInit(nil, nil); err != nil {
		t.Fatalf("runInit --force failed: %v", err)
	}
	data, _ = os.ReadFile(configPath)
	if !strings.Contains(string(data), "bridge_addr") {
		t.Error("config.yaml not overwritten with --force")
	}
}

func TestRunInit_UnknownMode(t *testing.T) {
	initMode = "cluster"
	defer func() { initMode = "user" }()
	if err := runInit(nil, nil); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
