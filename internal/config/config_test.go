package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesOnlyGivenFields(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
log_limit: 10
queue:
  tick: 5ms
classes:
  RemoteEvent:
    send: [FireServer, FireAllServers]
    receive: [OnClientEvent]
  BindableEvent: {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10, cfg.LogLimit)
	assert.Equal(t, 500, cfg.ConsoleLimit)
	assert.Equal(t, 5*time.Millisecond, cfg.Queue.Tick)
	assert.Equal(t, 64, cfg.Queue.BatchSize)

	reg, err := cfg.Registry()
	require.NoError(t, err)
	c, ok := reg.Lookup("RemoteEvent")
	require.True(t, ok)
	assert.Equal(t, []string{"FireServer", "FireAllServers"}, c.Send)
	_, ok = reg.Lookup("BindableEvent")
	assert.False(t, ok)
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "log_limit: [1"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "log_limit: 0"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "classes:\n  \" \":\n    send: [X]\n"))
	assert.Error(t, err)
}

func TestDefaultYAMLMatchesDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, yaml.Unmarshal([]byte(DefaultYAML()), cfg))
	assert.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}
