package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	fixture, err := yaml.Marshal(map[string]any{
		"tracker-url":   "https://tracker.example/api",
		"chat-id":       "-100123",
		"model":         "claude-sonnet-4-5",
		"stale-timeout": "45m",
		"batch-limit":   8,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), fixture, 0o644))
	t.Setenv(EnvTrackerToken, "tk-1")
	t.Setenv(EnvChatToken, "ch-1")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://tracker.example/api", cfg.TrackerURL)
	assert.Equal(t, "-100123", cfg.ChatID)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.Equal(t, 45*time.Minute, cfg.StaleTimeout)
	assert.Equal(t, 8, cfg.BatchLimit)
	assert.Equal(t, "tk-1", cfg.TrackerToken)
	assert.Equal(t, "ch-1", cfg.ChatToken)
	assert.NoError(t, cfg.Validate())
}

func TestLoadWithoutConfigFile(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err, "absent config.yaml is not an error")
	assert.Equal(t, 30*time.Minute, cfg.StaleTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("tracker-url: https://file.example\n"), 0o644))
	t.Setenv("CONVEYOR_TRACKER_URL", "https://env.example")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example", cfg.TrackerURL)
}

func TestValidateMissingCredentials(t *testing.T) {
	t.Setenv(EnvTrackerToken, "")
	t.Setenv(EnvChatToken, "")

	cfg := &Config{TrackerURL: "https://tracker.example", ChatID: "c1"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingCredential))
	assert.Contains(t, err.Error(), EnvTrackerToken)

	cfg.TrackerToken = "tk"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvChatToken)

	cfg.ChatToken = "ch"
	assert.NoError(t, cfg.Validate())
}

func TestParseCredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.env")
	content := `
# rotated by the secret manager
CONVEYOR_TRACKER_TOKEN=tk-2
CONVEYOR_CHAT_TOKEN="ch-2"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	creds, err := ParseCredFile(path)
	require.NoError(t, err)
	assert.Equal(t, "tk-2", creds["CONVEYOR_TRACKER_TOKEN"])
	assert.Equal(t, "ch-2", creds["CONVEYOR_CHAT_TOKEN"])

	require.NoError(t, os.WriteFile(path, []byte("no-equals-sign\n"), 0o600))
	_, err = ParseCredFile(path)
	assert.Error(t, err)
}

func TestCredWatcherSeesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.env")
	require.NoError(t, os.WriteFile(path, []byte("CONVEYOR_CHAT_TOKEN=old\n"), 0o600))

	var mu sync.Mutex
	var got map[string]string
	w := NewCredWatcher(path, func(creds map[string]string) {
		mu.Lock()
		defer mu.Unlock()
		got = creds
	})
	w.debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Give the watcher time to register before rotating.
	time.Sleep(100 * time.Millisecond)

	// Atomic rotation: write a sibling, rename over the original.
	next := filepath.Join(dir, "creds.env.next")
	require.NoError(t, os.WriteFile(next, []byte("CONVEYOR_CHAT_TOKEN=new\n"), 0o600))
	require.NoError(t, os.Rename(next, path))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		token := got["CONVEYOR_CHAT_TOKEN"]
		mu.Unlock()
		if token == "new" {
			cancel()
			<-done
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("watcher never delivered rotated credentials")
}
