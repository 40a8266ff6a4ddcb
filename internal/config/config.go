// Package config loads conveyor's configuration: a config.yaml in the
// state directory merged with CONVEYOR_* environment variables.
// Credentials are resolved once at startup and their absence is fatal:
// a batch run that discovers a missing token halfway through has already
// done half a run's damage.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvTrackerToken authenticates against the tracker API.
	EnvTrackerToken = "CONVEYOR_TRACKER_TOKEN"
	// EnvChatToken authenticates the chat bot.
	EnvChatToken = "CONVEYOR_CHAT_TOKEN"
	// EnvAnthropicKey authenticates agent runs; the SDK env var wins.
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
)

// ErrMissingCredential is returned when a required secret is absent.
var ErrMissingCredential = errors.New("missing credential")

// Config is the resolved runtime configuration.
type Config struct {
	// TrackerURL is the tracker API base, e.g. "https://tracker.example/api".
	TrackerURL string
	// TrackerToken authenticates tracker calls. Env only, never config.yaml.
	TrackerToken string

	// ChatToken authenticates the chat bot. Env only.
	ChatToken string
	// ChatID is the channel that receives decision notifications.
	ChatID string

	// StateDir holds the document store and lock metadata.
	StateDir string

	// Model names the agent model; empty selects the runner's default.
	Model string

	// StaleTimeout is the default lock staleness cutoff for batch runs.
	StaleTimeout time.Duration

	// BatchLimit caps items processed per run; 0 means no cap.
	BatchLimit int
}

// DefaultStateDir is where conveyor keeps local state when unconfigured.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conveyor"
	}
	return filepath.Join(home, ".conveyor")
}

// Load reads config.yaml from dir (if present), applies CONVEYOR_*
// environment overrides, and resolves credentials. dir == "" uses the
// default state directory.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = DefaultStateDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.SetEnvPrefix("CONVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("state-dir", dir)
	v.SetDefault("stale-timeout", 30*time.Minute)
	v.SetDefault("batch-limit", 0)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config.yaml is fine: env vars and defaults carry it.
	}

	cfg := &Config{
		TrackerURL:   v.GetString("tracker-url"),
		ChatID:       v.GetString("chat-id"),
		StateDir:     v.GetString("state-dir"),
		Model:        v.GetString("model"),
		StaleTimeout: v.GetDuration("stale-timeout"),
		BatchLimit:   v.GetInt("batch-limit"),
	}

	// Secrets come from the environment only; config.yaml is assumed to be
	// committed alongside the working copy.
	cfg.TrackerToken = os.Getenv(EnvTrackerToken)
	cfg.ChatToken = os.Getenv(EnvChatToken)

	return cfg, nil
}

// Validate checks that everything a full pipeline run needs is present.
// Called at startup so a misconfigured deployment fails before acquiring
// the lock.
func (c *Config) Validate() error {
	if c.TrackerURL == "" {
		return errors.New("tracker-url is not configured")
	}
	if c.TrackerToken == "" {
		return fmt.Errorf("%w: set %s", ErrMissingCredential, EnvTrackerToken)
	}
	if c.ChatToken == "" {
		return fmt.Errorf("%w: set %s", ErrMissingCredential, EnvChatToken)
	}
	if c.ChatID == "" {
		return errors.New("chat-id is not configured")
	}
	return nil
}
