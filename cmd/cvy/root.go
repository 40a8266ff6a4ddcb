package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyordev/conveyor/internal/approval"
	"github.com/conveyordev/conveyor/internal/chat"
	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/debug"
	"github.com/conveyordev/conveyor/internal/notify"
	"github.com/conveyordev/conveyor/internal/phase"
	"github.com/conveyordev/conveyor/internal/store"
	"github.com/conveyordev/conveyor/internal/telemetry"
	"github.com/conveyordev/conveyor/internal/tracker"
)

var (
	verbose   bool
	quiet     bool
	configDir string
)

var rootCmd = &cobra.Command{
	Use:   "cvy",
	Short: "Move tracked work items through the delivery pipeline",
	Long: `cvy runs tracked work items through a staged delivery pipeline:
product framing, product design, technical design, implementation
(optionally in phases), PR review, done.

Agents do the stage work in scheduled batch runs ('cvy run'); every
stage gate is a human decision delivered over chat ('cvy bot').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		debug.SetVerbose(verbose)
		debug.SetQuiet(quiet)
		return telemetry.Init(cmd.Context(), "cvy", Version)
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress informational output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Config and state directory (default ~/.conveyor)")
}

// deps is everything both long-lived commands wire together.
type deps struct {
	cfg      *config.Config
	store    *store.Store
	tracker  *tracker.Cached
	resolver *phase.Resolver
	claims   *approval.ClaimStore
	channel  *chat.Telegram
	notifier *notify.Notifier
}

// buildDeps loads and validates config, then wires the shared stack.
func buildDeps() (*deps, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}

	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	trk := tracker.NewCached(tracker.NewClient(cfg.TrackerURL, cfg.TrackerToken))
	channel := chat.NewTelegram(cfg.ChatToken, cfg.ChatID)
	claims := &approval.ClaimStore{Store: st}

	return &deps{
		cfg:      cfg,
		store:    st,
		tracker:  trk,
		resolver: &phase.Resolver{Tracker: trk, Store: st},
		claims:   claims,
		channel:  channel,
		notifier: &notify.Notifier{Channel: channel, Store: st, Claims: claims},
	}, nil
}
