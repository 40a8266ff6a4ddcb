package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyordev/conveyor/internal/callback"
	"github.com/conveyordev/conveyor/internal/config"
	"github.com/conveyordev/conveyor/internal/debug"
	"github.com/conveyordev/conveyor/internal/git"
)

var botOpts struct {
	credFile string
	workDir  string
}

var botCmd = &cobra.Command{
	Use:   "bot",
	Short: "Listen for operator decisions on the chat channel",
	Long: `Long-polls the chat channel and dispatches button presses: approvals
advance the pipeline, merges complete phases, undo reverses a recent
decision. Runs until interrupted.

With --credentials-file the bot picks up rotated tokens without a
restart.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := buildDeps()
		if err != nil {
			return err
		}

		workDir := botOpts.workDir
		if workDir == "" {
			workDir, err = os.Getwd()
			if err != nil {
				return err
			}
		}

		router := &callback.Router{
			Tracker:  d.tracker,
			Store:    d.store,
			Resolver: d.resolver,
			Claims:   d.claims,
			Channel:  d.channel,
			Branches: git.NewRepo(workDir),
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if botOpts.credFile != "" {
			watcher := config.NewCredWatcher(botOpts.credFile, func(creds map[string]string) {
				if token, ok := creds[config.EnvChatToken]; ok && token != "" {
					d.channel.SetToken(token)
				}
			})
			go func() {
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Printf("bot: credential watcher stopped: %v", err)
				}
			}()
		}

		debug.PrintNormal("cvy bot listening on chat %s\n", d.cfg.ChatID)
		return poll(ctx, d, router)
	},
}

// poll drives the long-poll loop until ctx is canceled. Transient poll
// failures back off instead of exiting: the bot is the only path for
// operator decisions and should outlive network blips.
func poll(ctx context.Context, d *deps, router *callback.Router) error {
	offset := 0
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		events, err := d.channel.Poll(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait := time.Duration(failures) * time.Second
			if wait > 30*time.Second {
				wait = 30 * time.Second
			}
			log.Printf("bot: poll failed (retry in %s): %v", wait, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		failures = 0

		for _, ev := range events {
			if ev.UpdateID >= offset {
				offset = ev.UpdateID + 1
			}
			res := router.Handle(ctx, ev.CallbackID, ev.Payload)
			debug.Logf("bot: %s -> %s (%s)", ev.Payload, res.Outcome, res.Message)
		}
	}
}

func init() {
	botCmd.Flags().StringVar(&botOpts.credFile, "credentials-file", "", "KEY=VALUE file watched for token rotation")
	botCmd.Flags().StringVar(&botOpts.workDir, "work-dir", "", "Working copy directory (default: current directory)")
	rootCmd.AddCommand(botCmd)
}
