package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyordev/conveyor/internal/agent"
	"github.com/conveyordev/conveyor/internal/batch"
	"github.com/conveyordev/conveyor/internal/git"
	"github.com/conveyordev/conveyor/internal/lockfile"
)

var runOpts struct {
	dryRun       bool
	id           string
	limit        int
	globalLimit  int
	staleTimeout time.Duration
	skipPull     bool
	reset        bool
	workDir      string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one batch pass over eligible work items",
	Long: `Acquires the working-copy lock, finds items whose state lets an agent
act, runs one stage per item, and posts a decision gate for each result.
Item failures are logged and skipped; the next scheduled run retries.

A stale-timeout of 0 force-clears an existing lock. Use with care: only
when the previous holder is known dead.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		d, err := buildDeps()
		if err != nil {
			return err
		}

		workDir := runOpts.workDir
		if workDir == "" {
			workDir, err = os.Getwd()
			if err != nil {
				return err
			}
		}

		runner, err := agent.NewAnthropic("", d.cfg.Model)
		if err != nil {
			return err
		}

		limit := runOpts.limit
		if limit == 0 {
			limit = d.cfg.BatchLimit
		}
		staleTimeout := runOpts.staleTimeout
		if !cmd.Flags().Changed("stale-timeout") {
			staleTimeout = d.cfg.StaleTimeout
		}

		b := &batch.Runner{
			Tracker:   d.tracker,
			Store:     d.store,
			Resolver:  d.resolver,
			Agent:     runner,
			Notifier:  d.notifier,
			Workspace: git.NewRepo(workDir),
			WorkDir:   workDir,
			Agents:    []string{"cvy"},
		}

		summary, err := b.Run(cmd.Context(), batch.Options{
			DryRun:       runOpts.dryRun,
			ID:           runOpts.id,
			Limit:        limit,
			GlobalLimit:  runOpts.globalLimit,
			StaleTimeout: staleTimeout,
			SkipPull:     runOpts.skipPull,
			Reset:        runOpts.reset,
		})
		return runFinish(summary, err)
	},
}

// runFinish maps a batch pass to the process exit decision. Only fatal
// setup failures exit non-zero: item failures are already isolated inside
// the pass and show up in the summary, and a held lock is ordinary
// contention with a concurrent run, resolved by the next scheduled pass.
func runFinish(summary *batch.Summary, err error) error {
	if err != nil {
		var held *lockfile.HeldError
		if errors.As(err, &held) {
			fmt.Printf("Working copy busy, skipping this run: %v\n", held)
			return nil
		}
		return err
	}
	fmt.Println(summary.Render())
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&runOpts.dryRun, "dry-run", false, "Report what would happen without mutating anything")
	runCmd.Flags().StringVar(&runOpts.id, "id", "", "Process only this item")
	runCmd.Flags().IntVar(&runOpts.limit, "limit", 0, "Max items to process this run (0 = config default)")
	runCmd.Flags().IntVar(&runOpts.globalLimit, "global-limit", 0, "Max items active beyond Backlog (0 = unlimited)")
	runCmd.Flags().DurationVar(&runOpts.staleTimeout, "stale-timeout", 30*time.Minute, "Lock staleness cutoff; 0 force-clears")
	runCmd.Flags().BoolVar(&runOpts.skipPull, "skip-pull", false, "Skip refreshing the working copy")
	runCmd.Flags().BoolVar(&runOpts.reset, "reset", false, "Wipe local per-item state before processing")
	runCmd.Flags().StringVar(&runOpts.workDir, "work-dir", "", "Working copy directory (default: current directory)")
	rootCmd.AddCommand(runCmd)
}
