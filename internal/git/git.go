// Package git shells out to the git CLI for the few working-copy
// operations the pipeline needs: refreshing before a batch run and
// cleaning up task branches after the final phase merges.
package git

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// Repo is a git working copy.
type Repo struct {
	Dir string
}

// NewRepo wraps the working copy at dir.
func NewRepo(dir string) *Repo {
	return &Repo{Dir: dir}
}

func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Pull fast-forwards the current branch from its upstream.
func (r *Repo) Pull(ctx context.Context) error {
	_, err := r.run(ctx, "pull", "--ff-only")
	return err
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "branch", "--show-current")
}

// DeleteBranch removes a merged task branch locally and on origin. The
// remote delete is best effort: origin may already have pruned it.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	if branch == "" {
		return fmt.Errorf("empty branch name")
	}
	current, err := r.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current == branch {
		return fmt.Errorf("refusing to delete checked-out branch %s", branch)
	}
	if _, err := r.run(ctx, "branch", "-D", branch); err != nil {
		return err
	}
	if _, err := r.run(ctx, "push", "origin", "--delete", branch); err != nil {
		log.Printf("git: remote delete of %s failed (may already be gone): %v", branch, err)
	}
	return nil
}
