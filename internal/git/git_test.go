package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) *Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, args := range [][]string{
		{"add", "."},
		{"commit", "-m", "initial"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	return NewRepo(dir)
}

func TestCurrentBranch(t *testing.T) {
	repo := initRepo(t)
	branch, err := repo.CurrentBranch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if branch != "main" {
		t.Errorf("CurrentBranch = %q, want main", branch)
	}
}

func TestDeleteBranch(t *testing.T) {
	repo := initRepo(t)
	ctx := context.Background()

	if _, err := repo.run(ctx, "branch", "task/cvy-1-demo-2p"); err != nil {
		t.Fatal(err)
	}
	// No origin configured: local delete must still succeed, remote delete
	// is logged and ignored.
	if err := repo.DeleteBranch(ctx, "task/cvy-1-demo-2p"); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.run(ctx, "rev-parse", "--verify", "task/cvy-1-demo-2p"); err == nil {
		t.Error("branch still exists after DeleteBranch")
	}
}

func TestDeleteBranchRefusesCheckedOut(t *testing.T) {
	repo := initRepo(t)
	if err := repo.DeleteBranch(context.Background(), "main"); err == nil {
		t.Error("expected refusal to delete the checked-out branch")
	}
}
