package lockfile

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLockPathStable(t *testing.T) {
	dir := t.TempDir()
	a, err := LockPath(dir)
	if err != nil {
		t.Fatalf("LockPath failed: %v", err)
	}
	b, err := LockPath(filepath.Join(dir, ".", "..", filepath.Base(dir)))
	if err != nil {
		t.Fatalf("LockPath failed: %v", err)
	}
	if a != b {
		t.Errorf("lock path differs for equivalent dirs: %s vs %s", a, b)
	}
	if filepath.Dir(a) != os.TempDir() {
		t.Errorf("lock path %s not in temp dir", a)
	}
}

func TestAcquireRelease(t *testing.T) {
	dir := t.TempDir()

	h, err := Acquire(dir, time.Hour, []string{"planner"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	path, _ := LockPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("lock file not written: %v", err)
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("lock file not JSON: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Errorf("lock PID = %d, want %d", info.PID, os.Getpid())
	}
	if len(info.Agents) != 1 || info.Agents[0] != "planner" {
		t.Errorf("lock agents = %v, want [planner]", info.Agents)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("lock file still present after Release")
	}

	// Release is idempotent.
	if err := h.Release(); err != nil {
		t.Errorf("second Release failed: %v", err)
	}
}

func TestMutualExclusion(t *testing.T) {
	dir := t.TempDir()

	h, err := Acquire(dir, time.Hour, []string{"first"})
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer h.Release()

	_, err = Acquire(dir, time.Hour, []string{"second"})
	if err == nil {
		t.Fatal("second Acquire succeeded while lock held")
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire error = %v, want *HeldError", err)
	}
	if held.Info.PID != os.Getpid() {
		t.Errorf("held error PID = %d, want %d", held.Info.PID, os.Getpid())
	}

	h.Release()
	h2, err := Acquire(dir, time.Hour, []string{"second"})
	if err != nil {
		t.Fatalf("Acquire after Release failed: %v", err)
	}
	h2.Release()
}

func TestForcedClear(t *testing.T) {
	dir := t.TempDir()

	h, err := Acquire(dir, time.Hour, []string{"hung"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// staleTimeout 0 force-clears even a live, young owner.
	h2, err := Acquire(dir, 0, []string{"forced"})
	if err != nil {
		t.Fatalf("forced Acquire failed: %v", err)
	}
	defer h2.Release()

	// The original handle must not delete the new owner's record; that is
	// not an error from the displaced handle's point of view.
	if err := h.Release(); err != nil {
		t.Fatalf("displaced Release failed: %v", err)
	}
	info, err := ReadLockInfo(dir)
	if err != nil {
		t.Fatalf("ReadLockInfo failed: %v", err)
	}
	if info == nil {
		t.Fatal("forced owner's lock was deleted by the displaced handle")
	}
}

func TestStaleByAge(t *testing.T) {
	dir := t.TempDir()
	path, _ := LockPath(dir)

	info := LockInfo{
		PID:       os.Getpid(), // alive, but too old
		CWD:       dir,
		StartTime: time.Now().UTC().Add(-2 * time.Hour),
		Hostname:  "test",
		Agents:    []string{"old-run"},
	}
	writeLockRecord(t, path, &info)

	h, err := Acquire(dir, time.Hour, []string{"new-run"})
	if err != nil {
		t.Fatalf("Acquire over stale lock failed: %v", err)
	}
	h.Release()
}

func TestDeadOwnerCleared(t *testing.T) {
	dir := t.TempDir()
	path, _ := LockPath(dir)

	info := LockInfo{
		PID:       1 << 30, // no such process
		CWD:       dir,
		StartTime: time.Now().UTC(),
		Hostname:  "test",
		Agents:    []string{"crashed"},
	}
	writeLockRecord(t, path, &info)

	h, err := Acquire(dir, time.Hour, nil)
	if err != nil {
		t.Fatalf("Acquire over dead-owner lock failed: %v", err)
	}
	h.Release()
}

func TestCorruptLockCleared(t *testing.T) {
	dir := t.TempDir()
	path, _ := LockPath(dir)

	if err := os.WriteFile(path, []byte("not json{"), 0o644); err != nil {
		t.Fatalf("write corrupt lock: %v", err)
	}

	h, err := Acquire(dir, time.Hour, nil)
	if err != nil {
		t.Fatalf("Acquire over corrupt lock failed: %v", err)
	}
	h.Release()
}

func TestReleaseSkipsForeignOwner(t *testing.T) {
	dir := t.TempDir()
	path, _ := LockPath(dir)

	h, err := Acquire(dir, time.Hour, nil)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Simulate a competitor that force-cleared and re-acquired.
	foreign := LockInfo{
		PID:       os.Getpid() + 1,
		CWD:       dir,
		StartTime: time.Now().UTC(),
		Hostname:  "other",
		Agents:    []string{"competitor"},
	}
	writeLockRecord(t, path, &foreign)

	if err := h.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("Release deleted a lock it no longer owns")
	}
}

func TestReadLockInfoAbsent(t *testing.T) {
	info, err := ReadLockInfo(t.TempDir())
	if err != nil {
		t.Fatalf("ReadLockInfo failed: %v", err)
	}
	if info != nil {
		t.Errorf("ReadLockInfo = %+v, want nil for unlocked dir", info)
	}
}

func writeLockRecord(t *testing.T, path string, info *LockInfo) {
	t.Helper()
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("marshal lock record: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write lock record: %v", err)
	}
}
