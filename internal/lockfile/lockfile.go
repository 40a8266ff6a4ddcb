// Package lockfile serializes batch runs against one local working copy.
//
// The lock is a JSON record in the system temp directory, keyed by a hash
// of the working directory's absolute path, so separate OS processes
// (possibly started by an external scheduler) agree on the same artifact.
// A stale record (dead owner, corrupt content, or age past the caller's
// threshold) is cleared automatically with a logged trace.
package lockfile

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// LockInfo is the on-disk lock record.
type LockInfo struct {
	PID       int       `json:"pid"`
	CWD       string    `json:"cwd"`
	StartTime time.Time `json:"startTime"`
	Hostname  string    `json:"hostname"`
	Agents    []string  `json:"agents"`
}

// Age returns how long the lock record has existed.
func (li *LockInfo) Age() time.Duration {
	return time.Since(li.StartTime)
}

// HeldError reports a live lock held by another process. It carries the
// owner's identity so the operator can decide whether to force-clear.
type HeldError struct {
	Path string
	Info LockInfo
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("working copy locked by pid %d (age %s, agents %v) at %s",
		e.Info.PID, e.Info.Age().Round(time.Second), e.Info.Agents, e.Path)
}

// Handle is the release capability returned by Acquire. Callers hold it for
// the duration of a batch run; Release is idempotent and safe to defer
// alongside ReleaseOnExit.
type Handle struct {
	path      string
	pid       int
	startTime time.Time

	mu       sync.Mutex
	released bool
}

// LockPath computes the lock file location for a working directory.
// The path is hashed so any process resolving the same absolute directory
// lands on the same artifact regardless of how the path was spelled.
func LockPath(workDir string) (string, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	sum := sha256.Sum256([]byte(abs))
	return filepath.Join(os.TempDir(), fmt.Sprintf("agent-dir-%x.lock", sum)), nil
}

// maxAcquireAttempts bounds the clear-and-retry loop so two processes
// repeatedly clearing each other's records cannot spin forever.
const maxAcquireAttempts = 3

// Acquire takes the batch lock for workDir.
//
// staleTimeout is the age past which a live owner is presumed hung and its
// lock force-cleared; zero means always force-clear. A held lock from a
// live, young owner returns *HeldError.
func Acquire(workDir string, staleTimeout time.Duration, agents []string) (*Handle, error) {
	path, err := LockPath(workDir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		existing, readErr := readLockInfo(path)
		switch {
		case readErr == nil && existing != nil:
			if err := clearIfStale(path, existing, staleTimeout); err != nil {
				return nil, err
			}
			// Stale record cleared; retry the exclusive create.
		case readErr != nil && !os.IsNotExist(readErr):
			// Present but unparseable: corrupt leftover from a crash mid-write.
			log.Printf("lockfile: removing corrupt lock %s: %v", path, readErr)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("remove corrupt lock: %w", err)
			}
		}

		h, createErr := createLock(path, abs, agents)
		if createErr == nil {
			return h, nil
		}
		if !os.IsExist(createErr) {
			return nil, fmt.Errorf("create lock %s: %w", path, createErr)
		}
		// Lost the create race; loop to inspect the winner's record.
	}
	return nil, fmt.Errorf("could not acquire lock %s after %d attempts", path, maxAcquireAttempts)
}

// clearIfStale removes a parsed lock record when its owner is dead, its age
// exceeds staleTimeout, or staleTimeout is zero (force mode). A live,
// in-window owner yields *HeldError.
func clearIfStale(path string, info *LockInfo, staleTimeout time.Duration) error {
	switch {
	case !isProcessRunning(info.PID):
		log.Printf("lockfile: clearing lock from dead pid %d (agents %v)", info.PID, info.Agents)
	case staleTimeout == 0:
		log.Printf("lockfile: warning: force-clearing lock held by live pid %d (age %s)",
			info.PID, info.Age().Round(time.Second))
	case info.Age() > staleTimeout:
		log.Printf("lockfile: warning: clearing stale lock held by pid %d, age %s exceeds %s",
			info.PID, info.Age().Round(time.Second), staleTimeout)
	default:
		return &HeldError{Path: path, Info: *info}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear stale lock: %w", err)
	}
	return nil
}

// createLock writes the lock record with an exclusive create so exactly one
// of two racing processes can win.
func createLock(path, cwd string, agents []string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	info := LockInfo{
		PID:       os.Getpid(),
		CWD:       cwd,
		StartTime: time.Now().UTC(),
		Hostname:  hostname,
		Agents:    agents,
	}
	data, err := json.MarshalIndent(&info, "", "  ")
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("marshal lock info: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write lock info: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}

	return &Handle{path: path, pid: info.PID, startTime: info.StartTime}, nil
}

// readLockInfo parses the lock record at path. Returns os.ErrNotExist-style
// errors when absent, and a parse error when present but unreadable.
func readLockInfo(path string) (*LockInfo, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path derived from hashed working dir
	if err != nil {
		return nil, err
	}
	var info LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse lock info: %w", err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("parse lock info: missing pid")
	}
	return &info, nil
}

// ReadLockInfo returns the current lock record for workDir, or nil if no
// lock is held. Used by doctor-style diagnostics.
func ReadLockInfo(workDir string) (*LockInfo, error) {
	path, err := LockPath(workDir)
	if err != nil {
		return nil, err
	}
	info, err := readLockInfo(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return info, err
}

// Release removes the lock record. It verifies the on-disk PID still
// matches the acquiring process first: a competitor that already
// force-cleared and re-acquired must not lose its lock to us.
// Safe to call multiple times.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true

	info, err := readLockInfo(h.path)
	if err != nil {
		// Already gone or corrupt; nothing belongs to us anymore.
		return nil
	}
	if info.PID != h.pid || !info.StartTime.Equal(h.startTime) {
		log.Printf("lockfile: not releasing %s: now owned by pid %d", h.path, info.PID)
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", h.path, err)
	}
	return nil
}

var (
	exitMu      sync.Mutex
	exitHandles []*Handle
	exitOnce    sync.Once
)

// ReleaseOnExit registers the handle for release on interrupt, termination,
// or normal exit paths that run deferred hooks. The signal handler is
// installed once per process no matter how many handles register.
func (h *Handle) ReleaseOnExit() {
	exitMu.Lock()
	exitHandles = append(exitHandles, h)
	exitMu.Unlock()

	exitOnce.Do(func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		go func() {
			sig := <-ch
			exitMu.Lock()
			handles := append([]*Handle(nil), exitHandles...)
			exitMu.Unlock()
			for _, handle := range handles {
				if err := handle.Release(); err != nil {
					log.Printf("lockfile: %v", err)
				}
			}
			signal.Stop(ch)
			// Re-raise so the process reports the signal exit status.
			p, _ := os.FindProcess(os.Getpid())
			if s, ok := sig.(syscall.Signal); ok && p != nil {
				_ = p.Signal(s)
			} else {
				os.Exit(1)
			}
		}()
	})
}
