package config

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// CredWatcher watches a KEY=VALUE credentials file for rotation and
// invokes OnChange with the fresh values. Long-running bot processes
// need this: deployments rotate the tracker and chat tokens underneath
// them, and restarting the bot drops in-flight callbacks.
type CredWatcher struct {
	// Path is the credentials file to watch.
	Path string

	// OnChange receives the parsed file after each rotation.
	OnChange func(creds map[string]string)

	// debounce coalesces the write+rename bursts secret managers emit.
	debounce time.Duration
}

// NewCredWatcher creates a watcher for the given credentials file.
func NewCredWatcher(path string, onChange func(map[string]string)) *CredWatcher {
	return &CredWatcher{
		Path:     path,
		OnChange: onChange,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches until ctx is canceled. The parent directory is watched
// rather than the file itself: atomic rotation replaces the inode, which
// would silently detach a direct file watch.
func (w *CredWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create credential watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.Path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Printf("config: watching %s for credential rotation", w.Path)

	base := filepath.Base(w.Path)
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config: credential watch error: %v", err)
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *CredWatcher) reload() {
	creds, err := ParseCredFile(w.Path)
	if err != nil {
		log.Printf("config: credential reload failed, keeping previous values: %v", err)
		return
	}
	log.Printf("config: credentials rotated (%d keys)", len(creds))
	if w.OnChange != nil {
		w.OnChange(creds)
	}
}

// ParseCredFile reads a KEY=VALUE file, skipping blanks and # comments.
func ParseCredFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	creds := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed credential line %q", line)
		}
		creds[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return creds, nil
}
