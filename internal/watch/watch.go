// ABOUTME: Polling file-change detector feeding fileChanged events
// ABOUTME: Watched directories are walked recursively; each poll reports the changed file paths

package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mauromedda/hostbridge/internal/log"
)

// DefaultInterval is the polling period unless SetInterval overrides it.
const DefaultInterval = 2 * time.Second

// skipDirs are never descended into.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
}

type stamp struct {
	mtime time.Time
	size  int64
}

// Watcher polls files and directory trees and reports which paths changed.
type Watcher struct {
	roots    []string
	onChange func(paths []string)
	interval time.Duration
	stamps   map[string]stamp
	stopCh   chan struct{}
	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
}

// New creates a watcher that calls onChange with the sorted list of added,
// modified or removed files.
func New(roots []string, onChange func(paths []string)) *Watcher {
	return &Watcher{
		roots:    roots,
		onChange: onChange,
		interval: DefaultInterval,
		stamps:   make(map[string]stamp),
		stopCh:   make(chan struct{}),
	}
}

// SetInterval overrides the polling interval. It has no effect once started.
func (w *Watcher) SetInterval(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if d > 0 {
		w.interval = d
	}
}

// Start snapshots the roots and begins polling. Later calls are no-ops.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stamps = w.scan()
	interval := w.interval
	w.mu.Unlock()

	log.Debug("watch: polling %d roots every %s", len(w.roots), interval)
	go w.loop(interval)
}

// Stop halts polling. Safe to call multiple times and concurrently.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		close(w.stopCh)
	})
}

// Check polls once, outside the ticker, and returns the changed paths.
// onChange is called synchronously when something changed.
func (w *Watcher) Check() []string {
	changed := w.poll()
	if len(changed) > 0 {
		w.onChange(changed)
	}
	return changed
}

func (w *Watcher) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if changed := w.poll(); len(changed) > 0 {
				w.onChange(changed)
			}
		}
	}
}

func (w *Watcher) poll() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.scan()
	var changed []string
	for path, now := range current {
		if prev, ok := w.stamps[path]; !ok || prev != now {
			changed = append(changed, path)
		}
	}
	for path := range w.stamps {
		if _, ok := current[path]; !ok {
			changed = append(changed, path)
		}
	}
	w.stamps = current
	sort.Strings(changed)
	return changed
}

// scan stats every file under the roots. Missing roots are skipped.
func (w *Watcher) scan() map[string]stamp {
	stamps := make(map[string]stamp)
	for _, root := range w.roots {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			stamps[root] = stamp{info.ModTime(), info.Size()}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if path != root && (strings.HasPrefix(d.Name(), ".") || skipDirs[d.Name()]) {
					return filepath.SkipDir
				}
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			stamps[path] = stamp{info.ModTime(), info.Size()}
			return nil
		})
		if err != nil {
			log.Warn("watch: walking %s: %v", root, err)
		}
	}
	return stamps
}
