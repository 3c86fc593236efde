// ABOUTME: Tests for the polling file-change detector
// ABOUTME: Uses Check for deterministic polls and a short interval for the loop

package watch

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestCheck_ReportsChangedFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a := filepath.Join(dir, "a.txt")
	b := filepath.Join(dir, "sub", "b.txt")
	gone := filepath.Join(dir, "gone.txt")
	write(t, a, "a")
	write(t, b, "b")
	write(t, gone, "x")

	var got [][]string
	w := New([]string{dir}, func(paths []string) { got = append(got, paths) })
	w.Start()
	defer w.Stop()

	write(t, b, "bigger")
	write(t, filepath.Join(dir, "c.txt"), "c")
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}

	changed := w.Check()
	want := []string{filepath.Join(dir, "c.txt"), gone, b}
	if !slices.Equal(changed, want) {
		t.Errorf("changed = %v; want %v", changed, want)
	}
	if len(got) != 1 {
		t.Errorf("onChange calls = %d", len(got))
	}

	if again := w.Check(); len(again) != 0 {
		t.Errorf("second check reported %v", again)
	}
}

func TestCheck_SkipsHiddenAndVendoredDirs(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := New([]string{dir}, func([]string) {})
	w.Start()
	defer w.Stop()

	write(t, filepath.Join(dir, ".git", "HEAD"), "ref")
	write(t, filepath.Join(dir, "node_modules", "x", "index.js"), "js")

	if changed := w.Check(); len(changed) != 0 {
		t.Errorf("changed = %v", changed)
	}
}

func TestCheck_SingleFileRoot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.jsonc")
	w := New([]string{path, "/nonexistent/path"}, func([]string) {})
	w.Start()
	defer w.Stop()

	write(t, path, "{}")
	if changed := w.Check(); !slices.Equal(changed, []string{path}) {
		t.Errorf("changed = %v", changed)
	}
}

func TestWatcher_LoopDetectsChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	write(t, path, "package main")

	changes := make(chan []string, 4)
	w := New([]string{dir}, func(paths []string) { changes <- paths })
	w.SetInterval(20 * time.Millisecond)
	w.Start()
	defer w.Stop()

	write(t, path, "package main // edited")

	select {
	case paths := <-changes:
		if !slices.Equal(paths, []string{path}) {
			t.Errorf("paths = %v", paths)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change not detected")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	w := New(nil, func([]string) {})
	w.Start()
	w.Start()

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Stop()
		}()
	}
	wg.Wait()
}
