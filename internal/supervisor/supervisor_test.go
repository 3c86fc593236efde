// ABOUTME: Tests for the process supervisor using real shell children
// ABOUTME: Verifies two-phase stop, group kill, exit detection and shutdown completeness

//go:build unix

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// alive reports whether pid names a running, non-zombie process.
func alive(pid int) bool {
	if err := unix.Kill(pid, 0); err != nil {
		return false
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	// The state follows the parenthesised command name.
	s := string(data)
	if i := strings.LastIndexByte(s, ')'); i >= 0 && i+2 < len(s) {
		return s[i+2] != 'Z'
	}
	return true
}

func waitDead(t *testing.T, pid int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !alive(pid) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("pid %d still alive", pid)
}

func spawnShell(t *testing.T, s *Supervisor, script string, group bool) *Entry {
	t.Helper()
	e, err := s.Spawn(t.Context(), Spec{
		Name:         "sh",
		Kind:         KindBuildServer,
		Path:         "sh",
		Args:         []string{"-c", script},
		ProcessGroup: group,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background(), e, 100*time.Millisecond) })
	return e
}

func TestSpawn_RegistersEntry(t *testing.T) {
	t.Parallel()

	s := New()
	e := spawnShell(t, s, "exec sleep 30", false)

	if e.PID <= 0 || e.ID == "" {
		t.Fatalf("unexpected entry %+v", e.Info())
	}
	if got, ok := s.Lookup(e.ID); !ok || got != e {
		t.Error("Lookup did not return the entry")
	}
	if e.Status() != StatusRunning {
		t.Errorf("Status = %s", e.Status())
	}
	if !alive(e.PID) {
		t.Error("child not running")
	}
}

func TestStop_Graceful(t *testing.T) {
	t.Parallel()

	s := New()
	e := spawnShell(t, s, "exec sleep 30", false)

	start := time.Now()
	if err := s.Stop(t.Context(), e, 5*time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("graceful stop took %v", elapsed)
	}
	if s.Len() != 0 {
		t.Errorf("registry has %d entries", s.Len())
	}
	if e.Status() != StatusExited {
		t.Errorf("Status = %s", e.Status())
	}
	waitDead(t, e.PID)
}

func TestStop_ForceKillsAfterGrace(t *testing.T) {
	t.Parallel()

	s := New()
	e := spawnShell(t, s, `trap "" TERM; sleep 30`, true)
	// Give the shell time to install the trap.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := s.Stop(t.Context(), e, 200*time.Millisecond); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("stop returned after %v; want at least the grace period", elapsed)
	}
	waitDead(t, e.PID)
}

// spawnTree starts a process-group shell running script and returns the
// pids it prints, one per line.
func spawnTree(t *testing.T, s *Supervisor, script string, want int) (*Entry, []int) {
	t.Helper()
	var mu sync.Mutex
	var lines []string
	e, err := s.Spawn(t.Context(), Spec{
		Name:         "tree",
		Kind:         KindBuildServer,
		Path:         "sh",
		Args:         []string{"-c", script},
		ProcessGroup: true,
		OnOutput: func(_ Stream, line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !e.UsesProcessGroup {
		t.Fatal("expected process group")
	}
	t.Cleanup(func() { _ = unix.Kill(-e.PID, unix.SIGKILL) })

	var pids []int
	deadline := time.Now().Add(3 * time.Second)
	for len(pids) < want && time.Now().Before(deadline) {
		mu.Lock()
		pids = pids[:0]
		for _, l := range lines {
			if pid, err := strconv.Atoi(l); err == nil {
				pids = append(pids, pid)
			}
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	if len(pids) < want {
		t.Fatalf("got pids %v; want %d", pids, want)
	}
	return e, pids
}

func TestStop_ProcessGroupReachesDescendants(t *testing.T) {
	t.Parallel()

	s := New()
	e, pids := spawnTree(t, s, `sleep 30 & echo $!; (trap "" TERM; exec sleep 30) & echo $!; wait`, 2)

	if err := s.Stop(t.Context(), e, time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitDead(t, e.PID)
	for _, pid := range pids {
		waitDead(t, pid)
	}
}

func TestShutdown_KillsTermIgnoringDescendant(t *testing.T) {
	t.Parallel()

	s := New()
	e, pids := spawnTree(t, s, `(trap "" TERM; exec sleep 30) & echo $!; wait`, 1)

	if err := s.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("registry len = %d", s.Len())
	}
	waitDead(t, e.PID)
	waitDead(t, pids[0])
}

func TestExitWatcher_SweepsGroupAfterLeaderExits(t *testing.T) {
	t.Parallel()

	s := New()
	e, pids := spawnTree(t, s, `(trap "" TERM; exec sleep 30) & echo $!; sleep 0.2`, 1)

	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("leader exit not detected")
	}
	waitDead(t, pids[0])
}

func TestStop_ConcurrentCallersShareStop(t *testing.T) {
	t.Parallel()

	s := New()
	e := spawnShell(t, s, "exec sleep 30", false)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Stop(t.Context(), e, time.Second)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Stop: %v", err)
		}
	}
	// Stopping an exited entry is a no-op.
	if err := s.Stop(t.Context(), e, time.Second); err != nil {
		t.Errorf("Stop after exit: %v", err)
	}
}

func TestExitWatcher_DetectsExit(t *testing.T) {
	t.Parallel()

	exited := make(chan *Entry, 1)
	var mu sync.Mutex
	var out []string
	s := New()
	e, err := s.Spawn(t.Context(), Spec{
		Name: "short",
		Kind: KindRPCHelper,
		Path: "sh",
		Args: []string{"-c", "echo one; echo two; echo oops >&2; exit 3"},
		OnOutput: func(stream Stream, line string) {
			mu.Lock()
			out = append(out, string(stream)+":"+line)
			mu.Unlock()
		},
		OnExit: func(e *Entry) { exited <- e },
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	select {
	case <-e.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("exit not detected")
	}
	if e.ExitCode() != 3 {
		t.Errorf("ExitCode = %d; want 3", e.ExitCode())
	}
	if _, ok := s.Lookup(e.ID); ok {
		t.Error("entry still registered after exit")
	}

	select {
	case got := <-exited:
		if got != e {
			t.Error("OnExit received another entry")
		}
	case <-time.After(time.Second):
		t.Fatal("OnExit not called")
	}

	mu.Lock()
	defer mu.Unlock()
	var stdout []string
	var sawStderr bool
	for _, l := range out {
		if strings.HasPrefix(l, "stdout:") {
			stdout = append(stdout, strings.TrimPrefix(l, "stdout:"))
		}
		if l == "stderr:oops" {
			sawStderr = true
		}
	}
	if strings.Join(stdout, ",") != "one,two" {
		t.Errorf("stdout lines = %v", stdout)
	}
	if !sawStderr {
		t.Errorf("stderr line missing from %v", out)
	}
}

func TestShutdown_ReapsEverything(t *testing.T) {
	t.Parallel()

	s := New(WithStopGrace(200 * time.Millisecond))
	var pids []int
	for i := range 3 {
		e, err := s.Spawn(t.Context(), Spec{
			Name:         fmt.Sprintf("child-%d", i),
			Path:         "sh",
			Args:         []string{"-c", `trap "" TERM; exec sleep 30`},
			ProcessGroup: i%2 == 0,
		})
		if err != nil {
			t.Fatalf("Spawn: %v", err)
		}
		pids = append(pids, e.PID)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d", s.Len())
	}

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("registry has %d entries after shutdown", s.Len())
	}
	for _, pid := range pids {
		waitDead(t, pid)
	}

	if _, err := s.Spawn(t.Context(), Spec{Name: "late", Path: "true"}); !errors.Is(err, ErrShutdown) {
		t.Errorf("Spawn after shutdown: %v", err)
	}
}

func TestInstallShutdownHook_RunsOnce(t *testing.T) {
	t.Parallel()

	s := New(WithStopGrace(100 * time.Millisecond))
	e := spawnShell(t, s, "sleep 30", true)

	ctx, cancel := context.WithCancel(t.Context())
	done := s.InstallShutdownHook(ctx, 5*time.Second)
	if again := s.InstallShutdownHook(ctx, time.Second); again != done {
		t.Error("second install returned a different hook")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("hook: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("hook did not run")
	}
	if s.Len() != 0 {
		t.Errorf("registry has %d entries", s.Len())
	}
	waitDead(t, e.PID)
}

func TestSpawn_ApprovalGate(t *testing.T) {
	t.Parallel()

	denied := errors.New("not pinned")
	var seen []string
	s := New(WithApproval(func(path string, args []string) error {
		seen = append(seen, path)
		if path == "sh" {
			return denied
		}
		return nil
	}))

	if _, err := s.Spawn(t.Context(), Spec{Name: "x", Path: "sh", Args: []string{"-c", "true"}}); !errors.Is(err, denied) {
		t.Errorf("err = %v; want denial", err)
	}
	if s.Len() != 0 {
		t.Error("denied spawn was registered")
	}
	if len(seen) != 1 {
		t.Errorf("approval called %d times", len(seen))
	}
}

func TestSpawn_StartFailure(t *testing.T) {
	t.Parallel()

	s := New()
	if _, err := s.Spawn(t.Context(), Spec{Name: "missing", Path: "/nonexistent/hostbridge-helper"}); err == nil {
		t.Fatal("expected start error")
	}
	if _, err := s.Spawn(t.Context(), Spec{Name: "empty"}); err == nil {
		t.Fatal("expected empty command error")
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestEntries_OrderedByStart(t *testing.T) {
	t.Parallel()

	s := New()
	first := spawnShell(t, s, "exec sleep 30", false)
	time.Sleep(5 * time.Millisecond)
	second := spawnShell(t, s, "exec sleep 30", false)

	entries := s.Entries()
	if len(entries) != 2 || entries[0] != first || entries[1] != second {
		t.Fatalf("unexpected order")
	}
	info := first.Info()
	if info.Status != StatusRunning || info.PID != first.PID {
		t.Errorf("Info = %+v", info)
	}
}
