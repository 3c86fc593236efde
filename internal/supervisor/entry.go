// ABOUTME: Registry entry for one supervised child process
// ABOUTME: Status transitions are made only by the supervisor; Done reports the reap

package supervisor

import (
	"errors"
	"os/exec"
	"sync"
	"time"
)

// Status is the lifecycle state of an entry.
type Status string

const (
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusExited   Status = "exited"
)

// Entry tracks one child. Exported fields are fixed at spawn time.
type Entry struct {
	ID               string
	Name             string
	Kind             Kind
	PID              int
	StartedAt        time.Time
	UsesProcessGroup bool
	Metadata         map[string]string

	cmd     *exec.Cmd
	signals signaler

	mu       sync.Mutex
	status   Status
	stopping bool
	exitCode int
	exitErr  error
	done     chan struct{}
}

// Done is closed once the child has been reaped and removed from the registry.
func (e *Entry) Done() <-chan struct{} {
	return e.done
}

// Status returns the current lifecycle state.
func (e *Entry) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// ExitCode returns the exit code after Done, or -1 if the child was killed
// by a signal or is still running.
func (e *Entry) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != StatusExited {
		return -1
	}
	return e.exitCode
}

// Err returns the error reported by the wait, if any.
func (e *Entry) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitErr
}

// Info is a serializable snapshot of an entry.
type Info struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Kind         Kind              `json:"kind"`
	PID          int               `json:"pid"`
	StartedAt    time.Time         `json:"startedAt"`
	ProcessGroup bool              `json:"processGroup"`
	Status       Status            `json:"status"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Info returns a snapshot of e.
func (e *Entry) Info() Info {
	return Info{
		ID:           e.ID,
		Name:         e.Name,
		Kind:         e.Kind,
		PID:          e.PID,
		StartedAt:    e.StartedAt,
		ProcessGroup: e.UsesProcessGroup,
		Status:       e.Status(),
		Metadata:     e.Metadata,
	}
}

// beginStop marks e as stopping and reports whether the caller is the first
// to do so.
func (e *Entry) beginStop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping || e.status == StatusExited {
		return false
	}
	e.stopping = true
	e.status = StatusStopping
	return true
}

func (e *Entry) finish(waitErr error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = StatusExited
	e.exitErr = waitErr
	e.exitCode = 0
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		e.exitCode = exitErr.ExitCode()
	} else if waitErr != nil {
		e.exitCode = -1
	}
}
