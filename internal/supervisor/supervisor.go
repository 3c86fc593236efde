// ABOUTME: Process supervisor: spawn, two-phase stop and shutdown of long-lived children
// ABOUTME: A single exit watcher per child reaps it, drains its output and removes it from the registry

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mauromedda/hostbridge/internal/log"
)

// DefaultStopGrace is how long Stop waits after the terminate signal before
// force-killing.
const DefaultStopGrace = 5 * time.Second

// drainTimeout bounds how long the exit watcher waits for output readers
// after the child is reaped. Descendants outside the child's process group
// may hold the pipes open indefinitely.
const drainTimeout = 2 * time.Second

// ErrShutdown is returned by Spawn once Shutdown has started.
var ErrShutdown = errors.New("supervisor is shutting down")

// Kind tells what a supervised child is used for.
type Kind string

const (
	KindRPCHelper   Kind = "rpc_helper"
	KindBuildServer Kind = "build_server"
)

// Stream names an output stream of a child.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// ApproveFunc validates whether spawning path with args is allowed.
// Return nil to approve; return an error to block.
type ApproveFunc func(path string, args []string) error

// Spec describes a child to spawn. It is treated as immutable.
type Spec struct {
	Name string
	Kind Kind
	Path string
	Args []string
	// Env is appended to the host environment.
	Env []string
	Dir string
	// ProcessGroup places the child in its own process group so stop
	// signals reach its descendants too.
	ProcessGroup bool
	Metadata     map[string]string

	// Stdin, Stdout and Stderr are passed to the child unchanged when set.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// OnOutput receives each line of a stream that has no writer set.
	// Calls for one stream are sequential and in output order.
	OnOutput func(stream Stream, line string)
	// OnExit runs after the child is reaped, its output drained and its
	// entry removed from the registry.
	OnExit func(e *Entry)
}

// Supervisor owns the registry of running children.
type Supervisor struct {
	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	approve ApproveFunc
	grace   time.Duration

	hookOnce sync.Once
	hookDone chan error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithApproval installs a gate consulted before every spawn.
func WithApproval(fn ApproveFunc) Option {
	return func(s *Supervisor) { s.approve = fn }
}

// WithStopGrace sets the grace period used by Shutdown.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.grace = d
		}
	}
}

// New creates an empty supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		entries: make(map[string]*Entry),
		grace:   DefaultStopGrace,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spawn starts the child described by spec and registers it.
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Path == "" {
		return nil, fmt.Errorf("spawning %q: empty command", spec.Name)
	}
	if s.approve != nil {
		if err := s.approve(spec.Path, spec.Args); err != nil {
			return nil, fmt.Errorf("spawning %q denied: %w", spec.Name, err)
		}
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdin = spec.Stdin
	group := spec.ProcessGroup && groupSignalSupported
	configure(cmd, group)

	var (
		readers   []*os.File
		streams   []Stream
		childEnds []*os.File
	)
	attach := func(w io.Writer, stream Stream) (io.Writer, error) {
		if w != nil || spec.OnOutput == nil {
			return w, nil
		}
		r, pw, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating %s pipe: %w", stream, err)
		}
		readers = append(readers, r)
		streams = append(streams, stream)
		childEnds = append(childEnds, pw)
		return pw, nil
	}
	closeAll := func(files []*os.File) {
		for _, f := range files {
			f.Close()
		}
	}

	var err error
	if cmd.Stdout, err = attach(spec.Stdout, Stdout); err != nil {
		closeAll(readers)
		closeAll(childEnds)
		return nil, err
	}
	if cmd.Stderr, err = attach(spec.Stderr, Stderr); err != nil {
		closeAll(readers)
		closeAll(childEnds)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		closeAll(readers)
		closeAll(childEnds)
		return nil, ErrShutdown
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		closeAll(readers)
		closeAll(childEnds)
		return nil, fmt.Errorf("starting %q: %w", spec.Name, err)
	}
	closeAll(childEnds)

	e := &Entry{
		ID:               uuid.NewString(),
		Name:             spec.Name,
		Kind:             spec.Kind,
		PID:              cmd.Process.Pid,
		StartedAt:        time.Now(),
		UsesProcessGroup: group,
		Metadata:         spec.Metadata,
		cmd:              cmd,
		signals:          newSignaler(cmd.Process, group),
		status:           StatusRunning,
		done:             make(chan struct{}),
	}
	s.entries[e.ID] = e
	s.mu.Unlock()

	log.Info("supervisor: started %s %q (pid %d, group %v)", e.Kind, e.Name, e.PID, group)

	var drain sync.WaitGroup
	for i, r := range readers {
		drain.Add(1)
		go func() {
			defer drain.Done()
			forwardLines(r, streams[i], spec.OnOutput)
		}()
	}

	go s.watch(e, &drain, readers, spec.OnExit)
	return e, nil
}

// watch is the only caller of cmd.Wait for e.
func (s *Supervisor) watch(e *Entry, drain *sync.WaitGroup, readers []*os.File, onExit func(*Entry)) {
	waitErr := e.cmd.Wait()

	// Descendants may ignore SIGTERM or outlive a leader that exited on its
	// own; none of them may survive the entry.
	if err := e.signals.sweep(); err != nil {
		log.Debug("supervisor: sweeping group of %q: %v", e.Name, err)
	}

	drained := make(chan struct{})
	go func() {
		drain.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		log.Warn("supervisor: %q output still open after exit, closing", e.Name)
	}
	for _, r := range readers {
		r.Close()
	}
	<-drained

	e.finish(waitErr)

	s.mu.Lock()
	delete(s.entries, e.ID)
	s.mu.Unlock()

	close(e.done)

	if waitErr != nil {
		log.Info("supervisor: %q (pid %d) exited: %v", e.Name, e.PID, waitErr)
	} else {
		log.Info("supervisor: %q (pid %d) exited", e.Name, e.PID)
	}

	if onExit != nil {
		onExit(e)
	}
}

// Stop sends the terminate signal to e, waits up to grace and then
// force-kills. It returns once the child has been reaped. Concurrent and
// repeated stops share the first stop's signals.
func (s *Supervisor) Stop(ctx context.Context, e *Entry, grace time.Duration) error {
	if grace <= 0 {
		grace = s.grace
	}
	select {
	case <-e.done:
		return nil
	default:
	}

	if e.beginStop() {
		log.Debug("supervisor: stopping %q (pid %d, grace %v)", e.Name, e.PID, grace)
		if err := e.signals.terminate(); err != nil {
			log.Debug("supervisor: terminate %q: %v", e.Name, err)
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-e.done:
			return nil
		case <-timer.C:
			log.Warn("supervisor: %q did not exit within %v, killing", e.Name, grace)
			if err := e.signals.kill(); err != nil {
				log.Debug("supervisor: kill %q: %v", e.Name, err)
			}
		case <-ctx.Done():
			if err := e.signals.kill(); err != nil {
				log.Debug("supervisor: kill %q: %v", e.Name, err)
			}
		}
	}

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping %q: %w", e.Name, ctx.Err())
	}
}

// Shutdown stops every registered child in parallel and rejects further
// spawns. On a nil return the registry is empty.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	if len(entries) > 0 {
		log.Info("supervisor: shutting down %d children", len(entries))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			return s.Stop(gctx, e, s.grace)
		})
	}
	return g.Wait()
}

// InstallShutdownHook arranges for Shutdown to run once ctx is done, bounded
// by timeout. The returned channel yields Shutdown's result and is closed.
// Only the first call installs a hook; later calls return the same channel.
func (s *Supervisor) InstallShutdownHook(ctx context.Context, timeout time.Duration) <-chan error {
	s.hookOnce.Do(func() {
		s.hookDone = make(chan error, 1)
		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			s.hookDone <- s.Shutdown(sctx)
			close(s.hookDone)
		}()
	})
	return s.hookDone
}

// Entries returns a snapshot of the registry ordered by start time.
func (s *Supervisor) Entries() []*Entry {
	s.mu.Lock()
	out := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.Unlock()

	slices.SortFunc(out, func(a, b *Entry) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Lookup returns the registered entry with id.
func (s *Supervisor) Lookup(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e, ok
}

// Len returns the number of registered children.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
