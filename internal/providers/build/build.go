// ABOUTME: Built-in "build" provider running the project's build/dev server
// ABOUTME: Streams output as console events, signals readiness once, reports exit as build.exited

package build

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/mauromedda/hostbridge/internal/config"
	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/fanout"
	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/router"
	"github.com/mauromedda/hostbridge/internal/supervisor"
)

// ProviderID is the id surfaces call this provider by.
const ProviderID = "build"

// Handler error codes.
const (
	CodeNotConfigured  = 4001
	CodeAlreadyRunning = 4090
)

// Publisher delivers events to surfaces.
type Publisher interface {
	Publish(target, event string, value any) error
}

// ConsoleLine is the value of a console event.
type ConsoleLine struct {
	Stream supervisor.Stream `json:"stream"`
	Line   string            `json:"line"`
}

// Exit is the value of a build.exited event.
type Exit struct {
	ID      string `json:"id"`
	Surface string `json:"surface"`
	Code    int    `json:"code"`
}

// Status is the result of status.
type Status struct {
	Running bool             `json:"running"`
	Ready   bool             `json:"ready"`
	Surface string           `json:"surface,omitempty"`
	Process *supervisor.Info `json:"process,omitempty"`
}

type run struct {
	entry   *supervisor.Entry
	surface string
	ready   atomic.Bool
}

// Provider manages at most one build server at a time.
type Provider struct {
	sup   *supervisor.Supervisor
	pub   Publisher
	spec  *config.Build
	ready *regexp.Regexp

	mu      sync.Mutex
	current *run
}

// New creates the provider. spec may be nil, in which case start fails
// with CodeNotConfigured.
func New(sup *supervisor.Supervisor, pub Publisher, spec *config.Build) (*Provider, error) {
	p := &Provider{sup: sup, pub: pub, spec: spec}
	if spec != nil {
		re, err := spec.ReadyPattern()
		if err != nil {
			return nil, err
		}
		p.ready = re
	}
	return p, nil
}

// Register installs every method on r.
func (p *Provider) Register(r *router.Router) {
	r.RegisterFunc(ProviderID, "start", p.start)
	r.RegisterFunc(ProviderID, "stop", p.stop)
	r.RegisterFunc(ProviderID, "status", p.status)
}

// start spawns the build server. An optional first param overrides the
// configured args.
func (p *Provider) start(ctx context.Context, call *router.Call) (any, error) {
	if p.spec == nil {
		return nil, envelope.NewHandlerError(CodeNotConfigured, "no build server configured")
	}
	args := p.spec.Args
	if call.NumParams() > 0 {
		if err := call.Param(0, &args); err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil {
		return nil, envelope.NewHandlerError(CodeAlreadyRunning, fmt.Sprintf("build server already running (pid %d)", p.current.entry.PID))
	}

	r := &run{surface: call.SurfaceID}
	entry, err := p.sup.Spawn(ctx, supervisor.Spec{
		Name:         "build",
		Kind:         supervisor.KindBuildServer,
		Path:         p.spec.Command,
		Args:         args,
		Env:          p.spec.EnvList(),
		Dir:          p.spec.Dir,
		ProcessGroup: p.spec.UsesProcessGroup(),
		Metadata:     map[string]string{"surface": call.SurfaceID},
		OnOutput: func(stream supervisor.Stream, line string) {
			p.output(r, stream, line)
		},
		OnExit: func(e *supervisor.Entry) {
			p.exited(r, e)
		},
	})
	if err != nil {
		return nil, envelope.NewChildProcessError(fmt.Sprintf("starting build server: %v", err))
	}
	r.entry = entry
	p.current = r
	log.Info("build: started %s (pid %d) for surface %s", p.spec.Command, entry.PID, call.SurfaceID)
	return entry.Info(), nil
}

func (p *Provider) stop(ctx context.Context, _ *router.Call) (any, error) {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return false, nil
	}
	if err := p.sup.Stop(ctx, r.entry, p.spec.StopGrace.Std()); err != nil {
		return nil, err
	}
	return true, nil
}

func (p *Provider) status(context.Context, *router.Call) (any, error) {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return Status{}, nil
	}
	info := r.entry.Info()
	return Status{Running: true, Ready: r.ready.Load(), Surface: r.surface, Process: &info}, nil
}

// output runs on the stream's reader goroutine, so the ready event always
// follows the console lines that preceded it on that stream.
func (p *Provider) output(r *run, stream supervisor.Stream, line string) {
	p.publish(r.surface, fanout.EventConsole, ConsoleLine{Stream: stream, Line: line})
	if p.ready != nil && p.ready.MatchString(line) && r.ready.CompareAndSwap(false, true) {
		p.publish(r.surface, fanout.EventReady, map[string]string{"line": line})
	}
}

func (p *Provider) exited(r *run, e *supervisor.Entry) {
	p.mu.Lock()
	if p.current == r {
		p.current = nil
	}
	p.mu.Unlock()
	log.Info("build: pid %d exited with code %d", e.PID, e.ExitCode())
	p.publish(r.surface, fanout.EventBuildExited, Exit{ID: e.ID, Surface: r.surface, Code: e.ExitCode()})
}

func (p *Provider) publish(target, event string, value any) {
	if err := p.pub.Publish(target, event, value); err != nil {
		log.Warn("build: publishing %s: %v", event, err)
	}
}
