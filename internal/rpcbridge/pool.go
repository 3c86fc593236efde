// ABOUTME: Pool of named, lazily started bridges
// ABOUTME: Concurrent first calls share one spawn; exited helpers are replaced on next use

package rpcbridge

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/supervisor"
)

// Liveness event names published by the pool.
const (
	EventHelperStarted = "helper.started"
	EventHelperExited  = "helper.exited"
)

// LivenessFunc receives helper.started and helper.exited notices.
type LivenessFunc func(event string, value map[string]any)

// Pool starts bridges on first use and keeps one live bridge per name.
type Pool struct {
	sup      *supervisor.Supervisor
	liveness LivenessFunc

	mu      sync.Mutex
	specs   map[string]Spec
	bridges map[string]*Bridge
	closed  bool

	starts singleflight.Group
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLiveness installs the receiver for liveness notices.
func WithLiveness(fn LivenessFunc) PoolOption {
	return func(p *Pool) { p.liveness = fn }
}

// NewPool creates an empty pool spawning under sup.
func NewPool(sup *supervisor.Supervisor, opts ...PoolOption) *Pool {
	p := &Pool{
		sup:     sup,
		specs:   make(map[string]Spec),
		bridges: make(map[string]*Bridge),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Add registers spec under spec.Name without starting it.
func (p *Pool) Add(spec Spec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if spec.Name == "" {
		return errors.New("helper name is required")
	}
	if _, dup := p.specs[spec.Name]; dup {
		return fmt.Errorf("helper %q already registered", spec.Name)
	}
	p.specs[spec.Name] = spec
	return nil
}

// Names returns the registered helper names, sorted.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.specs))
	for n := range p.specs {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Get returns the live bridge for name, starting it if needed.
func (p *Pool) Get(ctx context.Context, name string) (*Bridge, error) {
	if b, err := p.live(name); b != nil || err != nil {
		return b, err
	}

	v, err, _ := p.starts.Do(name, func() (any, error) {
		if b, err := p.live(name); b != nil || err != nil {
			return b, err
		}
		return p.start(context.WithoutCancel(ctx), name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Bridge), nil
}

// live returns the current bridge for name if its child is still running.
func (p *Pool) live(name string) (*Bridge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if _, ok := p.specs[name]; !ok {
		return nil, fmt.Errorf("unknown helper %q", name)
	}
	b, ok := p.bridges[name]
	if !ok {
		return nil, nil
	}
	select {
	case <-b.Done():
		delete(p.bridges, name)
		return nil, nil
	default:
		return b, nil
	}
}

func (p *Pool) start(ctx context.Context, name string) (*Bridge, error) {
	p.mu.Lock()
	spec := p.specs[name]
	p.mu.Unlock()

	b, err := Spawn(ctx, p.sup, spec)
	if err != nil {
		return nil, fmt.Errorf("starting helper %q: %w", name, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = b.Close(ctx)
		return nil, ErrClosed
	}
	p.bridges[name] = b
	p.mu.Unlock()

	pid := b.Entry().PID
	p.notify(EventHelperStarted, map[string]any{"name": name, "pid": pid})

	go func() {
		<-b.Done()
		p.mu.Lock()
		if p.bridges[name] == b {
			delete(p.bridges, name)
		}
		p.mu.Unlock()
		p.notify(EventHelperExited, map[string]any{"name": name, "pid": pid, "code": b.Entry().ExitCode()})
	}()
	return b, nil
}

func (p *Pool) notify(event string, value map[string]any) {
	log.Debug("rpcbridge: %s %v", event, value)
	if p.liveness != nil {
		p.liveness(event, value)
	}
}

// Close shuts every live bridge down. Pending calls fail with a shutdown
// error and later Gets fail with ErrClosed.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	bridges := make([]*Bridge, 0, len(p.bridges))
	for _, b := range p.bridges {
		bridges = append(bridges, b)
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range bridges {
		g.Go(func() error { return b.Close(gctx) })
	}
	return g.Wait()
}
