// ABOUTME: Composition root wiring router, surfaces, bridges, supervisor and providers
// ABOUTME: Run serves surfaces until the context ends, then shuts down in dependency order

package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mauromedda/hostbridge/internal/config"
	"github.com/mauromedda/hostbridge/internal/fanout"
	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/providers/build"
	"github.com/mauromedda/hostbridge/internal/providers/delegate"
	"github.com/mauromedda/hostbridge/internal/providers/files"
	hostprovider "github.com/mauromedda/hostbridge/internal/providers/host"
	"github.com/mauromedda/hostbridge/internal/providers/settings"
	"github.com/mauromedda/hostbridge/internal/router"
	"github.com/mauromedda/hostbridge/internal/rpcbridge"
	"github.com/mauromedda/hostbridge/internal/supervisor"
	"github.com/mauromedda/hostbridge/internal/surface"
	"github.com/mauromedda/hostbridge/internal/transport/ws"
	"github.com/mauromedda/hostbridge/internal/watch"
)

// shutdownSlack is added to the stop grace to bound the supervisor's
// shutdown hook.
const shutdownSlack = 2 * time.Second

// Options configures a Host.
type Options struct {
	Settings *config.Settings
	// Manifest may be nil when no helpers are declared.
	Manifest *config.Manifest
	Version  string
}

// Host owns every long-lived component.
type Host struct {
	settings *config.Settings
	token    string

	sup     *supervisor.Supervisor
	router  *router.Router
	hub     *surface.Hub
	fan     *fanout.Fanout
	pool    *rpcbridge.Pool
	watcher *watch.Watcher
	ws      *ws.Server
	server  *http.Server

	listener net.Listener

	stopChildren context.CancelFunc
	childrenDone <-chan error
}

// New wires a host from validated settings and manifest.
func New(opts Options) (*Host, error) {
	s := opts.Settings
	if s == nil {
		s = &config.Settings{}
	}
	s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	m := opts.Manifest
	if m == nil {
		m = &config.Manifest{}
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	pins, err := delegate.Pins(m)
	if err != nil {
		return nil, err
	}

	h := &Host{settings: s, token: s.Token}
	if h.token == "" {
		h.token = uuid.NewString()
	}

	h.sup = supervisor.New(
		supervisor.WithApproval(pins.Approve),
		supervisor.WithStopGrace(s.StopGrace.Std()),
	)
	hookCtx, cancel := context.WithCancel(context.Background())
	h.stopChildren = cancel
	h.childrenDone = h.sup.InstallShutdownHook(hookCtx, s.StopGrace.Std()+shutdownSlack)

	h.router = router.New(router.WithTimeout(s.RouterTimeout.Std()))
	h.hub = surface.NewHub(h.router)
	h.fan = fanout.New(h.hub)
	h.pool = rpcbridge.NewPool(h.sup, rpcbridge.WithLiveness(func(event string, value map[string]any) {
		if err := h.fan.Broadcast(event, value); err != nil {
			log.Warn("host: %s: %v", event, err)
		}
	}))

	if err := h.registerProviders(m, opts.Version); err != nil {
		cancel()
		return nil, err
	}

	if len(s.Watch) > 0 {
		h.watcher = watch.New(s.Watch, func(paths []string) {
			if err := h.fan.Broadcast(fanout.EventFileChanged, map[string]any{"paths": paths}); err != nil {
				log.Warn("host: fileChanged: %v", err)
			}
		})
		h.watcher.SetInterval(s.WatchInterval.Std())
	}

	var wsOpts []ws.Option
	if len(s.AllowedOrigins) > 0 {
		wsOpts = append(wsOpts, ws.WithOriginPatterns(s.AllowedOrigins...))
	}
	h.ws = ws.NewServer(h.hub, h.token, wsOpts...)
	h.server = &http.Server{
		Handler:           h.ws,
		ReadHeaderTimeout: 10 * time.Second,
	}
	h.server.RegisterOnShutdown(h.ws.CloseConnections)
	return h, nil
}

func (h *Host) registerProviders(m *config.Manifest, version string) error {
	hostprovider.New(h.router, h.sup, h.hub, version).Register()

	store, err := settings.OpenStore(h.settings.SettingsStore)
	if err != nil {
		return err
	}
	settings.New(store, h.fan).Register(h.router)

	fsProvider, err := files.New(h.settings.FSRoots)
	if err != nil {
		return err
	}
	fsProvider.Register(h.router)

	buildProvider, err := build.New(h.sup, h.fan, m.Build)
	if err != nil {
		return err
	}
	buildProvider.Register(h.router)

	return delegate.Register(h.router, h.pool, m, delegate.Options{
		Timeout:   h.settings.RouterTimeout.Std(),
		StopGrace: h.settings.StopGrace.Std(),
		Publisher: h.fan,
	})
}

// Listen binds the surface listener. Run calls it when needed.
func (h *Host) Listen() error {
	if h.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", h.settings.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", h.settings.Listen, err)
	}
	h.listener = ln
	return nil
}

// Addr returns the bound listener address, or "" before Listen.
func (h *Host) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Token returns the token surfaces must present.
func (h *Host) Token() string { return h.token }

// SurfaceURL returns the WebSocket URL surface id connects to.
func (h *Host) SurfaceURL(id string) string {
	u := url.URL{
		Scheme:   "ws",
		Host:     h.Addr(),
		Path:     "/surfaces/" + url.PathEscape(id),
		RawQuery: url.Values{"token": {h.token}}.Encode(),
	}
	return u.String()
}

// Router returns the provider router.
func (h *Host) Router() *router.Router { return h.router }

// Supervisor returns the process supervisor.
func (h *Host) Supervisor() *supervisor.Supervisor { return h.sup }

// Fanout returns the event fanout.
func (h *Host) Fanout() *fanout.Fanout { return h.fan }

// Hub returns the surface hub.
func (h *Host) Hub() *surface.Hub { return h.hub }

// Run serves surfaces until ctx is done, then shuts down within the stop
// grace plus slack.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Listen(); err != nil {
		return err
	}
	log.Info("host: listening on %s", h.Addr())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := h.server.Serve(h.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving surfaces: %w", err)
		}
		return nil
	})
	if h.watcher != nil {
		h.watcher.Start()
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), h.settings.StopGrace.Std()+2*shutdownSlack)
		defer cancel()
		return h.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown stops the host: file watching, then surface traffic, then the
// helpers with their pending calls, then every remaining child.
func (h *Host) Shutdown(ctx context.Context) error {
	log.Info("host: shutting down")
	if h.watcher != nil {
		h.watcher.Stop()
	}

	var errs []error
	if err := h.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing listener: %w", err))
	}
	if h.listener != nil {
		_ = h.listener.Close()
	}
	h.hub.CloseAll()
	if err := h.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing helpers: %w", err))
	}

	h.stopChildren()
	select {
	case err, ok := <-h.childrenDone:
		if ok && err != nil {
			errs = append(errs, fmt.Errorf("stopping children: %w", err))
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("stopping children: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
