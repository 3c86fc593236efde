// ABOUTME: Built-in "host" provider for introspection by surfaces
// ABOUTME: Exposes ping, version, registered providers, supervised processes and live surfaces

package host

import (
	"context"

	"github.com/mauromedda/hostbridge/internal/router"
	"github.com/mauromedda/hostbridge/internal/supervisor"
)

// ProviderID is the id surfaces call this provider by.
const ProviderID = "host"

// SurfaceLister reports the ids of connected surfaces.
type SurfaceLister interface {
	IDs() []string
}

// Provider answers introspection calls.
type Provider struct {
	router   *router.Router
	sup      *supervisor.Supervisor
	surfaces SurfaceLister
	version  string
}

// New creates the provider. Register must be called to expose it.
func New(r *router.Router, sup *supervisor.Supervisor, surfaces SurfaceLister, version string) *Provider {
	return &Provider{router: r, sup: sup, surfaces: surfaces, version: version}
}

// Register installs every method on the router.
func (p *Provider) Register() {
	p.router.RegisterFunc(ProviderID, "ping", p.ping)
	p.router.RegisterFunc(ProviderID, "version", p.versionInfo)
	p.router.RegisterFunc(ProviderID, "providers", p.providers)
	p.router.RegisterFunc(ProviderID, "processes", p.processes)
	p.router.RegisterFunc(ProviderID, "surfaces", p.listSurfaces)
}

func (p *Provider) ping(context.Context, *router.Call) (any, error) {
	return "pong", nil
}

func (p *Provider) versionInfo(context.Context, *router.Call) (any, error) {
	return p.version, nil
}

func (p *Provider) providers(context.Context, *router.Call) (any, error) {
	return p.router.Keys(), nil
}

func (p *Provider) processes(context.Context, *router.Call) (any, error) {
	entries := p.sup.Entries()
	infos := make([]supervisor.Info, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, e.Info())
	}
	return infos, nil
}

func (p *Provider) listSurfaces(context.Context, *router.Call) (any, error) {
	ids := p.surfaces.IDs()
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
