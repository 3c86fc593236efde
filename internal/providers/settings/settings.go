// ABOUTME: Built-in "settings" provider scoped to the calling surface
// ABOUTME: set and delete publish settings.changed to the surface that owns the value

package settings

import (
	"context"
	"encoding/json"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/fanout"
	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/router"
)

// ProviderID is the id surfaces call this provider by.
const ProviderID = "settings"

// Publisher delivers events to surfaces.
type Publisher interface {
	Publish(target, event string, value any) error
}

// Change is the value of a settings.changed event.
type Change struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Provider exposes a Store to surfaces.
type Provider struct {
	store *Store
	pub   Publisher
}

// New creates the provider.
func New(store *Store, pub Publisher) *Provider {
	return &Provider{store: store, pub: pub}
}

// Register installs every method on r.
func (p *Provider) Register(r *router.Router) {
	r.RegisterFunc(ProviderID, "get", p.get)
	r.RegisterFunc(ProviderID, "set", p.set)
	r.RegisterFunc(ProviderID, "all", p.all)
	r.RegisterFunc(ProviderID, "delete", p.remove)
}

func (p *Provider) get(_ context.Context, call *router.Call) (any, error) {
	key, err := call.StringParam(0)
	if err != nil {
		return nil, err
	}
	v, ok := p.store.Get(call.SurfaceID, key)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (p *Provider) set(_ context.Context, call *router.Call) (any, error) {
	key, err := call.StringParam(0)
	if err != nil {
		return nil, err
	}
	if call.NumParams() < 2 {
		return nil, envelope.NewInvalidParamsError("settings.set: missing value")
	}
	value := call.Request.Params[1]
	if err := p.store.Set(call.SurfaceID, key, value); err != nil {
		return nil, err
	}
	p.changed(call.SurfaceID, Change{Key: key, Value: value})
	return true, nil
}

func (p *Provider) all(_ context.Context, call *router.Call) (any, error) {
	return p.store.All(call.SurfaceID), nil
}

func (p *Provider) remove(_ context.Context, call *router.Call) (any, error) {
	key, err := call.StringParam(0)
	if err != nil {
		return nil, err
	}
	existed, err := p.store.Delete(call.SurfaceID, key)
	if err != nil {
		return nil, err
	}
	if existed {
		p.changed(call.SurfaceID, Change{Key: key, Value: json.RawMessage("null"), Deleted: true})
	}
	return existed, nil
}

func (p *Provider) changed(surface string, c Change) {
	if p.pub == nil {
		return
	}
	if err := p.pub.Publish(surface, fanout.EventSettingsChanged, c); err != nil {
		log.Warn("settings: publishing change of %s: %v", c.Key, err)
	}
}
