// ABOUTME: Registers manifest-declared helpers as providers backed by subprocess bridges
// ABOUTME: Helpers start lazily through the pool on their first call

package delegate

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/mauromedda/hostbridge/internal/binhash"
	"github.com/mauromedda/hostbridge/internal/config"
	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/router"
	"github.com/mauromedda/hostbridge/internal/rpcbridge"
	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// Publisher broadcasts helper events to surfaces.
type Publisher interface {
	Broadcast(event string, value any) error
}

// Options holds the fallbacks for values a helper leaves unset.
type Options struct {
	Timeout   time.Duration
	Grace     time.Duration
	StopGrace time.Duration
	Publisher Publisher
}

// Register adds every helper of m to pool and registers its methods on r.
// Unsolicited helper events are broadcast as "<provider>.<event>".
func Register(r *router.Router, pool *rpcbridge.Pool, m *config.Manifest, opts Options) error {
	if opts.Timeout <= 0 {
		opts.Timeout = rpcbridge.DefaultTimeout
	}
	if opts.Grace <= 0 {
		opts.Grace = rpcbridge.DefaultGrace
	}

	for i := range m.Helpers {
		h := &m.Helpers[i]
		spec, err := bridgeSpec(h, opts)
		if err != nil {
			return fmt.Errorf("helper %s: %w", h.Name, err)
		}
		if err := pool.Add(spec); err != nil {
			return err
		}

		name := h.Name
		source := func(ctx context.Context) (router.Caller, error) {
			return pool.Get(ctx, name)
		}
		for _, method := range h.Methods {
			timeout := first(method.Timeout.Std(), h.Timeout.Std(), opts.Timeout)
			d := &router.Delegate{
				Source:  source,
				Method:  method.RemoteMethod(),
				Timeout: timeout,
				Grace:   spec.Grace,
			}
			if len(method.Params) > 0 {
				d.MapParams = router.NamedParams(method.Params...)
			}
			r.Register(h.ProviderID(), method.Name, d)
		}
		log.Debug("delegate: %s serves %d methods as provider %s", h.Name, len(h.Methods), h.ProviderID())
	}
	return nil
}

// Pins collects the executable digests declared in m.
func Pins(m *config.Manifest) (binhash.Pins, error) {
	pins := make(binhash.Pins)
	for _, h := range m.Helpers {
		if h.Digest == "" {
			continue
		}
		d, err := binhash.ParseDigest(h.Digest)
		if err != nil {
			return nil, fmt.Errorf("helper %s: %w", h.Name, err)
		}
		pins[h.Command] = d
	}
	return pins, nil
}

func bridgeSpec(h *config.Helper, opts Options) (rpcbridge.Spec, error) {
	patterns, err := h.SuppressPatterns()
	if err != nil {
		return rpcbridge.Spec{}, err
	}
	provider := h.ProviderID()
	spec := rpcbridge.Spec{
		Name:         h.Name,
		Path:         h.Command,
		Args:         h.Args,
		Env:          h.EnvList(),
		Dir:          h.Dir,
		ProcessGroup: h.ProcessGroup,
		Metadata:     map[string]string{"provider": provider},
		Grace:        first(h.Grace.Std(), opts.Grace),
		StopGrace:    opts.StopGrace,
		Suppress:     suppressor(patterns),
	}
	if opts.Publisher != nil {
		spec.OnEvent = func(ev lineproto.Event) {
			if err := opts.Publisher.Broadcast(provider+"."+ev.Event, ev.Value); err != nil {
				log.Warn("delegate: %s event %s: %v", h.Name, ev.Event, err)
			}
		}
	}
	return spec, nil
}

// suppressor matches helper error messages against the benign patterns.
func suppressor(patterns []*regexp.Regexp) func(*lineproto.Error) bool {
	if len(patterns) == 0 {
		return nil
	}
	return func(e *lineproto.Error) bool {
		for _, re := range patterns {
			if re.MatchString(e.Message) {
				return true
			}
		}
		return false
	}
}

func first(ds ...time.Duration) time.Duration {
	for _, d := range ds {
		if d > 0 {
			return d
		}
	}
	return 0
}
