// ABOUTME: Event fanout from host-side producers to live surfaces
// ABOUTME: Events are classified by kind; broadcast kinds reach every surface, others only their target

package fanout

import (
	"fmt"
	"strings"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/eventbus"
	"github.com/mauromedda/hostbridge/internal/log"
)

// Broadcast as a target publishes to every live surface.
const Broadcast = ""

// Event names produced by the host.
const (
	EventConsole         = "console"
	EventReady           = "ready"
	EventBuildExited     = "build.exited"
	EventFileChanged     = "fileChanged"
	EventSettingsChanged = "settings.changed"
)

// Kind groups events by producer.
type Kind string

const (
	KindConsole  Kind = "console"
	KindReady    Kind = "ready"
	KindFiles    Kind = "files"
	KindLiveness Kind = "liveness"
	KindSettings Kind = "settings"
	KindOther    Kind = "other"
)

// Classify returns the kind of an event name.
func Classify(event string) Kind {
	switch {
	case event == EventConsole:
		return KindConsole
	case event == EventReady:
		return KindReady
	case event == EventFileChanged:
		return KindFiles
	case event == EventBuildExited, strings.HasPrefix(event, "helper."):
		return KindLiveness
	case strings.HasPrefix(event, "settings."):
		return KindSettings
	default:
		return KindOther
	}
}

// Registry is the set of live surfaces events are delivered to. Emit reports
// false when the surface no longer exists.
type Registry interface {
	Emit(surfaceID string, ev *envelope.Event) bool
	IDs() []string
}

// Delivery is what host-side subscribers observe for each published event.
type Delivery struct {
	Target string
	Kind   Kind
	Event  *envelope.Event
}

// Fanout routes published events to surfaces.
type Fanout struct {
	reg       Registry
	broadcast map[Kind]bool
	subs      *eventbus.Registry[Delivery]
}

// Option configures a Fanout.
type Option func(*Fanout)

// WithBroadcastKinds makes every event of the given kinds reach all
// surfaces regardless of the publish target.
func WithBroadcastKinds(kinds ...Kind) Option {
	return func(f *Fanout) {
		for _, k := range kinds {
			f.broadcast[k] = true
		}
	}
}

// New creates a fanout over reg. File-change and liveness events are
// broadcast by default.
func New(reg Registry, opts ...Option) *Fanout {
	f := &Fanout{
		reg:       reg,
		broadcast: map[Kind]bool{KindFiles: true, KindLiveness: true},
		subs:      eventbus.New[Delivery](),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Publish sends event to target, or to every surface when target is
// Broadcast or the event's kind is broadcast. Missing surfaces are skipped
// silently. Events for one target are delivered in publish order.
func (f *Fanout) Publish(target, event string, value any) error {
	ev, err := envelope.NewEvent(event, value)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", event, err)
	}
	f.publish(target, ev)
	return nil
}

// Broadcast publishes event to every live surface.
func (f *Fanout) Broadcast(event string, value any) error {
	return f.Publish(Broadcast, event, value)
}

// Subscribe registers a host-side listener for event, or for every event
// with eventbus.Wildcard. Listeners run synchronously in publish order.
func (f *Fanout) Subscribe(event string, fn func(Delivery)) func() {
	return f.subs.On(event, fn)
}

func (f *Fanout) publish(target string, ev *envelope.Event) {
	kind := Classify(ev.Event)
	if f.broadcast[kind] {
		target = Broadcast
	}

	if target == Broadcast {
		for _, id := range f.reg.IDs() {
			f.reg.Emit(id, ev)
		}
	} else if !f.reg.Emit(target, ev) {
		log.Debug("fanout: %s for closed surface %s dropped", ev.Event, target)
	}

	f.subs.Emit(ev.Event, Delivery{Target: target, Kind: kind, Event: ev})
}
