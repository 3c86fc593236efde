// ABOUTME: Tests for event fanout routing and mailbox ordering
// ABOUTME: Uses an in-memory surface registry

package fanout

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/eventbus"
)

type fakeRegistry struct {
	mu       sync.Mutex
	surfaces map[string][]string
}

func newFakeRegistry(ids ...string) *fakeRegistry {
	r := &fakeRegistry{surfaces: make(map[string][]string)}
	for _, id := range ids {
		r.surfaces[id] = nil
	}
	return r
}

func (r *fakeRegistry) Emit(id string, ev *envelope.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.surfaces[id]; !ok {
		return false
	}
	r.surfaces[id] = append(r.surfaces[id], ev.Event+"="+string(ev.Value))
	return true
}

func (r *fakeRegistry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.surfaces))
	for id := range r.surfaces {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *fakeRegistry) got(id string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.surfaces[id])
}

func TestPublish_TargetOnly(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry("editor", "toolbar")
	f := New(reg)

	if err := f.Publish("editor", EventConsole, map[string]string{"line": "hi"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := reg.got("editor"); len(got) != 1 || got[0] != `console={"line":"hi"}` {
		t.Errorf("editor got %v", got)
	}
	if got := reg.got("toolbar"); len(got) != 0 {
		t.Errorf("toolbar got %v", got)
	}
}

func TestPublish_ClosedTargetIsSilent(t *testing.T) {
	t.Parallel()

	f := New(newFakeRegistry("editor"))
	if err := f.Publish("gone", EventReady, nil); err != nil {
		t.Errorf("Publish to closed surface: %v", err)
	}
}

func TestPublish_BroadcastKinds(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry("a", "b")
	f := New(reg)

	if err := f.Publish("a", EventFileChanged, map[string][]string{"paths": {"x.go"}}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := f.Broadcast("custom", 1); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		got := reg.got(id)
		if len(got) != 2 || got[0] != `fileChanged={"paths":["x.go"]}` || got[1] != "custom=1" {
			t.Errorf("%s got %v", id, got)
		}
	}
}

func TestPublish_OrderPreserved(t *testing.T) {
	t.Parallel()

	reg := newFakeRegistry("editor")
	f := New(reg)
	for i := range 50 {
		if err := f.Publish("editor", EventConsole, i); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if err := f.Publish("editor", EventReady, true); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := reg.got("editor")
	if len(got) != 51 {
		t.Fatalf("got %d events", len(got))
	}
	for i := range 50 {
		if got[i] != fmt.Sprintf("console=%d", i) {
			t.Fatalf("event %d = %s", i, got[i])
		}
	}
	if got[50] != "ready=true" {
		t.Errorf("last event = %s", got[50])
	}
}

func TestPublish_UnmarshalableValue(t *testing.T) {
	t.Parallel()

	f := New(newFakeRegistry("a"))
	if err := f.Publish("a", "bad", make(chan int)); err == nil {
		t.Error("expected marshal error")
	}
}

func TestSubscribe_SeesDeliveries(t *testing.T) {
	t.Parallel()

	f := New(newFakeRegistry("a"), WithBroadcastKinds(KindConsole))
	var seen []Delivery
	unsub := f.Subscribe(eventbus.Wildcard, func(d Delivery) { seen = append(seen, d) })

	_ = f.Publish("a", EventConsole, "x")
	_ = f.Publish("a", "helper.started", map[string]string{"name": "signer"})
	unsub()
	_ = f.Publish("a", EventReady, nil)

	if len(seen) != 2 {
		t.Fatalf("seen %d deliveries", len(seen))
	}
	if seen[0].Kind != KindConsole || seen[0].Target != Broadcast {
		t.Errorf("console delivery = %+v", seen[0])
	}
	if seen[1].Kind != KindLiveness || seen[1].Target != Broadcast {
		t.Errorf("liveness delivery = %+v", seen[1])
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := map[string]Kind{
		"console":          KindConsole,
		"ready":            KindReady,
		"fileChanged":      KindFiles,
		"build.exited":     KindLiveness,
		"helper.exited":    KindLiveness,
		"settings.changed": KindSettings,
		"anything":         KindOther,
	}
	for name, want := range tests {
		if got := Classify(name); got != want {
			t.Errorf("Classify(%q) = %q; want %q", name, got, want)
		}
	}
}

func TestMailbox_DeliversInOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	m := NewMailbox(func(v int) {
		mu.Lock()
		got = append(got, v)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
	})
	defer m.Close()

	for i := range 100 {
		if !m.Post(i) {
			t.Fatal("Post rejected")
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("mailbox did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
}

func TestMailbox_CloseStopsDelivery(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	delivered := make(chan int, 10)
	m := NewMailbox(func(v int) {
		<-release
		delivered <- v
	})

	m.Post(1)
	m.Post(2)
	m.Post(3)
	// Let the drain goroutine pick up the first value.
	time.Sleep(20 * time.Millisecond)
	m.Close()
	close(release)

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("drain goroutine did not exit")
	}
	if m.Post(4) {
		t.Error("Post accepted after Close")
	}
	if len(delivered) > 1 {
		t.Errorf("delivered %d values after close", len(delivered))
	}
}
