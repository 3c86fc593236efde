//go:build unix

// ABOUTME: Tests for the build server provider against real shell children
// ABOUTME: Checks console/ready ordering, single readiness, stop and exit events

package build

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mauromedda/hostbridge/internal/config"
	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/router"
	"github.com/mauromedda/hostbridge/internal/supervisor"
)

type event struct {
	target string
	name   string
	value  string
}

type recorder struct {
	mu     sync.Mutex
	events []event
	signal chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) Publish(target, name string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.events = append(r.events, event{target, name, string(raw)})
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) waitFor(t *testing.T, name string) []event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		for _, e := range r.events {
			if e.name == name {
				out := append([]event(nil), r.events...)
				r.mu.Unlock()
				return out
			}
		}
		r.mu.Unlock()
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("event %s not published", name)
		}
	}
}

func setup(t *testing.T, script string) (*router.Router, *recorder, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	rec := newRecorder()
	p, err := New(sup, rec, &config.Build{
		Command:   "sh",
		Args:      []string{"-c", script},
		Ready:     `ready in \d+ms`,
		StopGrace: config.Duration(time.Second),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := router.New()
	p.Register(r)
	return r, rec, sup
}

func call(t *testing.T, r *router.Router, method string) *envelope.Response {
	t.Helper()
	return r.Dispatch(t.Context(), &router.Call{
		Request:   &envelope.Request{ID: 1, ProviderID: ProviderID, Method: method},
		SurfaceID: "editor",
		ReplyTo:   "editor",
	})
}

func TestStart_ConsoleThenReadyOnce(t *testing.T) {
	t.Parallel()

	r, rec, _ := setup(t, `echo compiling; echo "ready in 12ms"; echo after; echo "ready in 1ms"; echo done; exec sleep 30`)
	if resp := call(t, r, "start"); resp.Error != nil {
		t.Fatalf("start: %v", resp.Error)
	}

	// "done" is the last line, so everything before it has been published.
	deadline := time.Now().Add(5 * time.Second)
	var events []event
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		events = append(events[:0], rec.events...)
		rec.mu.Unlock()
		if len(events) == 6 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := []event{
		{"editor", "console", `{"stream":"stdout","line":"compiling"}`},
		{"editor", "console", `{"stream":"stdout","line":"ready in 12ms"}`},
		{"editor", "ready", `{"line":"ready in 12ms"}`},
		{"editor", "console", `{"stream":"stdout","line":"after"}`},
		{"editor", "console", `{"stream":"stdout","line":"ready in 1ms"}`},
		{"editor", "console", `{"stream":"stdout","line":"done"}`},
	}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events =\n%v\nwant\n%v", events, want)
	}

	var st Status
	if err := json.Unmarshal(call(t, r, "status").Result, &st); err != nil {
		t.Fatal(err)
	}
	if !st.Running || !st.Ready || st.Surface != "editor" || st.Process == nil || !st.Process.ProcessGroup {
		t.Errorf("status = %+v", st)
	}

	if resp := call(t, r, "start"); resp.Error == nil || resp.Error.Code != CodeAlreadyRunning {
		t.Errorf("second start = %+v", resp.Error)
	}
}

func TestStop_PublishesExit(t *testing.T) {
	t.Parallel()

	r, rec, sup := setup(t, `echo up; exec sleep 30`)
	if resp := call(t, r, "start"); resp.Error != nil {
		t.Fatalf("start: %v", resp.Error)
	}
	rec.waitFor(t, "console")

	if resp := call(t, r, "stop"); string(resp.Result) != "true" {
		t.Fatalf("stop = %s, %v", resp.Result, resp.Error)
	}
	events := rec.waitFor(t, "build.exited")
	last := events[len(events)-1]
	if last.name != "build.exited" || last.target != "editor" {
		t.Errorf("last event = %+v", last)
	}
	if sup.Len() != 0 {
		t.Errorf("registry still holds %d entries", sup.Len())
	}
	if resp := call(t, r, "stop"); string(resp.Result) != "false" {
		t.Errorf("stop when idle = %s", resp.Result)
	}
}

func TestChildExit_ClearsCurrent(t *testing.T) {
	t.Parallel()

	r, rec, _ := setup(t, `echo bye; exit 3`)
	if resp := call(t, r, "start"); resp.Error != nil {
		t.Fatalf("start: %v", resp.Error)
	}
	events := rec.waitFor(t, "build.exited")
	var exit Exit
	if err := json.Unmarshal([]byte(events[len(events)-1].value), &exit); err != nil {
		t.Fatal(err)
	}
	if exit.Code != 3 {
		t.Errorf("exit = %+v", exit)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if string(call(t, r, "status").Result) == `{"running":false,"ready":false}` {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := string(call(t, r, "status").Result); got != `{"running":false,"ready":false}` {
		t.Errorf("status = %s", got)
	}
	if resp := call(t, r, "start"); resp.Error != nil {
		t.Errorf("restart after exit: %v", resp.Error)
	}
}

func TestStart_NotConfigured(t *testing.T) {
	t.Parallel()

	p, err := New(supervisor.New(), newRecorder(), nil)
	if err != nil {
		t.Fatal(err)
	}
	r := router.New()
	p.Register(r)
	if resp := call(t, r, "start"); resp.Error == nil || resp.Error.Code != CodeNotConfigured {
		t.Errorf("start = %+v", resp.Error)
	}
}
