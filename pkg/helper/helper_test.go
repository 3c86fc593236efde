// ABOUTME: Tests for the helper-side line protocol server
// ABOUTME: Drives Serve through in-memory pipes and inspects the emitted lines

package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// harness connects a Server to pipes so tests can write requests and read lines.
type harness struct {
	in    *io.PipeWriter
	lines *bufio.Scanner
	done  chan error
}

func startHarness(t *testing.T, s *Server) *harness {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	h := &harness{in: inW, lines: bufio.NewScanner(outR), done: make(chan error, 1)}
	go func() {
		h.done <- s.Serve(context.Background(), inR, outW)
		outW.Close()
	}()
	t.Cleanup(func() {
		inW.Close()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return after stdin closed")
		}
	})
	return h
}

func (h *harness) send(t *testing.T, req lineproto.Request) {
	t.Helper()
	data, err := lineproto.Encode(req)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := h.in.Write(data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (h *harness) next(t *testing.T) lineproto.Line {
	t.Helper()
	ch := make(chan bool, 1)
	go func() { ch <- h.lines.Scan() }()
	select {
	case ok := <-ch:
		if !ok {
			t.Fatalf("output closed: %v", h.lines.Err())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for line")
	}
	line, err := lineproto.ParseLine(h.lines.Bytes())
	if err != nil {
		t.Fatalf("ParseLine(%q): %v", h.lines.Text(), err)
	}
	return line
}

func TestServe_Result(t *testing.T) {
	t.Parallel()

	s := New()
	s.Handle("ping", func(_ context.Context, _ json.RawMessage) (any, error) {
		return "pong", nil
	})
	h := startHarness(t, s)

	h.send(t, lineproto.Request{ID: 1, Method: "ping"})
	line := h.next(t)
	if line.Response == nil || line.Response.ID != 1 {
		t.Fatalf("unexpected line %+v", line)
	}
	if string(line.Response.Result) != `"pong"` {
		t.Errorf("Result = %s; want \"pong\"", line.Response.Result)
	}
}

func TestServe_MethodNotFound(t *testing.T) {
	t.Parallel()

	h := startHarness(t, New())
	h.send(t, lineproto.Request{ID: 2, Method: "nope"})

	line := h.next(t)
	if line.Response.Error == nil {
		t.Fatal("expected error")
	}
	if line.Response.Error.Code != lineproto.CodeMethodNotFound {
		t.Errorf("Code = %d; want %d", line.Response.Error.Code, lineproto.CodeMethodNotFound)
	}
}

func TestServe_HandlerErrorCodes(t *testing.T) {
	t.Parallel()

	s := New()
	s.Handle("coded", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, &Error{Code: 4001, Message: "user rejected"}
	})
	s.Handle("plain", func(_ context.Context, _ json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})
	h := startHarness(t, s)

	h.send(t, lineproto.Request{ID: 1, Method: "coded"})
	line := h.next(t)
	if line.Response.Error.Code != 4001 || line.Response.Error.Message != "user rejected" {
		t.Errorf("unexpected error %+v", line.Response.Error)
	}

	h.send(t, lineproto.Request{ID: 2, Method: "plain"})
	line = h.next(t)
	if line.Response.Error.Code != lineproto.CodeServer {
		t.Errorf("Code = %d; want %d", line.Response.Error.Code, lineproto.CodeServer)
	}
}

func TestServe_CancelNotification(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	s := New()
	s.Handle("wait", func(ctx context.Context, _ json.RawMessage) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := startHarness(t, s)

	h.send(t, lineproto.Request{ID: 9, Method: "wait"})
	<-started
	h.send(t, lineproto.Request{Method: lineproto.CancelMethod, Params: json.RawMessage(`{"id":9}`)})

	line := h.next(t)
	if line.Response == nil || line.Response.ID != 9 {
		t.Fatalf("unexpected line %+v", line)
	}
	if line.Response.Error == nil || line.Response.Error.Code != lineproto.CodeCancelled {
		t.Errorf("expected cancelled error, got %+v", line.Response.Error)
	}
}

func TestServe_NotificationGetsNoReply(t *testing.T) {
	t.Parallel()

	called := make(chan struct{}, 1)
	s := New()
	s.Handle("note", func(_ context.Context, _ json.RawMessage) (any, error) {
		called <- struct{}{}
		return "ignored", nil
	})
	s.Handle("ping", func(_ context.Context, _ json.RawMessage) (any, error) {
		return "pong", nil
	})
	h := startHarness(t, s)

	h.send(t, lineproto.Request{Method: "note"})
	<-called
	h.send(t, lineproto.Request{ID: 5, Method: "ping"})

	// The first line out must be the ping reply; the notification produced nothing.
	line := h.next(t)
	if line.Response == nil || line.Response.ID != 5 {
		t.Fatalf("unexpected line %+v", line)
	}
}

func TestEmit_WritesEventLine(t *testing.T) {
	t.Parallel()

	s := New()
	s.Handle("announce", func(_ context.Context, _ json.RawMessage) (any, error) {
		if err := s.Emit("progress", map[string]int{"pct": 50}); err != nil {
			return nil, err
		}
		return "done", nil
	})
	h := startHarness(t, s)

	h.send(t, lineproto.Request{ID: 1, Method: "announce"})
	first := h.next(t)
	if first.Event == nil || first.Event.Event != "progress" {
		t.Fatalf("expected progress event first, got %+v", first)
	}
	if !strings.Contains(string(first.Event.Value), `"pct":50`) {
		t.Errorf("Value = %s", first.Event.Value)
	}
	second := h.next(t)
	if second.Response == nil || second.Response.ID != 1 {
		t.Fatalf("expected response, got %+v", second)
	}
}

func TestEmit_BeforeServe(t *testing.T) {
	t.Parallel()

	if err := New().Emit("x", 1); err == nil {
		t.Fatal("expected error when not serving")
	}
}
