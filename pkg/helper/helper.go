// ABOUTME: Helper-side SDK for child processes that speak the host line protocol
// ABOUTME: Dispatches requests concurrently, honours $/cancel, and emits unsolicited events

// Package helper implements the child side of the host's subprocess RPC bridge.
// A helper binary registers method handlers and calls Serve with its standard
// input and output:
//
//	s := helper.New()
//	s.Handle("ping", func(ctx context.Context, _ json.RawMessage) (any, error) {
//		return "pong", nil
//	})
//	if err := s.Serve(ctx, os.Stdin, os.Stdout); err != nil { ... }
//
// Anything written to standard error is treated by the host as diagnostics.
package helper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// HandlerFunc handles one request. The context is cancelled when the host
// sends a cancellation for this request or when Serve returns.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Error lets a handler choose the code reported to the host. Any other error
// is reported with lineproto.CodeServer.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return e.Message }

// Server reads requests from the host and writes responses and events back.
type Server struct {
	handlers map[string]HandlerFunc

	writeMu sync.Mutex
	w       io.Writer

	mu       sync.Mutex
	inflight map[int64]context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Server with no handlers.
func New() *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
		inflight: make(map[int64]context.CancelFunc),
	}
}

// Handle registers a handler for method, replacing any previous one.
// It must be called before Serve.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// Serve processes requests from r until it reaches EOF or ctx is cancelled.
// Handlers run concurrently; Serve waits for them before returning.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writeMu.Lock()
	s.w = w
	s.writeMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), lineproto.MaxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req lineproto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			// Without an id there is nothing to correlate the error to.
			continue
		}

		if req.Method == lineproto.CancelMethod {
			s.cancel(req.Params)
			continue
		}

		s.dispatch(ctx, req)
	}
	return scanner.Err()
}

// Emit writes an unsolicited event line to the host.
func (s *Server) Emit(event string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling event value: %w", err)
	}
	return s.write(lineproto.Event{Event: event, Value: raw})
}

// Inflight returns the number of requests currently being handled.
func (s *Server) Inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func (s *Server) dispatch(ctx context.Context, req lineproto.Request) {
	h, ok := s.handlers[req.Method]
	if !ok {
		if !req.IsNotification() {
			s.writeError(req.ID, lineproto.CodeMethodNotFound, "method not found: "+req.Method)
		}
		return
	}

	reqCtx, cancel := context.WithCancel(ctx)
	if !req.IsNotification() {
		s.mu.Lock()
		s.inflight[req.ID] = cancel
		s.mu.Unlock()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.inflight, req.ID)
			s.mu.Unlock()
		}()

		result, err := h(reqCtx, req.Params)
		if req.IsNotification() {
			return
		}
		if err != nil {
			var herr *Error
			switch {
			case errors.As(err, &herr):
				s.writeError(req.ID, herr.Code, herr.Message)
			case errors.Is(err, context.Canceled):
				s.writeError(req.ID, lineproto.CodeCancelled, "request cancelled")
			default:
				s.writeError(req.ID, lineproto.CodeServer, err.Error())
			}
			return
		}

		raw, err := json.Marshal(result)
		if err != nil {
			s.writeError(req.ID, lineproto.CodeInternal, fmt.Sprintf("marshaling result: %v", err))
			return
		}
		_ = s.write(lineproto.Response{ID: req.ID, Result: raw})
	}()
}

func (s *Server) cancel(params json.RawMessage) {
	var p lineproto.CancelParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	s.mu.Lock()
	cancel, ok := s.inflight[p.ID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *Server) writeError(id int64, code int, message string) {
	_ = s.write(lineproto.Response{ID: id, Error: &lineproto.Error{Code: code, Message: message}})
}

func (s *Server) write(v any) error {
	data, err := lineproto.Encode(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.w == nil {
		return fmt.Errorf("helper: not serving")
	}
	_, err = s.w.Write(data)
	return err
}
