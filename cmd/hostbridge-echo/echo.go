// ABOUTME: Session-scoped echo methods used to exercise the subprocess bridge
// ABOUTME: request can delay its reply and optionally ignore cancellation

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mauromedda/hostbridge/pkg/helper"
	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// codeNoSession is returned for a session id the helper does not know.
const codeNoSession = 4041

type session struct {
	ID      string    `json:"id"`
	Peer    string    `json:"peer"`
	Opened  time.Time `json:"opened"`
	Fetches int       `json:"fetches"`
}

type echo struct {
	srv          *helper.Server
	ignoreCancel bool

	mu       sync.Mutex
	sessions map[string]*session
}

func newEcho(srv *helper.Server, ignoreCancel bool) *echo {
	return &echo{srv: srv, ignoreCancel: ignoreCancel, sessions: make(map[string]*session)}
}

func (e *echo) register() {
	e.srv.Handle("ping", func(context.Context, json.RawMessage) (any, error) {
		return "pong", nil
	})
	e.srv.Handle("connect", e.connect)
	e.srv.Handle("fetch", e.fetch)
	e.srv.Handle("request", e.request)
	e.srv.Handle("disconnect", e.disconnect)
}

func (e *echo) connect(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Peer string `json:"peer"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	s := &session{ID: uuid.NewString(), Peer: p.Peer, Opened: time.Now().UTC()}

	e.mu.Lock()
	e.sessions[s.ID] = s
	e.mu.Unlock()

	_ = e.srv.Emit("session.opened", map[string]string{"id": s.ID, "peer": s.Peer})
	return s, nil
}

func (e *echo) fetch(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Session string `json:"session"`
		Key     string `json:"key"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[p.Session]
	if !ok {
		return nil, &helper.Error{Code: codeNoSession, Message: "unknown session: " + p.Session}
	}
	s.Fetches++
	return map[string]any{"key": p.Key, "peer": s.Peer, "fetches": s.Fetches}, nil
}

// request echoes value back after delayMs. Cancellation ends the wait early
// unless the helper was started with --ignore-cancel.
func (e *echo) request(ctx context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Value   json.RawMessage `json:"value"`
		DelayMs int             `json:"delayMs"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	if p.DelayMs > 0 {
		done := ctx.Done()
		if e.ignoreCancel {
			done = nil
		}
		select {
		case <-time.After(time.Duration(p.DelayMs) * time.Millisecond):
		case <-done:
			return nil, ctx.Err()
		}
	}
	if p.Value == nil {
		return nil, nil
	}
	return p.Value, nil
}

func (e *echo) disconnect(_ context.Context, params json.RawMessage) (any, error) {
	var p struct {
		Session string `json:"session"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}

	e.mu.Lock()
	_, ok := e.sessions[p.Session]
	delete(e.sessions, p.Session)
	e.mu.Unlock()

	if ok {
		_ = e.srv.Emit("session.closed", map[string]string{"id": p.Session})
	}
	return ok, nil
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &helper.Error{Code: lineproto.CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
