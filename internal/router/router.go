// ABOUTME: Provider router mapping (providerId, method) to handlers
// ABOUTME: Converts every handler outcome, panic or timeout into a response envelope

package router

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/log"
)

// DefaultTimeout bounds local handlers when no other bound is configured.
const DefaultTimeout = 30 * time.Second

// boundSlack lets a bounded handler report its own timeout before the
// router's outer deadline fires.
const boundSlack = 250 * time.Millisecond

// Call is a request as seen by a handler.
type Call struct {
	Request *envelope.Request
	// SurfaceID is the surface whose controller handles the call. Surface
	// scoped providers key their state on it.
	SurfaceID string
	// ReplyTo is the surface that receives the response. It differs from
	// SurfaceID only for cross-surface forwarding.
	ReplyTo string
}

// NumParams returns the number of positional params.
func (c *Call) NumParams() int {
	return len(c.Request.Params)
}

// Param decodes positional param i into v.
func (c *Call) Param(i int, v any) error {
	if i >= len(c.Request.Params) {
		return envelope.NewInvalidParamsError(fmt.Sprintf("%s: missing param %d", c.Request.Key(), i))
	}
	if err := json.Unmarshal(c.Request.Params[i], v); err != nil {
		return envelope.NewInvalidParamsError(fmt.Sprintf("%s: param %d: %v", c.Request.Key(), i, err))
	}
	return nil
}

// StringParam decodes positional param i as a non-empty string.
func (c *Call) StringParam(i int) (string, error) {
	var s string
	if err := c.Param(i, &s); err != nil {
		return "", err
	}
	if s == "" {
		return "", envelope.NewInvalidParamsError(fmt.Sprintf("%s: param %d must not be empty", c.Request.Key(), i))
	}
	return s, nil
}

// Handler executes one provider method.
type Handler interface {
	Handle(ctx context.Context, call *Call) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, call *Call) (any, error) {
	return f(ctx, call)
}

// Bounded is implemented by handlers that enforce their own deadline, such
// as delegating handlers backed by a bridge. The router then waits for that
// bound instead of its default.
type Bounded interface {
	Bound() time.Duration
}

type key struct {
	provider string
	method   string
}

// Router dispatches calls to registered handlers. Lookups read an immutable
// snapshot of the table and take no lock; registration copies the table.
type Router struct {
	table   atomic.Pointer[map[key]Handler]
	regMu   sync.Mutex
	timeout time.Duration
}

// Option configures a Router.
type Option func(*Router)

// WithTimeout sets the bound applied to handlers that are not Bounded.
func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New creates a Router with an empty table.
func New(opts ...Option) *Router {
	r := &Router{timeout: DefaultTimeout}
	for _, o := range opts {
		o(r)
	}
	empty := make(map[key]Handler)
	r.table.Store(&empty)
	return r
}

// Register associates providerID.method with h. Registering an existing key
// replaces its handler.
func (r *Router) Register(providerID, method string, h Handler) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	cur := *r.table.Load()
	next := make(map[key]Handler, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key{providerID, method}] = h
	r.table.Store(&next)
}

// RegisterFunc registers a function handler.
func (r *Router) RegisterFunc(providerID, method string, fn HandlerFunc) {
	r.Register(providerID, method, fn)
}

// Lookup returns the handler for providerID.method.
func (r *Router) Lookup(providerID, method string) (Handler, bool) {
	h, ok := (*r.table.Load())[key{providerID, method}]
	return h, ok
}

// Keys returns the sorted provider.method keys currently registered.
func (r *Router) Keys() []string {
	table := *r.table.Load()
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k.provider+"."+k.method)
	}
	slices.Sort(keys)
	return keys
}

type outcome struct {
	result any
	err    error
}

// Dispatch runs the handler for call and always returns a response envelope
// tagged with the request id. Unknown keys, handler errors, panics and
// timeouts become error responses; nothing escapes to the caller.
func (r *Router) Dispatch(ctx context.Context, call *Call) *envelope.Response {
	req := call.Request
	h, ok := r.Lookup(req.ProviderID, req.Method)
	if !ok {
		log.Debug("router: no handler for %s (surface %s)", req.Key(), call.SurfaceID)
		return envelope.Failure(req.ID, envelope.NewNotFoundError(req.ProviderID, req.Method))
	}

	bound := r.timeout
	if b, ok := h.(Bounded); ok {
		bound = b.Bound() + boundSlack
	}
	callCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error("router: handler %s panicked: %v\n%s", req.Key(), p, debug.Stack())
				done <- outcome{err: envelope.NewInternalError(fmt.Sprintf("handler %s panicked: %v", req.Key(), p))}
			}
		}()
		res, err := h.Handle(callCtx, call)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			env := envelope.FromError(o.err)
			log.Debug("router: %s failed: %v", req.Key(), env)
			return envelope.Failure(req.ID, env)
		}
		return envelope.Success(req.ID, o.result)

	case <-callCtx.Done():
		if ctx.Err() != nil {
			return envelope.Failure(req.ID, envelope.NewShutdownError(fmt.Sprintf("%s cancelled: %v", req.Key(), ctx.Err())))
		}
		log.Warn("router: %s exceeded %v", req.Key(), bound)
		return envelope.Failure(req.ID, envelope.NewTimeoutError(fmt.Sprintf("%s exceeded %v", req.Key(), bound)))
	}
}
