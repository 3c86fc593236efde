// ABOUTME: Delegating handlers that forward calls to a subprocess bridge
// ABOUTME: Maps positional surface params onto the named params object of the line protocol

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mauromedda/hostbridge/internal/envelope"
)

// Caller is the part of a bridge a delegating handler needs.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// CallerSource resolves the bridge to call, starting it if necessary.
type CallerSource func(ctx context.Context) (Caller, error)

// ParamMapper turns a call's positional params into the helper's params.
type ParamMapper func(call *Call) (any, error)

// Delegate forwards calls to a bridge under the bridge's own timeout.
type Delegate struct {
	Source CallerSource
	// Method is the remote method name; empty means the request's method.
	Method  string
	Timeout time.Duration
	// Grace is the extra time the bridge allows past Timeout before it
	// rejects the call unconditionally.
	Grace     time.Duration
	MapParams ParamMapper
}

// Handle implements Handler.
func (d *Delegate) Handle(ctx context.Context, call *Call) (any, error) {
	caller, err := d.Source(ctx)
	if err != nil {
		var env *envelope.Error
		if errors.As(err, &env) {
			return nil, env
		}
		return nil, envelope.NewChildProcessError(fmt.Sprintf("provider %s unavailable: %v", call.Request.ProviderID, err))
	}

	mapParams := d.MapParams
	if mapParams == nil {
		mapParams = ArgsParams
	}
	params, err := mapParams(call)
	if err != nil {
		return nil, err
	}

	method := d.Method
	if method == "" {
		method = call.Request.Method
	}

	raw, err := caller.Call(ctx, method, params, d.Timeout)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Bound implements Bounded.
func (d *Delegate) Bound() time.Duration {
	return d.Timeout + d.Grace
}

// ArgsParams wraps the positional params as {"args": [...]}.
func ArgsParams(call *Call) (any, error) {
	return map[string]any{"args": call.Request.Params}, nil
}

// NamedParams maps positional params onto names in order. Missing trailing
// params are omitted; extra params are rejected.
func NamedParams(names ...string) ParamMapper {
	return func(call *Call) (any, error) {
		params := call.Request.Params
		if len(params) > len(names) {
			return nil, envelope.NewInvalidParamsError(fmt.Sprintf("%s: expected at most %d params, got %d", call.Request.Key(), len(names), len(params)))
		}
		obj := make(map[string]json.RawMessage, len(params))
		for i, p := range params {
			obj[names[i]] = p
		}
		return obj, nil
	}
}
