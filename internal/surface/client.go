// ABOUTME: Surface-side client stub with its own id space and pending-call table
// ABOUTME: Ids start at 1 so id 0 stays reserved for notifications

package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/eventbus"
	"github.com/mauromedda/hostbridge/internal/log"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("client closed")

// Client issues requests to the host and resolves them from responses.
type Client struct {
	sink   Sink
	nextID atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan *envelope.Response
	closed  error

	events *eventbus.Registry[json.RawMessage]
}

// NewClient creates a client writing frames to sink. Frames from the host
// must be passed to Deliver.
func NewClient(sink Sink) *Client {
	return &Client{
		sink:    sink,
		pending: make(map[int64]chan *envelope.Response),
		events:  eventbus.New[json.RawMessage](),
	}
}

// Call invokes providerID.method on the receiving surface's controller.
func (c *Client) Call(ctx context.Context, providerID, method string, params ...any) (json.RawMessage, error) {
	return c.CallTarget(ctx, "", providerID, method, params...)
}

// CallTarget invokes providerID.method on the controller of surface target.
// The response still comes back to this client.
func (c *Client) CallTarget(ctx context.Context, target, providerID, method string, params ...any) (json.RawMessage, error) {
	raw, err := marshalAll(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan *envelope.Response, 1)
	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	req := &envelope.Request{ID: id, ProviderID: providerID, Method: method, Params: raw, Target: target}
	if err := c.write(ctx, req); err != nil {
		if c.take(id) != nil {
			return nil, err
		}
	}

	select {
	case resp := <-ch:
		return unwrap(resp)
	case <-ctx.Done():
		if c.take(id) != nil {
			return nil, ctx.Err()
		}
		return unwrap(<-ch)
	}
}

// Notify sends a fire-and-forget request with id 0.
func (c *Client) Notify(ctx context.Context, providerID, method string, params ...any) error {
	raw, err := marshalAll(params)
	if err != nil {
		return err
	}
	return c.write(ctx, &envelope.Request{ID: envelope.NotificationID, ProviderID: providerID, Method: method, Params: raw})
}

// On registers fn for host events named event. The returned function
// unsubscribes.
func (c *Client) On(event string, fn func(json.RawMessage)) func() {
	return c.events.On(event, fn)
}

// Off removes every listener for event.
func (c *Client) Off(event string) {
	c.events.Off(event)
}

// Deliver processes one frame received from the host. Responses with an id
// not in the pending table are dropped.
func (c *Client) Deliver(data []byte) {
	msg, err := envelope.Decode(data)
	if err != nil {
		log.Warn("client: %v", err)
		return
	}
	switch m := msg.(type) {
	case *envelope.Response:
		ch := c.take(m.ID)
		if ch == nil {
			log.Warn("client: dropping response for unknown id %d", m.ID)
			return
		}
		ch <- m
	case *envelope.Event:
		c.events.Emit(m.Event, m.Value)
	case *envelope.Request:
		log.Warn("client: unexpected request %s dropped", m.Key())
	}
}

// Pending returns the number of unresolved calls.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending and future call with err, or ErrClientClosed
// when err is nil.
func (c *Client) Close(err error) {
	if err == nil {
		err = ErrClientClosed
	}
	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		return
	}
	c.closed = err
	pending := c.pending
	c.pending = make(map[int64]chan *envelope.Response)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- envelope.Failure(id, envelope.NewShutdownError(err.Error()))
	}
}

func (c *Client) take(id int64) chan *envelope.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return ch
}

func (c *Client) write(ctx context.Context, req *envelope.Request) error {
	data, err := envelope.Encode(req)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", req.Key(), err)
	}
	if err := c.sink.Send(ctx, data); err != nil {
		return fmt.Errorf("sending %s: %w", req.Key(), err)
	}
	return nil
}

func unwrap(resp *envelope.Response) (json.RawMessage, error) {
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func marshalAll(params []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshaling param %d: %w", i, err)
		}
		raw[i] = b
	}
	return raw, nil
}
