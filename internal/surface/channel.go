// ABOUTME: Per-surface duplex channel binding one UI surface to the router and the fanout
// ABOUTME: Inbound frames are decoded once; responses and events leave through an ordered outbox

package surface

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/fanout"
	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/router"
)

// Sink writes one encoded frame to a surface.
type Sink interface {
	Send(ctx context.Context, data []byte) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, data []byte) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, data []byte) error {
	return f(ctx, data)
}

// Channel is the host side of one surface.
type Channel struct {
	id     string
	hub    *Hub
	sink   Sink
	outbox *fanout.Mailbox[envelope.Message]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newChannel(id string, hub *Hub, sink Sink) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:     id,
		hub:    hub,
		sink:   sink,
		ctx:    ctx,
		cancel: cancel,
	}
	c.outbox = fanout.NewMailbox(c.write)
	return c
}

// ID returns the surface id.
func (c *Channel) ID() string {
	return c.id
}

// Context is cancelled when the channel closes.
func (c *Channel) Context() context.Context {
	return c.ctx
}

// HandleInbound processes one raw frame from the surface. It never fails:
// malformed frames are answered with a protocol error when they carry an id.
func (c *Channel) HandleInbound(data []byte) {
	msg, err := envelope.Decode(data)
	if err != nil {
		id := peekID(data)
		log.Warn("surface %s: %v", c.id, err)
		if id > 0 {
			c.send(envelope.Failure(id, envelope.FromError(err)))
		}
		return
	}

	switch m := msg.(type) {
	case *envelope.Request:
		call := &router.Call{Request: m, SurfaceID: c.id, ReplyTo: c.id}
		if m.Target != "" && m.Target != c.id {
			call.SurfaceID = m.Target
			log.Debug("surface %s: forwarding %s (id %d) to %s", c.id, m.Key(), m.ID, m.Target)
		}
		c.hub.submit(call)
	case *envelope.Response:
		log.Warn("surface %s: unexpected response id %d dropped", c.id, m.ID)
	case *envelope.Event:
		log.Warn("surface %s: inbound event %q dropped", c.id, m.Event)
	}
}

// Emit queues an event for the surface. It reports false when the channel
// has been closed.
func (c *Channel) Emit(ev *envelope.Event) bool {
	return c.send(ev)
}

// run dispatches call on behalf of this surface's controller and routes the
// response to call.ReplyTo.
func (c *Channel) run(call *router.Call) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if !call.Request.IsNotification() {
			c.hub.reply(call.ReplyTo, envelope.Failure(call.Request.ID,
				envelope.NewShutdownError("surface "+c.id+" is closing")))
		}
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		resp := c.hub.router.Dispatch(c.ctx, call)
		if call.Request.IsNotification() {
			return
		}
		c.hub.reply(call.ReplyTo, resp)
	}()
}

func (c *Channel) send(m envelope.Message) bool {
	return c.outbox.Post(m)
}

func (c *Channel) write(m envelope.Message) {
	data, err := envelope.Encode(m)
	if err != nil {
		log.Error("surface %s: encoding outbound frame: %v", c.id, err)
		return
	}
	if err := c.sink.Send(c.ctx, data); err != nil {
		log.Debug("surface %s: send: %v", c.id, err)
	}
}

// close cancels in-flight dispatches and drops undelivered frames.
func (c *Channel) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.outbox.Close()
}

func peekID(data []byte) int64 {
	var p struct {
		ID int64 `json:"id"`
	}
	_ = json.Unmarshal(data, &p)
	return p.ID
}
