// ABOUTME: Hub of live surface channels
// ABOUTME: Routes cross-surface calls and delivers responses to the reply-to surface

package surface

import (
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/mauromedda/hostbridge/internal/envelope"
	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/router"
)

// Hub tracks the open channels.
type Hub struct {
	router *router.Router

	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewHub creates a hub dispatching through r.
func NewHub(r *router.Router) *Hub {
	return &Hub{router: r, channels: make(map[string]*Channel)}
}

// Open registers a surface. An empty id gets a generated one.
func (h *Hub) Open(id string, sink Sink) (*Channel, error) {
	if id == "" {
		id = uuid.NewString()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.channels[id]; dup {
		return nil, fmt.Errorf("surface %q already open", id)
	}
	c := newChannel(id, h, sink)
	h.channels[id] = c
	log.Info("surface %s: opened", id)
	return c, nil
}

// Close removes a surface. Later events and responses for it are dropped.
func (h *Hub) Close(id string) {
	h.mu.Lock()
	c, ok := h.channels[id]
	delete(h.channels, id)
	h.mu.Unlock()
	if ok {
		c.close()
		log.Info("surface %s: closed", id)
	}
}

// CloseAll closes every surface and waits for their dispatches to return.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	channels := h.channels
	h.channels = make(map[string]*Channel)
	h.mu.Unlock()

	for _, c := range channels {
		c.close()
	}
	for _, c := range channels {
		c.wg.Wait()
	}
}

// Get returns the channel for id.
func (h *Hub) Get(id string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.channels[id]
	return c, ok
}

// IDs returns the open surface ids, sorted.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.channels))
	for id := range h.channels {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Emit queues ev for surface id. A missing surface is not an error.
func (h *Hub) Emit(id string, ev *envelope.Event) bool {
	c, ok := h.Get(id)
	if !ok {
		return false
	}
	return c.Emit(ev)
}

// submit hands call to the channel owning call.SurfaceID.
func (h *Hub) submit(call *router.Call) {
	owner, ok := h.Get(call.SurfaceID)
	if !ok {
		if !call.Request.IsNotification() {
			h.reply(call.ReplyTo, envelope.Failure(call.Request.ID,
				&envelope.Error{Kind: envelope.KindNotFound, Code: envelope.CodeMethodNotFound,
					Message: fmt.Sprintf("surface not found: %s", call.SurfaceID)}))
		}
		return
	}
	owner.run(call)
}

// reply sends resp to surface id, dropping it if that surface has closed.
func (h *Hub) reply(id string, resp *envelope.Response) {
	c, ok := h.Get(id)
	if !ok {
		log.Debug("surface %s: closed before response id %d", id, resp.ID)
		return
	}
	c.send(resp)
}
