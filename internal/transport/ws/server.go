// ABOUTME: WebSocket transport binding UI surfaces to the surface hub
// ABOUTME: Each text frame carries one envelope; the connection lives as long as the surface

package ws

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"

	"github.com/mauromedda/hostbridge/internal/log"
	"github.com/mauromedda/hostbridge/internal/surface"
	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// Server serves surface connections.
type Server struct {
	hub     *surface.Hub
	token   string
	origins []string
	router  *httprouter.Router

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithOriginPatterns allows cross-origin surfaces whose Origin host matches
// one of the patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, patterns...) }
}

// NewServer creates a server attaching surfaces to hub. Connections must
// present token as the "token" query parameter.
func NewServer(hub *surface.Hub, token string, opts ...Option) *Server {
	s := &Server{hub: hub, token: token, conns: make(map[*websocket.Conn]struct{})}
	for _, o := range opts {
		o(s)
	}

	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/surfaces/:id", s.surface)
	s.router = router
	return s
}

// CloseConnections closes every open surface connection with StatusGoingAway.
// http.Server.Shutdown does not track upgraded connections, so register this
// with RegisterOnShutdown.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "host shutting down")
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) surface(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if subtle.ConstantTimeCompare([]byte(r.URL.Query().Get("token")), []byte(s.token)) != 1 {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	id := params.ByName("id")
	if _, open := s.hub.Get(id); open {
		http.Error(w, fmt.Sprintf("surface %q already connected", id), http.StatusConflict)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.origins,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debug("ws: accept %s: %v", id, err)
		return
	}
	conn.SetReadLimit(lineproto.MaxLineSize)
	s.track(conn, true)
	defer s.track(conn, false)

	ch, err := s.hub.Open(id, connSink{conn})
	if err != nil {
		conn.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer s.hub.Close(ch.ID())

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("ws: surface %s disconnected", id)
			default:
				if !errors.Is(err, context.Canceled) {
					log.Warn("ws: surface %s: %v", id, err)
				}
				conn.Close(websocket.StatusInternalError, "read failed")
			}
			return
		}
		if typ != websocket.MessageText {
			log.Warn("ws: surface %s: ignoring binary frame", id)
			continue
		}
		ch.HandleInbound(data)
	}
}

func (s *Server) track(conn *websocket.Conn, open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// connSink writes frames to a WebSocket connection.
type connSink struct {
	conn *websocket.Conn
}

func (s connSink) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}
