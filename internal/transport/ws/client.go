// ABOUTME: WebSocket dialer returning a surface client stub bound to the connection
// ABOUTME: A read loop feeds host frames to the stub until the connection closes

package ws

import (
	"context"
	"fmt"

	"nhooyr.io/websocket"

	"github.com/mauromedda/hostbridge/internal/surface"
	"github.com/mauromedda/hostbridge/pkg/lineproto"
)

// ClientConn is a surface client stub connected to a host.
type ClientConn struct {
	*surface.Client

	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to a host surface URL such as
// ws://127.0.0.1:port/surfaces/editor?token=....
func Dial(ctx context.Context, url string) (*ClientConn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	conn.SetReadLimit(lineproto.MaxLineSize)

	readCtx, cancel := context.WithCancel(context.Background())
	c := &ClientConn{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.Client = surface.NewClient(connSink{conn})
	go c.readLoop(readCtx)
	return c, nil
}

func (c *ClientConn) readLoop(ctx context.Context) {
	defer close(c.done)
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			c.Client.Close(fmt.Errorf("connection closed: %w", err))
			return
		}
		c.Client.Deliver(data)
	}
}

// Done is closed when the connection has stopped reading.
func (c *ClientConn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and fails pending calls.
func (c *ClientConn) Close() error {
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	<-c.done
	return err
}
