package wasm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"
)

// wsConn is a guest-owned outbound WebSocket connection. The guest
// addresses it by handle; a reader task delivers inbound text frames to
// the runtime's WS inbox and a writer task drains the bounded outbound
// queue.
type wsConn struct {
	conn     *websocket.Conn
	outbound chan string
	ctx      context.Context
	cancel   context.CancelFunc
}

// dialGuestWS opens the connection and spawns the reader and writer
// tasks. dialCtx bounds the handshake; bgCtx bounds the connection's
// lifetime.
func dialGuestWS(dialCtx, bgCtx context.Context, url string, handle uint32, inbox chan<- wsInbound, logger *slog.Logger) (*wsConn, error) {
	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("ws dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	ctx, cancel := context.WithCancel(bgCtx)
	c := &wsConn{
		conn:     conn,
		outbound: make(chan string, guestWSCapacity),
		ctx:      ctx,
		cancel:   cancel,
	}

	go c.writeLoop()
	go c.readLoop(handle, inbox, logger)
	return c, nil
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.outbound:
			if err := c.conn.Write(c.ctx, websocket.MessageText, []byte(msg)); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) readLoop(handle uint32, inbox chan<- wsInbound, logger *slog.Logger) {
	defer c.cancel()
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				logger.Debug("websocket read ended", "handle", handle, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		select {
		case inbox <- wsInbound{Handle: handle, Text: string(data)}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) done() <-chan struct{} { return c.ctx.Done() }

func (c *wsConn) close() {
	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "")
}
