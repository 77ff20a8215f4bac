package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/burakkaraceylan/vessel/internal/bus"
	"github.com/burakkaraceylan/vessel/pkg/protocol"
)

// Client is one WebSocket session: an event receiver plus the
// line-delimited codec. No persistent identity beyond the connection.
type Client struct {
	id      string
	conn    *websocket.Conn
	bus     *bus.Manager
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an accepted connection. rateLimitRPM caps inbound
// frames per minute; 0 disables limiting.
func NewClient(conn *websocket.Conn, manager *bus.Manager, rateLimitRPM int) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		bus:  manager,
		done: make(chan struct{}),
	}
	if rateLimitRPM > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(rateLimitRPM)/60, 5)
	}
	return c
}

// Close shuts the connection down and releases the read loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Run drives the session: subscribe, replay the snapshot, then stream.
// Returns when the connection closes, the context is cancelled, or a
// fatal I/O error occurs.
func (c *Client) Run(ctx context.Context) {
	// Subscribe before snapshotting so no events are missed in the gap.
	receiver := c.bus.Subscribe()
	defer receiver.Close()

	for _, ev := range c.bus.Snapshot() {
		if err := c.sendEvent(ev); err != nil {
			slog.Debug("snapshot send failed", "id", c.id, "error", err)
			return
		}
	}

	inbound := make(chan []byte)
	readErr := make(chan error, 1)
	go c.readLoop(inbound, readErr)

	events := make(chan bus.Event)
	lagged := make(chan uint64, 1)
	go c.pumpReceiver(ctx, receiver, events, lagged)

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read error", "id", c.id, "error", err)
			}
			return

		case text := <-inbound:
			c.handleText(ctx, text)

		case skipped := <-lagged:
			slog.Warn("client event stream lagged", "id", c.id, "skipped", skipped)

		case ev := <-events:
			if err := c.sendEvent(ev); err != nil {
				slog.Debug("event send failed", "id", c.id, "error", err)
				return
			}
		}
	}
}

// readLoop feeds inbound text messages to Run. A single goroutine reads;
// a single goroutine (Run) writes — the gorilla concurrency contract.
func (c *Client) readLoop(inbound chan<- []byte, readErr chan<- error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		select {
		case inbound <- data:
		case <-c.done:
			return
		}
	}
}

// handleText splits an inbound payload on newlines and dispatches each
// frame. Invalid JSON is logged and skipped; the connection stays open.
func (c *Client) handleText(ctx context.Context, text []byte) {
	for _, line := range bytes.Split(text, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			slog.Warn("client rate limited", "id", c.id)
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			slog.Warn("invalid client frame", "id", c.id, "error", err)
			continue
		}
		switch msg.Type {
		case protocol.TypeCall:
			// request_id is dropped: there is no response path from a
			// module handler back to the caller yet.
			if err := c.bus.Route(ctx, msg.Module, msg.Name, msg.Params); err != nil {
				slog.Warn("route failed", "id", c.id, "target", msg.Module, "error", err)
			}
		case protocol.TypeSubscribe:
			// Advisory: all clients currently receive all events.
			slog.Debug("client subscribe", "id", c.id, "module", msg.Module, "name", msg.Name)
		}
	}
}

func (c *Client) sendEvent(ev bus.Event) error {
	frame := protocol.NewEvent(ev.Source, ev.Name, ev.Data)
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// pumpReceiver adapts the blocking receiver to channels Run can select
// on. Lag reports go to their own channel so the drop count is logged
// while events after the drop still flow.
func (c *Client) pumpReceiver(ctx context.Context, r *bus.Receiver, events chan<- bus.Event, lagged chan<- uint64) {
	for {
		ev, err := r.Recv(ctx)
		if err != nil {
			var lag *bus.LaggedError
			if errors.As(err, &lag) {
				select {
				case lagged <- lag.Skipped:
				default:
				}
				continue
			}
			return
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
