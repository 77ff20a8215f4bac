// Package homeassistant bridges a Home Assistant instance onto the bus
// over its WebSocket API: entity states become stateful events and
// call_service commands are forwarded.
package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/burakkaraceylan/vessel/internal/bus"
)

const moduleName = "homeassistant"

// reconnectBackoff paces reconnection attempts after a dropped session.
const reconnectBackoff = 5 * time.Second

// Module is the Home Assistant bridge.
type Module struct {
	wsURL string
	token string
}

// New constructs the module from its config table. Both url and token
// are required; a missing value is fatal at startup (the serve command
// only registers the module when the table exists).
func New(cfg map[string]string) (*Module, error) {
	base := cfg["url"]
	token := cfg["token"]
	if base == "" || token == "" {
		return nil, fmt.Errorf("homeassistant: url and token are required")
	}

	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: parsing url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/websocket"

	return &Module{wsURL: u.String(), token: token}, nil
}

// Name implements bus.Module.
func (m *Module) Name() string { return moduleName }

// Run implements bus.Module: maintain the WebSocket session, reconnecting
// with backoff until cancelled.
func (m *Module) Run(ctx context.Context, mc bus.ModuleContext) error {
	for {
		if err := m.session(ctx, mc); err != nil {
			slog.Warn("home assistant session ended", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectBackoff):
		}
	}
}

// wsFrame is the generic Home Assistant WebSocket message.
type wsFrame struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *haEvent        `json:"event,omitempty"`
}

type haEvent struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type haState struct {
	EntityID   string          `json:"entity_id"`
	State      string          `json:"state"`
	Attributes json.RawMessage `json:"attributes"`
}

type stateChanged struct {
	EntityID string   `json:"entity_id"`
	NewState *haState `json:"new_state"`
}

const getStatesID = 2

func (m *Module) session(ctx context.Context, mc bus.ModuleContext) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, m.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetReadLimit(16 << 20)

	if err := m.authenticate(conn); err != nil {
		return err
	}
	slog.Info("home assistant connected", "url", m.wsURL)

	// Subscribe to state changes, then ask for the full current state so
	// the cache warms up without waiting for entities to move.
	if err := conn.WriteJSON(map[string]any{"id": 1, "type": "subscribe_events", "event_type": "state_changed"}); err != nil {
		return fmt.Errorf("subscribe_events: %w", err)
	}
	if err := conn.WriteJSON(map[string]any{"id": getStatesID, "type": "get_states"}); err != nil {
		return fmt.Errorf("get_states: %w", err)
	}

	frames := make(chan wsFrame)
	readErr := make(chan error, 1)
	go func() {
		for {
			var frame wsFrame
			if err := conn.ReadJSON(&frame); err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	nextID := int64(getStatesID + 1)
	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		case frame := <-frames:
			m.handleFrame(frame, mc.Events)
		case cmd := <-mc.Commands:
			nextID++
			if err := m.handleCommand(conn, nextID, cmd); err != nil {
				slog.Warn("home assistant command failed", "action", cmd.Action, "error", err)
			}
		}
	}
}

// authenticate performs the auth_required/auth/auth_ok handshake.
func (m *Module) authenticate(conn *websocket.Conn) error {
	var hello wsFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", hello.Type)
	}
	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": m.token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	var resp wsFrame
	if err := conn.ReadJSON(&resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if resp.Type != "auth_ok" {
		return fmt.Errorf("authentication failed: %s", resp.Type)
	}
	return nil
}

// handleFrame turns state updates into stateful bus events.
func (m *Module) handleFrame(frame wsFrame, pub *bus.Publisher) {
	switch frame.Type {
	case "event":
		if frame.Event == nil || frame.Event.EventType != "state_changed" {
			return
		}
		var change stateChanged
		if err := json.Unmarshal(frame.Event.Data, &change); err != nil {
			slog.Debug("unparsable state_changed", "error", err)
			return
		}
		publishState(pub, change.EntityID, change.NewState)
	case "result":
		if frame.ID != getStatesID || frame.Success == nil || !*frame.Success {
			return
		}
		var states []haState
		if err := json.Unmarshal(frame.Result, &states); err != nil {
			slog.Debug("unparsable get_states result", "error", err)
			return
		}
		for i := range states {
			publishState(pub, states[i].EntityID, &states[i])
		}
	}
}

// publishState overwrites the entity's cache slot. A removed entity
// (nil new state) occupies the same slot with null data.
func publishState(pub *bus.Publisher, entityID string, state *haState) {
	if entityID == "" {
		return
	}
	key := "hass/state/" + entityID
	if state == nil {
		pub.Publish(bus.Stateful(moduleName, "state_removed", nil, key))
		return
	}
	pub.Publish(bus.Stateful(moduleName, "state_changed", map[string]any{
		"entity_id":  state.EntityID,
		"state":      state.State,
		"attributes": state.Attributes,
	}, key))
}

// handleCommand forwards call_service commands to Home Assistant.
func (m *Module) handleCommand(conn *websocket.Conn, id int64, cmd bus.Command) error {
	if cmd.Action != "call_service" {
		return fmt.Errorf("%w: %q", bus.ErrUnknownCommand, cmd.Action)
	}
	var p struct {
		Domain  string          `json:"domain"`
		Service string          `json:"service"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(cmd.Params, &p); err != nil {
		return fmt.Errorf("%w: %v", bus.ErrUnknownCommand, err)
	}
	if p.Domain == "" || p.Service == "" {
		return fmt.Errorf("%w: call_service needs domain and service", bus.ErrUnknownCommand)
	}
	msg := map[string]any{
		"id":      id,
		"type":    "call_service",
		"domain":  p.Domain,
		"service": p.Service,
	}
	if len(p.Data) > 0 {
		msg["service_data"] = p.Data
	}
	return conn.WriteJSON(msg)
}
