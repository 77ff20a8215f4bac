package homeassistant

import (
	"encoding/json"
	"testing"

	"github.com/burakkaraceylan/vessel/internal/bus"
)

func TestNewRequiresURLAndToken(t *testing.T) {
	tests := []struct {
		name    string
		cfg     map[string]string
		wantErr bool
		wantURL string
	}{
		{
			name:    "http to ws",
			cfg:     map[string]string{"url": "http://hass.local:8123", "token": "t"},
			wantURL: "ws://hass.local:8123/api/websocket",
		},
		{
			name:    "https to wss",
			cfg:     map[string]string{"url": "https://hass.example.com", "token": "t"},
			wantURL: "wss://hass.example.com/api/websocket",
		},
		{name: "missing token", cfg: map[string]string{"url": "http://x"}, wantErr: true},
		{name: "missing url", cfg: map[string]string{"token": "t"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("New succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if m.wsURL != tt.wantURL {
				t.Errorf("wsURL = %q, want %q", m.wsURL, tt.wantURL)
			}
		})
	}
}

func TestHandleFrameStateChanged(t *testing.T) {
	m := &Module{}
	pub := bus.NewPublisher()

	frame := wsFrame{
		Type: "event",
		Event: &haEvent{
			EventType: "state_changed",
			Data:      json.RawMessage(`{"entity_id":"light.kitchen","new_state":{"entity_id":"light.kitchen","state":"on","attributes":{"brightness":120}}}`),
		},
	}
	m.handleFrame(frame, pub)

	snap := pub.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d entries, want 1", len(snap))
	}
	ev := snap[0]
	if ev.CacheKey != "hass/state/light.kitchen" || ev.Name != "state_changed" {
		t.Errorf("event = %+v", ev)
	}

	// Entity removal occupies the same slot with null data.
	m.handleFrame(wsFrame{
		Type: "event",
		Event: &haEvent{
			EventType: "state_changed",
			Data:      json.RawMessage(`{"entity_id":"light.kitchen","new_state":null}`),
		},
	}, pub)
	snap = pub.Snapshot()
	if len(snap) != 1 || snap[0].Name != "state_removed" {
		t.Fatalf("snapshot after removal = %+v", snap)
	}
}

func TestHandleFrameGetStatesResult(t *testing.T) {
	m := &Module{}
	pub := bus.NewPublisher()
	ok := true

	m.handleFrame(wsFrame{
		ID:      getStatesID,
		Type:    "result",
		Success: &ok,
		Result:  json.RawMessage(`[{"entity_id":"light.a","state":"on"},{"entity_id":"switch.b","state":"off"}]`),
	}, pub)

	if got := len(pub.Snapshot()); got != 2 {
		t.Errorf("snapshot has %d entries, want 2", got)
	}

	// Results for other request ids are ignored.
	m.handleFrame(wsFrame{
		ID:      99,
		Type:    "result",
		Success: &ok,
		Result:  json.RawMessage(`[{"entity_id":"light.c","state":"on"}]`),
	}, pub)
	if got := len(pub.Snapshot()); got != 2 {
		t.Errorf("snapshot grew to %d after unrelated result", got)
	}
}

func TestHandleFrameIgnoresOtherEvents(t *testing.T) {
	m := &Module{}
	pub := bus.NewPublisher()
	m.handleFrame(wsFrame{
		Type:  "event",
		Event: &haEvent{EventType: "call_service", Data: json.RawMessage(`{}`)},
	}, pub)
	if got := len(pub.Snapshot()); got != 0 {
		t.Errorf("snapshot has %d entries, want 0", got)
	}
}
