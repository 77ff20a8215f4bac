package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeCall(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantErr     bool
		wantVersion uint32
		wantParams  string
	}{
		{
			name:        "full call",
			line:        `{"type":"call","request_id":"r1","module":"discord","name":"voice.set_mute","version":2,"params":{"mute":true}}`,
			wantVersion: 2,
			wantParams:  `{"mute":true}`,
		},
		{
			name:        "defaults applied",
			line:        `{"type":"call","module":"media","name":"play"}`,
			wantVersion: 1,
			wantParams:  `{}`,
		},
		{
			name:        "subscribe",
			line:        `{"type":"subscribe","module":"media","name":"track_changed"}`,
			wantVersion: 1,
			wantParams:  `{}`,
		},
		{name: "invalid json", line: `{"type":"call",`, wantErr: true},
		{name: "unknown type", line: `{"type":"bogus"}`, wantErr: true},
		{name: "empty object", line: `{}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.line))
			if tt.wantErr {
				if err == nil {
					t.Fatal("Decode succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if msg.Version != tt.wantVersion {
				t.Errorf("version = %d, want %d", msg.Version, tt.wantVersion)
			}
			if string(msg.Params) != tt.wantParams {
				t.Errorf("params = %s, want %s", msg.Params, tt.wantParams)
			}
		})
	}
}

func TestNewEventFrame(t *testing.T) {
	before := uint64(time.Now().Unix())
	ev := NewEvent("media", "track_changed", json.RawMessage(`{"title":"x"}`))
	after := uint64(time.Now().Unix())

	if ev.Type != TypeEvent {
		t.Errorf("type = %q, want event", ev.Type)
	}
	if ev.Version != ProtocolVersion {
		t.Errorf("version = %d, want %d", ev.Version, ProtocolVersion)
	}
	if ev.Timestamp < before || ev.Timestamp > after {
		t.Errorf("timestamp %d outside [%d, %d]", ev.Timestamp, before, after)
	}

	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var round map[string]any
	if err := json.Unmarshal(b, &round); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"type", "module", "name", "version", "data", "timestamp"} {
		if _, ok := round[key]; !ok {
			t.Errorf("marshalled frame missing %q", key)
		}
	}
}
