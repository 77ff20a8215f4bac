package wasm

import (
	"errors"
	"testing"
)

func TestCheckSubscribe(t *testing.T) {
	v := NewValidator(Permissions{Subscribe: []string{"discord.*", "media.track_changed"}})

	tests := []struct {
		pattern string
		allowed bool
	}{
		{"discord.speaking", true},
		{"discord.voice_state", true},
		{"media.track_changed", true},
		{"media.playback_stopped", false},
		{"system.window_focus", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := v.CheckSubscribe(tt.pattern)
			if tt.allowed && err != nil {
				t.Errorf("CheckSubscribe(%q) = %v, want nil", tt.pattern, err)
			}
			if !tt.allowed {
				var denied *DeniedError
				if !errors.As(err, &denied) {
					t.Errorf("CheckSubscribe(%q) = %v, want DeniedError", tt.pattern, err)
				}
			}
		})
	}
}

func TestCheckSubscribeSkipsInvalidDeclaredPatterns(t *testing.T) {
	v := NewValidator(Permissions{Subscribe: []string{"[bad", "media.*"}})
	if err := v.CheckSubscribe("media.track_changed"); err != nil {
		t.Errorf("valid pattern after invalid one: %v", err)
	}
	if err := v.CheckSubscribe("[bad"); err == nil {
		t.Error("invalid declared pattern matched something")
	}
}

func TestCheckCall(t *testing.T) {
	v := NewValidator(Permissions{Call: []string{"discord.voice.set_mute@1"}})

	if err := v.CheckCall("discord", "voice.set_mute", 1); err != nil {
		t.Errorf("declared call denied: %v", err)
	}
	var denied *DeniedError
	if err := v.CheckCall("discord", "voice.set_deaf", 1); !errors.As(err, &denied) {
		t.Errorf("undeclared call = %v, want DeniedError", err)
	}
	if err := v.CheckCall("discord", "voice.set_mute", 2); !errors.As(err, &denied) {
		t.Errorf("wrong version = %v, want DeniedError", err)
	}
}

func TestScalarChecks(t *testing.T) {
	granted := NewValidator(Permissions{
		Network: NetworkPermissions{HTTP: true, WebSocket: true},
		Storage: true,
		Timers:  true,
	})
	denied := NewValidator(Permissions{})

	checks := []struct {
		name string
		ok   func(*Validator) error
	}{
		{"http", (*Validator).CheckNetworkHTTP},
		{"websocket", (*Validator).CheckNetworkWebSocket},
		{"storage", (*Validator).CheckStorage},
		{"timers", (*Validator).CheckTimers},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			if err := c.ok(granted); err != nil {
				t.Errorf("granted %s denied: %v", c.name, err)
			}
			var de *DeniedError
			if err := c.ok(denied); !errors.As(err, &de) {
				t.Errorf("denied %s = %v, want DeniedError", c.name, err)
			}
		})
	}
}
