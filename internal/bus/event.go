// Package bus implements the module bus: the event publisher with its
// stateful-event cache, the module registry, and the contract every
// module (native or WASM guest) implements.
package bus

import (
	"encoding/json"
	"log/slog"
)

// Event is a value produced by a module. A non-empty CacheKey marks the
// stateful variant: it overwrites the prior cache entry for the same key
// and replaces it in future snapshots. Transient events are never cached.
//
// Use the Stateful and Transient constructors instead of building the
// struct by hand so Data is serialized exactly once.
type Event struct {
	Source   string          `json:"source"`
	Name     string          `json:"name"`
	Data     json.RawMessage `json:"data"`
	CacheKey string          `json:"cache_key,omitempty"`
}

// Stateful builds a cached event. Events with the same cache key represent
// mutually-exclusive states of one thing (e.g. "track_changed" and
// "playback_stopped" both occupy media/now_playing).
func Stateful(source, name string, data any, cacheKey string) Event {
	return Event{Source: source, Name: name, Data: marshalData(data), CacheKey: cacheKey}
}

// Transient builds a point-in-time notification that is not cached.
func Transient(source, name string, data any) Event {
	return Event{Source: source, Name: name, Data: marshalData(data)}
}

// IsStateful reports whether the event occupies a cache slot.
func (e Event) IsStateful() bool { return e.CacheKey != "" }

// Fingerprint returns the "{source}.{name}" string matched against guest
// subscription globs.
func (e Event) Fingerprint() string { return e.Source + "." + e.Name }

func marshalData(data any) json.RawMessage {
	if data == nil {
		return json.RawMessage("null")
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(data)
	if err != nil {
		slog.Warn("unserializable event data", "error", err)
		return json.RawMessage("null")
	}
	return b
}

// Command is a fire-and-forget instruction addressed to a module. The
// module may publish a resulting event but is not required to.
type Command struct {
	Target string          `json:"target"`
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}
