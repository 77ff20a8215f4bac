package wasm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// Guest ABI.
//
// The guest is a core wasm module. Strings cross the boundary through
// guest linear memory: the guest exports alloc(size) -> ptr, the host
// writes into the returned region, and (ptr, len) pairs are packed into a
// single u64 as (ptr << 32) | len. A packed value of 0 means
// empty/none/success depending on the call.
//
// Host imports live under the "vessel:host" module. Status-returning
// imports (subscribe, emit, websocket_send, ...) return 0 on success or a packed
// error string. Value-returning imports (call, send_http_request,
// websocket_connect, storage_get) return a packed JSON envelope
// {"ok": <value>} or {"err": "message"}; storage_get and config_get
// return 0 for an absent key.
//
// Guest exports: alloc, on_load, on_unload, on_event, on_command,
// on_timer, on_websocket_message. Callbacks return 0 for success or a
// packed error string; on_command may instead return a packed envelope
// carrying its response payload.

const hostModuleName = "vessel:host"

func pack(ptr, size uint32) uint64 {
	return uint64(ptr)<<32 | uint64(size)
}

func unpack(v uint64) (ptr, size uint32) {
	return uint32(v >> 32), uint32(v)
}

// readGuestString copies a string out of guest memory.
func readGuestString(mod api.Module, ptr, size uint32) (string, error) {
	if size == 0 {
		return "", nil
	}
	data, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return "", fmt.Errorf("guest string out of memory range (ptr=%d len=%d)", ptr, size)
	}
	return string(data), nil
}

// writeGuestString allocates guest memory via the exported alloc and
// copies s into it, returning the packed (ptr, len).
func writeGuestString(ctx context.Context, mod api.Module, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	alloc := mod.ExportedFunction(guestAlloc)
	if alloc == nil {
		return 0, fmt.Errorf("guest does not export %q", guestAlloc)
	}
	res, err := alloc.Call(ctx, uint64(len(s)))
	if err != nil {
		return 0, fmt.Errorf("guest alloc: %w", err)
	}
	ptr := uint32(res[0])
	if !mod.Memory().Write(ptr, []byte(s)) {
		return 0, fmt.Errorf("guest alloc returned unwritable region (ptr=%d len=%d)", ptr, len(s))
	}
	return pack(ptr, uint32(len(s))), nil
}

// envelope is the JSON result wrapper for value-returning host imports
// and for on_command responses.
type envelope struct {
	Ok  json.RawMessage `json:"ok,omitempty"`
	Err string          `json:"err,omitempty"`
}

// packEnvelope serializes an envelope into guest memory.
func packEnvelope(ctx context.Context, mod api.Module, env envelope) uint64 {
	b, err := json.Marshal(env)
	if err != nil {
		b = []byte(`{"err":"host: unserializable result"}`)
	}
	packed, err := writeGuestString(ctx, mod, string(b))
	if err != nil {
		// Nothing sane to hand back without guest memory; 0 reads as
		// empty on the guest side.
		return 0
	}
	return packed
}

func okEnvelope(ctx context.Context, mod api.Module, value any) uint64 {
	raw, err := json.Marshal(value)
	if err != nil {
		return packEnvelope(ctx, mod, envelope{Err: "host: unserializable result"})
	}
	return packEnvelope(ctx, mod, envelope{Ok: raw})
}

func errEnvelope(ctx context.Context, mod api.Module, err error) uint64 {
	return packEnvelope(ctx, mod, envelope{Err: err.Error()})
}

// packStatus converts a host-call error into the status convention:
// 0 on success, packed message otherwise.
func packStatus(ctx context.Context, mod api.Module, err error) uint64 {
	if err == nil {
		return 0
	}
	packed, werr := writeGuestString(ctx, mod, err.Error())
	if werr != nil {
		return 0
	}
	return packed
}

// Guest export names.
const (
	guestAlloc       = "alloc"
	guestOnLoad      = "on_load"
	guestOnUnload    = "on_unload"
	guestOnEvent     = "on_event"
	guestOnCommand   = "on_command"
	guestOnTimer     = "on_timer"
	guestOnWSMessage = "on_websocket_message"
)

// guestError decodes a callback's u64 result into an error, nil for 0.
func guestError(mod api.Module, result uint64) error {
	if result == 0 {
		return nil
	}
	ptr, size := unpack(result)
	msg, err := readGuestString(mod, ptr, size)
	if err != nil {
		return fmt.Errorf("unreadable guest error: %w", err)
	}
	return fmt.Errorf("%s", msg)
}
