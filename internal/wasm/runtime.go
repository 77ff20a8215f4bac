package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/burakkaraceylan/vessel/internal/bus"
)

// guestEvent is the event wire type handed to the guest's on_event
// callback. Data is JSON text, not embedded JSON.
type guestEvent struct {
	Module    string `json:"module"`
	Name      string `json:"name"`
	Version   uint32 `json:"version"`
	Data      string `json:"data"`
	Timestamp uint64 `json:"timestamp"`
}

// GuestModule wraps one installed WASM component as a bus module. Loading
// happens synchronously at host startup; instantiation and the dispatch
// loop run inside Run.
type GuestModule struct {
	manifest    *Manifest
	dir         string
	validator   *Validator
	config      map[string]string
	router      CommandRouter
	storageRoot string
}

// LoadGuest reads and verifies the module installed at dir
// (<modules-root>/<id>/) and prepares its capability validator and
// configuration map. Malformed manifests, tamper detection, and
// api-version mismatches fail here, before anything runs.
func LoadGuest(dir string, config map[string]string, router CommandRouter) (*GuestModule, error) {
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if config == nil {
		config = map[string]string{}
	}
	return &GuestModule{
		manifest:    manifest,
		dir:         dir,
		validator:   NewValidator(manifest.Permissions),
		config:      config,
		router:      router,
		storageRoot: filepath.Join(dir, "storage"),
	}, nil
}

// Manifest exposes the verified manifest (REST module listing).
func (g *GuestModule) Manifest() *Manifest { return g.manifest }

// Name implements bus.Module; the manifest id doubles as the event
// source tag.
func (g *GuestModule) Name() string { return g.manifest.ID }

// Run implements bus.Module: instantiate the component, drive on_load,
// then dispatch commands, matching bus events, timer fires, and inbound
// WS frames into the guest until the shared cancel fires.
//
// All guest invocations happen on this goroutine; wazero instances are
// not reentrant across goroutines.
func (g *GuestModule) Run(ctx context.Context, mc bus.ModuleContext) error {
	// Local cancel so helpers wound up below unwind on any exit path,
	// not just the shared cancel.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wasmBytes, err := os.ReadFile(filepath.Join(g.dir, wasmFile))
	if err != nil {
		return fmt.Errorf("reading wasm binary: %w", err)
	}

	state, err := newHostState(ctx, g.manifest.ID, g.validator, mc.Events, g.router, g.config, g.storageRoot)
	if err != nil {
		return err
	}
	defer state.close()

	r := wazero.NewRuntime(ctx)
	defer r.Close(context.Background())

	if err := instantiateHostModule(ctx, r, state); err != nil {
		return err
	}
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compiling %s: %w", g.manifest.ID, err)
	}

	// Reactor-style instantiation: no start function at instantiate
	// time, then _initialize if the toolchain emitted one.
	mod, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName(g.manifest.ID).
		WithStartFunctions())
	if err != nil {
		return fmt.Errorf("instantiating %s: %w", g.manifest.ID, err)
	}
	if init := mod.ExportedFunction("_initialize"); init != nil {
		if _, err := init.Call(ctx); err != nil {
			return fmt.Errorf("_initialize: %w", err)
		}
	}

	// on_load runs before the bus subscription so the guest has had its
	// chance to declare subscriptions.
	if err := g.invokeStatus(ctx, mod, guestOnLoad); err != nil {
		slog.Error("guest on_load failed", "module", g.manifest.ID, "error", err)
		return nil
	}

	events := mc.Events.Subscribe()
	defer events.Close()
	evCh := make(chan bus.Event)
	go pumpEvents(ctx, events, evCh, g.manifest.ID)

	for {
		select {
		case <-ctx.Done():
			g.invokeUnload(mod)
			return nil

		case cmd := <-mc.Commands:
			params := string(cmd.Params)
			if params == "" {
				params = "{}"
			}
			if err := g.invokeCommand(ctx, mod, cmd.Action, params); err != nil {
				if fatalGuestError(err) {
					g.invokeUnload(mod)
					return fmt.Errorf("on_command: %w", err)
				}
				slog.Error("guest on_command failed", "module", g.manifest.ID, "action", cmd.Action, "error", err)
			}

		case ev := <-evCh:
			// Match before any serialization; non-matching events are
			// dropped cheaply.
			if !state.matches(ev.Fingerprint()) {
				continue
			}
			if err := g.invokeEvent(ctx, mod, ev); err != nil {
				if fatalGuestError(err) {
					g.invokeUnload(mod)
					return fmt.Errorf("on_event: %w", err)
				}
				slog.Error("guest on_event failed", "module", g.manifest.ID, "event", ev.Fingerprint(), "error", err)
			}

		case handle := <-state.timerCh:
			if err := g.invokeU32(ctx, mod, guestOnTimer, handle); err != nil {
				if fatalGuestError(err) {
					g.invokeUnload(mod)
					return fmt.Errorf("on_timer: %w", err)
				}
				slog.Error("guest on_timer failed", "module", g.manifest.ID, "handle", handle, "error", err)
			}

		case in := <-state.wsCh:
			if err := g.invokeWSMessage(ctx, mod, in); err != nil {
				if fatalGuestError(err) {
					g.invokeUnload(mod)
					return fmt.Errorf("on_websocket_message: %w", err)
				}
				slog.Error("guest on_websocket_message failed", "module", g.manifest.ID, "handle", in.Handle, "error", err)
			}
		}
	}
}

// pumpEvents adapts the receiver to a channel the dispatch select can
// consume. Lag is logged and the stream continues.
func pumpEvents(ctx context.Context, r *bus.Receiver, out chan<- bus.Event, id string) {
	for {
		ev, err := r.Recv(ctx)
		if err != nil {
			var lag *bus.LaggedError
			if errors.As(err, &lag) {
				slog.Warn("guest event stream lagged", "module", id, "skipped", lag.Skipped)
				continue
			}
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// fatalGuestError reports whether the error poisoned the instance (guest
// called proc_exit); anything else is recoverable for the runtime.
func fatalGuestError(err error) bool {
	var exit *sys.ExitError
	return errors.As(err, &exit)
}

func callGuest(ctx context.Context, mod api.Module, name string, args ...uint64) (uint64, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, fmt.Errorf("guest does not export %q", name)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("trap: %w", err)
	}
	if len(res) == 0 {
		return 0, nil
	}
	return res[0], nil
}

// invokeStatus calls a no-argument callback returning the status
// convention.
func (g *GuestModule) invokeStatus(ctx context.Context, mod api.Module, name string) error {
	res, err := callGuest(ctx, mod, name)
	if err != nil {
		return err
	}
	return guestError(mod, res)
}

func (g *GuestModule) invokeU32(ctx context.Context, mod api.Module, name string, arg uint32) error {
	res, err := callGuest(ctx, mod, name, uint64(arg))
	if err != nil {
		return err
	}
	return guestError(mod, res)
}

func (g *GuestModule) invokeEvent(ctx context.Context, mod api.Module, ev bus.Event) error {
	wire := guestEvent{
		Module:    ev.Source,
		Name:      ev.Name,
		Version:   1,
		Data:      string(ev.Data),
		Timestamp: uint64(time.Now().Unix()),
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return err
	}
	packed, err := writeGuestString(ctx, mod, string(b))
	if err != nil {
		return err
	}
	ptr, size := unpack(packed)
	res, err := callGuest(ctx, mod, guestOnEvent, uint64(ptr), uint64(size))
	if err != nil {
		return err
	}
	return guestError(mod, res)
}

func (g *GuestModule) invokeCommand(ctx context.Context, mod api.Module, action, params string) error {
	actionPacked, err := writeGuestString(ctx, mod, action)
	if err != nil {
		return err
	}
	paramsPacked, err := writeGuestString(ctx, mod, params)
	if err != nil {
		return err
	}
	aPtr, aLen := unpack(actionPacked)
	pPtr, pLen := unpack(paramsPacked)
	res, err := callGuest(ctx, mod, guestOnCommand, uint64(aPtr), uint64(aLen), uint64(pPtr), uint64(pLen))
	if err != nil {
		return err
	}
	if res == 0 {
		return nil
	}
	ptr, size := unpack(res)
	raw, err := readGuestString(mod, ptr, size)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("malformed on_command result: %w", err)
	}
	if env.Err != "" {
		return errors.New(env.Err)
	}
	// env.Ok is the command response payload; there is no routing path
	// back to the caller yet, so it is discarded.
	return nil
}

func (g *GuestModule) invokeWSMessage(ctx context.Context, mod api.Module, in wsInbound) error {
	packed, err := writeGuestString(ctx, mod, in.Text)
	if err != nil {
		return err
	}
	ptr, size := unpack(packed)
	res, err := callGuest(ctx, mod, guestOnWSMessage, uint64(in.Handle), uint64(ptr), uint64(size))
	if err != nil {
		return err
	}
	return guestError(mod, res)
}

// invokeUnload is best-effort: the run context is typically already
// cancelled, so it runs under a short fresh deadline.
func (g *GuestModule) invokeUnload(mod api.Module) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.invokeStatus(ctx, mod, guestOnUnload); err != nil {
		slog.Warn("guest on_unload failed", "module", g.manifest.ID, "error", err)
	}
}
