// Package system is the native OS-integration module: it publishes a
// periodic host snapshot and executes desktop commands (opening URIs,
// spawning programs) on behalf of clients.
package system

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/burakkaraceylan/vessel/internal/bus"
)

const moduleName = "system"

// pollInterval paces the host snapshot. Every tick republishes it; the
// cache key keeps only the latest snapshot in the cache.
const pollInterval = 15 * time.Second

// Module is the system integration.
type Module struct {
	started time.Time
}

// New constructs the module. Config is currently unused; the parameter
// keeps the constructor shape uniform across modules.
func New(_ map[string]string) (*Module, error) {
	return &Module{started: time.Now()}, nil
}

// Name implements bus.Module.
func (m *Module) Name() string { return moduleName }

// Run implements bus.Module: publish the host snapshot on a ticker and
// execute inbound commands until cancelled.
func (m *Module) Run(ctx context.Context, mc bus.ModuleContext) error {
	m.publishInfo(mc.Events)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.publishInfo(mc.Events)
		case cmd := <-mc.Commands:
			m.handleCommand(cmd)
		}
	}
}

func (m *Module) publishInfo(pub *bus.Publisher) {
	hostname, _ := os.Hostname()
	pub.Publish(bus.Stateful(moduleName, "info", map[string]any{
		"hostname":       hostname,
		"platform":       runtime.GOOS,
		"arch":           runtime.GOARCH,
		"pid":            os.Getpid(),
		"uptime_seconds": int64(time.Since(m.started).Seconds()),
	}, "system/info"))
}

// command is the typed form of an inbound system command.
type command struct {
	kind string
	uri  string
	exe  string
	args []string
}

func parseCommand(action string, params json.RawMessage) (command, error) {
	switch action {
	case "open_uri":
		var p struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.URI == "" {
			return command{}, fmt.Errorf("%w: open_uri needs a uri param", bus.ErrUnknownCommand)
		}
		return command{kind: "open_uri", uri: p.URI}, nil
	case "spawn_exe":
		var p struct {
			Exe  string   `json:"exe"`
			Args []string `json:"args"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Exe == "" {
			return command{}, fmt.Errorf("%w: spawn_exe needs an exe param", bus.ErrUnknownCommand)
		}
		return command{kind: "spawn_exe", exe: p.Exe, args: p.Args}, nil
	default:
		return command{}, fmt.Errorf("%w: %q", bus.ErrUnknownCommand, action)
	}
}

func (m *Module) handleCommand(cmd bus.Command) {
	parsed, err := parseCommand(cmd.Action, cmd.Params)
	if err != nil {
		slog.Warn("invalid system command", "action", cmd.Action, "error", err)
		return
	}
	switch parsed.kind {
	case "open_uri":
		if err := openURI(parsed.uri); err != nil {
			slog.Error("open_uri failed", "uri", parsed.uri, "error", err)
		}
	case "spawn_exe":
		if err := exec.Command(parsed.exe, parsed.args...).Start(); err != nil {
			slog.Error("spawn_exe failed", "exe", parsed.exe, "error", err)
		}
	}
}

func openURI(uri string) error {
	switch runtime.GOOS {
	case "windows":
		return exec.Command("cmd", "/c", "start", "", uri).Start()
	case "darwin":
		return exec.Command("open", uri).Start()
	default:
		return exec.Command("xdg-open", uri).Start()
	}
}
