package bus

import (
	"context"
	"fmt"

	"github.com/burakkaraceylan/vessel/internal/assets"
)

// Module is any participant in the bus: a name, a command inbox, and a
// long-running worker. Native modules implement it directly; WASM guests
// are wrapped by the guest runtime.
//
// Construction is per-module: a factory function taking the module's
// opaque configuration and returning the module or a fatal-at-startup
// error.
type Module interface {
	// Name returns the module's stable identifier, used as the event
	// source tag and the command routing target.
	Name() string

	// Run is the module's worker. It must select on ctx.Done and exit
	// promptly once the shared cancel fires. A returned error is logged
	// by the bus and never propagated to peer modules.
	Run(ctx context.Context, mc ModuleContext) error
}

// ModuleContext is handed to each worker at start.
type ModuleContext struct {
	// Commands is the module's bounded inbox. The bus back-pressures
	// producers when it fills.
	Commands <-chan Command

	// Events is the shared publisher; workers publish through it and may
	// subscribe to peers' events.
	Events *Publisher

	// Assets is the process-wide binary asset store (cover art and
	// similar), addressed by string keys and served over the REST API.
	Assets *assets.Store
}

// ErrUnknownCommand is wrapped by module command parsers when the action
// is not recognised or its params are invalid. Invalid commands are
// logged, never fatal.
var ErrUnknownCommand = fmt.Errorf("unknown command")
