package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/burakkaraceylan/vessel/internal/assets"
)

// inboxCapacity bounds each module's command inbox. A slow module
// back-pressures its producers.
const inboxCapacity = 32

// Manager owns the registered modules, their command inboxes, and the
// shared event publisher.
type Manager struct {
	pub    *Publisher
	assets *assets.Store

	mu      sync.Mutex
	inboxes map[string]chan Command
	pending map[string]registration
	started bool

	wg sync.WaitGroup
}

type registration struct {
	module Module
	inbox  chan Command
}

// NewManager creates an empty manager around a fresh publisher and the
// given shared asset store.
func NewManager(store *assets.Store) *Manager {
	return &Manager{
		pub:     NewPublisher(),
		assets:  store,
		inboxes: make(map[string]chan Command),
		pending: make(map[string]registration),
	}
}

// Register assigns the module a bounded command inbox keyed by its name.
// Registration must precede StartAll; duplicate names are rejected.
func (m *Manager) Register(mod Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("bus: register %q after StartAll", mod.Name())
	}
	name := mod.Name()
	if _, dup := m.inboxes[name]; dup {
		return fmt.Errorf("bus: module %q already registered", name)
	}
	inbox := make(chan Command, inboxCapacity)
	m.inboxes[name] = inbox
	m.pending[name] = registration{module: mod, inbox: inbox}
	return nil
}

// Route enqueues a command into the target module's inbox, blocking while
// the inbox is full. Dispatch to an unknown target logs a warning and
// returns nil, mirroring the best-effort protocol contract.
func (m *Manager) Route(ctx context.Context, target, action string, params []byte) error {
	m.mu.Lock()
	inbox, ok := m.inboxes[target]
	m.mu.Unlock()
	if !ok {
		slog.Warn("command for unknown module", "target", target, "action", action)
		return nil
	}
	select {
	case inbox <- Command{Target: target, Action: action, Params: params}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartAll consumes the registry, spawning one worker per module. Worker
// errors are logged, not propagated to peers. It returns immediately;
// Wait blocks until every worker has exited.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[string]registration)
	m.started = true
	m.mu.Unlock()

	for name, reg := range pending {
		mc := ModuleContext{
			Commands: reg.inbox,
			Events:   m.pub,
			Assets:   m.assets,
		}
		m.wg.Add(1)
		go func(name string, mod Module) {
			defer m.wg.Done()
			slog.Info("module started", "module", name)
			if err := mod.Run(ctx, mc); err != nil {
				slog.Error("module exited with error", "module", name, "error", err)
				return
			}
			slog.Info("module stopped", "module", name)
		}(name, reg.module)
	}
}

// Wait blocks until all workers started by StartAll have returned.
func (m *Manager) Wait() { m.wg.Wait() }

// Subscribe delegates to the publisher.
func (m *Manager) Subscribe() *Receiver { return m.pub.Subscribe() }

// Snapshot delegates to the publisher.
func (m *Manager) Snapshot() []Event { return m.pub.Snapshot() }

// Publisher exposes the shared publisher for producers that are not bus
// workers.
func (m *Manager) Publisher() *Publisher { return m.pub }

// Modules returns the names of all registered modules.
func (m *Manager) Modules() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.inboxes))
	for name := range m.inboxes {
		names = append(names, name)
	}
	return names
}
