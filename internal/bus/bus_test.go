package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/burakkaraceylan/vessel/internal/assets"
)

// echoModule republishes every command it receives as a transient event.
type echoModule struct {
	name string
}

func (m *echoModule) Name() string { return m.name }

func (m *echoModule) Run(ctx context.Context, mc ModuleContext) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-mc.Commands:
			mc.Events.Publish(Transient(m.name, cmd.Action, cmd.Params))
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	m := NewManager(assets.New())
	if err := m.Register(&echoModule{name: "echo"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.Register(&echoModule{name: "echo"}); err == nil {
		t.Fatal("duplicate register succeeded, want error")
	}
}

func TestRouteToUnknownTargetIsBestEffort(t *testing.T) {
	m := NewManager(assets.New())
	if err := m.Route(context.Background(), "nope", "anything", nil); err != nil {
		t.Fatalf("route to unknown target: %v, want nil", err)
	}
}

func TestRouteReachesModule(t *testing.T) {
	m := NewManager(assets.New())
	if err := m.Register(&echoModule{name: "echo"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := m.Subscribe()
	defer r.Close()

	m.StartAll(ctx)

	params, _ := json.Marshal(map[string]int{"x": 1})
	if err := m.Route(ctx, "echo", "ping", params); err != nil {
		t.Fatalf("route: %v", err)
	}

	recvCtx, recvCancel := context.WithTimeout(ctx, time.Second)
	defer recvCancel()
	ev, err := r.Recv(recvCtx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if ev.Source != "echo" || ev.Name != "ping" {
		t.Errorf("event = %s.%s, want echo.ping", ev.Source, ev.Name)
	}
}

func TestCancellationStopsWorkersPromptly(t *testing.T) {
	m := NewManager(assets.New())
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&echoModule{name: name}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.StartAll(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit within grace period")
	}
}

func TestRegisterAfterStartFails(t *testing.T) {
	m := NewManager(assets.New())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartAll(ctx)
	if err := m.Register(&echoModule{name: "late"}); err == nil {
		t.Fatal("register after StartAll succeeded, want error")
	}
}
