package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func recvOne(t *testing.T, r *Receiver) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := r.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	return ev
}

func TestSnapshotKeepsLastValuePerKey(t *testing.T) {
	p := NewPublisher()
	p.Publish(Stateful("a", "n", 1, "k"))
	p.Publish(Stateful("a", "n", 2, "k"))
	p.Publish(Stateful("b", "m", true, "other"))

	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot has %d entries, want 2", len(snap))
	}
	byKey := make(map[string]Event)
	for _, ev := range snap {
		byKey[ev.CacheKey] = ev
	}
	if string(byKey["k"].Data) != "2" {
		t.Errorf("cache entry for k = %s, want 2", byKey["k"].Data)
	}
}

func TestSnapshotThenStream(t *testing.T) {
	p := NewPublisher()
	p.Publish(Stateful("a", "n", 1, "k"))
	p.Publish(Stateful("a", "n", 2, "k"))

	// Subscribe before snapshot so nothing is missed in the gap.
	r := p.Subscribe()
	defer r.Close()

	snap := p.Snapshot()
	if len(snap) != 1 || string(snap[0].Data) != "2" {
		t.Fatalf("snapshot = %+v, want single entry with data 2", snap)
	}

	p.Publish(Stateful("a", "n", 3, "k"))
	ev := recvOne(t, r)
	if string(ev.Data) != "3" {
		t.Errorf("streamed data = %s, want 3", ev.Data)
	}
}

func TestCacheKeyUnification(t *testing.T) {
	p := NewPublisher()
	p.Publish(Stateful("media", "track_changed", map[string]string{"title": "x"}, "media/now_playing"))
	p.Publish(Stateful("media", "playback_stopped", nil, "media/now_playing"))

	snap := p.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot has %d entries, want 1", len(snap))
	}
	if snap[0].Name != "playback_stopped" {
		t.Errorf("snapshot name = %q, want playback_stopped", snap[0].Name)
	}
	if string(snap[0].Data) != "null" {
		t.Errorf("snapshot data = %s, want null", snap[0].Data)
	}
}

func TestTransientEventsAreNotCached(t *testing.T) {
	p := NewPublisher()
	p.Publish(Transient("discord", "speaking", map[string]bool{"speaking": true}))
	if snap := p.Snapshot(); len(snap) != 0 {
		t.Fatalf("snapshot has %d entries, want 0", len(snap))
	}
}

func TestLaggedConsumer(t *testing.T) {
	p := NewPublisher()
	r := p.Subscribe()
	defer r.Close()

	// Fill the ring, then keep publishing without draining.
	for i := 0; i < broadcastCapacity+100; i++ {
		p.Publish(Transient("a", "n", i))
	}

	_, err := r.Recv(context.Background())
	var lag *LaggedError
	if !errors.As(err, &lag) {
		t.Fatalf("Recv err = %v, want LaggedError", err)
	}
	if lag.Skipped < 68 {
		t.Errorf("skipped = %d, want >= 68", lag.Skipped)
	}

	// The following receive returns a post-lag event.
	ev := recvOne(t, r)
	var n int
	if err := json.Unmarshal(ev.Data, &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n < 100 {
		t.Errorf("post-lag event data = %d, want one of the newest %d", n, broadcastCapacity)
	}
}

func TestPublishOrderPreservedPerProducer(t *testing.T) {
	p := NewPublisher()
	r := p.Subscribe()
	defer r.Close()

	for i := 0; i < 10; i++ {
		p.Publish(Transient("a", "n", i))
	}
	for i := 0; i < 10; i++ {
		ev := recvOne(t, r)
		var n int
		json.Unmarshal(ev.Data, &n)
		if n != i {
			t.Fatalf("event %d arrived out of order: got %d", i, n)
		}
	}
}

func TestRecvHonorsContext(t *testing.T) {
	p := NewPublisher()
	r := p.Subscribe()
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Recv(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Recv err = %v, want deadline exceeded", err)
	}
}

func TestClosedReceiverStopsReceiving(t *testing.T) {
	p := NewPublisher()
	r := p.Subscribe()
	r.Close()

	if _, err := r.Recv(context.Background()); !errors.Is(err, ErrReceiverClosed) {
		t.Fatalf("Recv err = %v, want ErrReceiverClosed", err)
	}
	// Publishing after close must not panic or resurrect the receiver.
	p.Publish(Transient("a", "n", nil))
}
