package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/specmem/specmem/internal/eventbus"
	"github.com/specmem/specmem/internal/model"
	"github.com/specmem/specmem/internal/specerr"
)

func newTestRegistry(cfg Config) (*Registry, *eventbus.Bus) {
	bus := eventbus.New(zerolog.Nop())
	return New(bus, zerolog.Nop(), cfg), bus
}

func testConfig() Config {
	return Config{
		MaxSize:               3,
		HeartbeatTimeout:      50 * time.Millisecond,
		CleanupInterval:       10 * time.Millisecond,
		CompletedToReadyDelay: 30 * time.Millisecond,
	}
}

func TestRegisterAndUnregister(t *testing.T) {
	r, _ := newTestRegistry(testConfig())
	entry, err := r.Register(model.AgentIdentity{AgentID: "a1", Name: "agent-1"}, "conn-1")
	if err != nil {
		t.Fatalf("register error: %v", err)
	}
	if entry.State != model.StateInitializing {
		t.Fatalf("expected initializing state, got %s", entry.State)
	}
	if id, ok := r.AgentIDForConnection("conn-1"); !ok || id != "a1" {
		t.Fatalf("expected conn-1 to map to a1, got %s %v", id, ok)
	}

	if err := r.Unregister("a1", ReasonNormal); err != nil {
		t.Fatalf("unregister error: %v", err)
	}
	if _, ok := r.AgentIDForConnection("conn-1"); ok {
		t.Fatal("expected connection mapping removed after unregister")
	}
	if err := r.Unregister("a1", ReasonNormal); !errors.Is(err, specerr.ErrNotFound) {
		t.Fatalf("expected NotFound on second unregister, got %v", err)
	}
}

func TestRegisterCapacityExhausted(t *testing.T) {
	r, _ := newTestRegistry(testConfig())
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		if _, err := r.Register(model.AgentIdentity{AgentID: id}, ""); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	_, err := r.Register(model.AgentIdentity{AgentID: "overflow"}, "")
	var se *specerr.Error
	if !errors.As(err, &se) || se.Kind != specerr.KindCapacityExhausted {
		t.Fatalf("expected CapacityExhausted, got %v", err)
	}
}

func TestReRegisterUpdatesInPlaceAndReadies(t *testing.T) {
	r, _ := newTestRegistry(testConfig())
	if _, err := r.Register(model.AgentIdentity{AgentID: "a1", Priority: 1}, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetState("a1", model.StateWorking); err != nil {
		t.Fatalf("set_state: %v", err)
	}
	entry, err := r.Register(model.AgentIdentity{AgentID: "a1", Priority: 5}, "conn-2")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if entry.State != model.StateReady {
		t.Fatalf("expected ready after re-registration, got %s", entry.State)
	}
	if entry.Agent.Priority != 5 {
		t.Fatalf("expected identity updated in place, got priority %d", entry.Agent.Priority)
	}
}

func TestHeartbeatIsMonotonic(t *testing.T) {
	r, _ := newTestRegistry(testConfig())
	if _, err := r.Register(model.AgentIdentity{AgentID: "a1"}, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	all := r.ByState(model.StateInitializing)
	if len(all) != 1 {
		t.Fatalf("expected one initializing agent, got %d", len(all))
	}
	first := all[0].LastHeartbeat

	if err := r.Heartbeat("a1", nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	after := r.ByState(model.StateInitializing)
	if len(after) != 1 || !after[0].LastHeartbeat.After(first) {
		t.Fatal("expected heartbeat to advance last_heartbeat")
	}
	if after[0].Metrics.HeartbeatsReceived != 1 {
		t.Fatalf("expected heartbeat counter 1, got %d", after[0].Metrics.HeartbeatsReceived)
	}
}

func TestSetStateNoopOnSameState(t *testing.T) {
	r, bus := newTestRegistry(testConfig())
	if _, err := r.Register(model.AgentIdentity{AgentID: "a1"}, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	var changeCount int
	bus.Subscribe(eventbus.EventAgentStateChanged, func(eventbus.Event) error {
		changeCount++
		return nil
	}, eventbus.SubscribeOptions{})

	if err := r.SetState("a1", model.StateInitializing); err != nil {
		t.Fatalf("set_state: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if changeCount != 0 {
		t.Fatalf("expected no state_changed event for a no-op transition, got %d", changeCount)
	}
}

func TestCompletedTransitionsBackToReady(t *testing.T) {
	r, _ := newTestRegistry(testConfig())
	if _, err := r.Register(model.AgentIdentity{AgentID: "a1"}, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetState("a1", model.StateCompleted); err != nil {
		t.Fatalf("set_state: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	got := r.ByState(model.StateReady)
	if len(got) != 1 {
		t.Fatalf("expected agent auto-transitioned to ready, got states %v", got)
	}
}

func TestCleanupStaleEvictsAndStopCleanupIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(testConfig())
	if _, err := r.Register(model.AgentIdentity{AgentID: "a1"}, ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	evicted := r.CleanupStale()
	if evicted != 1 {
		t.Fatalf("expected 1 stale eviction, got %d", evicted)
	}
	r.StopCleanup()
	r.StopCleanup()
}

func TestExportImportRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(testConfig())
	if _, err := r.Register(model.AgentIdentity{AgentID: "a1"}, "conn-1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	snap := r.ExportState()

	r2, _ := newTestRegistry(testConfig())
	r2.ImportState(snap)
	if id, ok := r2.AgentIDForConnection("conn-1"); !ok || id != "a1" {
		t.Fatalf("expected imported connection mapping, got %s %v", id, ok)
	}
}
