// Package registry tracks live agent entries: registration, heartbeat
// liveness, state transitions, and stale eviction. The registry owns
// its entries exclusively; no other component
// mutates AgentEntry state directly.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/specmem/specmem/internal/eventbus"
	"github.com/specmem/specmem/internal/model"
	"github.com/specmem/specmem/internal/specerr"
)

// UnregisterReason explains why an agent left the registry.
type UnregisterReason string

const (
	ReasonNormal  UnregisterReason = "normal"
	ReasonTimeout UnregisterReason = "timeout"
	ReasonError   UnregisterReason = "error"
	ReasonKicked  UnregisterReason = "kicked"
)

// Config controls registry thresholds.
type Config struct {
	MaxSize               int
	HeartbeatTimeout      time.Duration
	CleanupInterval       time.Duration
	CompletedToReadyDelay time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:               100,
		HeartbeatTimeout:      30 * time.Second,
		CleanupInterval:       10 * time.Second,
		CompletedToReadyDelay: time.Second,
	}
}

// Registry is the in-memory, single-process table of live agents.
type Registry struct {
	cfg Config
	bus *eventbus.Bus
	log zerolog.Logger

	mu            sync.Mutex
	agents        map[string]*model.AgentEntry
	connToAgent   map[string]string
	pendingTimers map[string]*time.Timer

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// New constructs a Registry. Call StartCleanup to begin the periodic
// stale-eviction sweep; the registry is otherwise immediately usable.
func New(bus *eventbus.Bus, log zerolog.Logger, cfg Config) *Registry {
	return &Registry{
		cfg:           cfg,
		bus:           bus,
		log:           log,
		agents:        make(map[string]*model.AgentEntry),
		connToAgent:   make(map[string]string),
		pendingTimers: make(map[string]*time.Timer),
	}
}

// Register adds or refreshes an agent entry. A re-registration of a
// known agent_id updates the entry in place and transitions it to
// ready, emitting a reconnection notice instead of a fresh
// registration event.
func (r *Registry) Register(agent model.AgentIdentity, connectionID string) (model.AgentEntry, error) {
	if agent.AgentID == "" {
		agent.AgentID = uuid.NewString()
	}

	r.mu.Lock()
	now := time.Now()

	existing, known := r.agents[agent.AgentID]
	if !known && len(r.agents) >= r.cfg.MaxSize {
		r.mu.Unlock()
		return model.AgentEntry{}, specerr.New(specerr.KindCapacityExhausted, "agent registry is at capacity")
	}

	if known {
		existing.Agent = agent
		existing.State = model.StateReady
		existing.LastActivity = now
		if connectionID != "" {
			existing.ConnectionID = connectionID
			r.connToAgent[connectionID] = agent.AgentID
		}
		entry := *existing
		r.mu.Unlock()
		r.emit(eventbus.EventAgentReconnected, agent.AgentID, entry)
		return entry, nil
	}

	entry := &model.AgentEntry{
		Agent:         agent,
		State:         model.StateInitializing,
		RegisteredAt:  now,
		LastHeartbeat: now,
		LastActivity:  now,
		ConnectionID:  connectionID,
	}
	r.agents[agent.AgentID] = entry
	if connectionID != "" {
		r.connToAgent[connectionID] = agent.AgentID
	}
	out := *entry
	r.mu.Unlock()
	r.emit(eventbus.EventAgentRegistered, agent.AgentID, out)
	return out, nil
}

// Unregister removes an agent entry, emitting a disconnection event.
func (r *Registry) Unregister(agentID string, reason UnregisterReason) error {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return specerr.ErrNotFound
	}
	delete(r.agents, agentID)
	if entry.ConnectionID != "" {
		delete(r.connToAgent, entry.ConnectionID)
	}
	r.cancelPendingTransition(agentID)
	r.mu.Unlock()

	r.emit(eventbus.EventAgentDisconnected, agentID, map[string]any{"reason": string(reason)})
	return nil
}

// Heartbeat refreshes liveness for an agent and optionally changes its
// state. Heartbeats are monotonic: a heartbeat older than the entry's
// current last_heartbeat is accepted as a liveness signal but never
// regresses the recorded timestamp.
func (r *Registry) Heartbeat(agentID string, newState *model.AgentState) error {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return specerr.ErrNotFound
	}
	now := time.Now()
	if now.After(entry.LastHeartbeat) {
		entry.LastHeartbeat = now
	}
	entry.LastActivity = now
	entry.Metrics.HeartbeatsReceived++

	changed := false
	if newState != nil && *newState != entry.State {
		entry.State = *newState
		changed = true
	}
	out := *entry
	r.mu.Unlock()

	r.emit(eventbus.EventAgentHeartbeat, agentID, out)
	if changed {
		r.emit(eventbus.EventAgentStateChanged, agentID, out)
		if *newState == model.StateCompleted {
			r.scheduleCompletedToReady(agentID)
		}
	}
	return nil
}

// SetState records a state transition, emitting agent:state_changed
// only when the state actually changes.
func (r *Registry) SetState(agentID string, newState model.AgentState) error {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return specerr.ErrNotFound
	}
	if entry.State == newState {
		r.mu.Unlock()
		return nil
	}
	entry.State = newState
	entry.LastActivity = time.Now()
	out := *entry
	r.mu.Unlock()

	r.emit(eventbus.EventAgentStateChanged, agentID, out)
	if newState == model.StateCompleted {
		r.scheduleCompletedToReady(agentID)
	}
	return nil
}

// scheduleCompletedToReady arranges the automatic completed -> ready
// transition after CompletedToReadyDelay, unless the entry has already
// moved to a different state by the time the timer fires.
func (r *Registry) scheduleCompletedToReady(agentID string) {
	r.mu.Lock()
	r.cancelPendingTransitionLocked(agentID)
	timer := time.AfterFunc(r.cfg.CompletedToReadyDelay, func() {
		r.mu.Lock()
		entry, ok := r.agents[agentID]
		if !ok || entry.State != model.StateCompleted {
			r.mu.Unlock()
			return
		}
		entry.State = model.StateReady
		entry.LastActivity = time.Now()
		out := *entry
		delete(r.pendingTimers, agentID)
		r.mu.Unlock()
		r.emit(eventbus.EventAgentStateChanged, agentID, out)
	})
	r.pendingTimers[agentID] = timer
	r.mu.Unlock()
}

func (r *Registry) cancelPendingTransition(agentID string) {
	r.cancelPendingTransitionLocked(agentID)
}

func (r *Registry) cancelPendingTransitionLocked(agentID string) {
	if t, ok := r.pendingTimers[agentID]; ok {
		t.Stop()
		delete(r.pendingTimers, agentID)
	}
}

// RecordError increments an agent's error counter.
func (r *Registry) RecordError(agentID string) error {
	return r.bumpMetric(agentID, func(m *model.AgentMetrics) { m.ErrorsEncountered++ })
}

// RecordTaskCompletion increments an agent's completed-task counter.
func (r *Registry) RecordTaskCompletion(agentID string) error {
	return r.bumpMetric(agentID, func(m *model.AgentMetrics) { m.TasksCompleted++ })
}

// RecordEventProcessed increments an agent's processed-event counter.
func (r *Registry) RecordEventProcessed(agentID string) error {
	return r.bumpMetric(agentID, func(m *model.AgentMetrics) { m.EventsProcessed++ })
}

func (r *Registry) bumpMetric(agentID string, mutate func(*model.AgentMetrics)) error {
	r.mu.Lock()
	entry, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return specerr.ErrNotFound
	}
	mutate(&entry.Metrics)
	entry.LastActivity = time.Now()
	r.mu.Unlock()
	return nil
}

// ByState returns all entries currently in the given state.
func (r *Registry) ByState(state model.AgentState) []model.AgentEntry {
	return r.filter(func(e *model.AgentEntry) bool { return e.State == state })
}

// ByType returns all entries of the given agent type.
func (r *Registry) ByType(agentType string) []model.AgentEntry {
	return r.filter(func(e *model.AgentEntry) bool { return e.Agent.Type == agentType })
}

// ByCapability returns all entries advertising the given capability.
func (r *Registry) ByCapability(capability string) []model.AgentEntry {
	return r.filter(func(e *model.AgentEntry) bool {
		for _, c := range e.Agent.Capabilities {
			if c == capability {
				return true
			}
		}
		return false
	})
}

// ByPriority returns every entry sorted by descending priority.
func (r *Registry) ByPriority() []model.AgentEntry {
	all := r.filter(func(*model.AgentEntry) bool { return true })
	sort.SliceStable(all, func(i, j int) bool { return all[i].Agent.Priority > all[j].Agent.Priority })
	return all
}

// Active returns entries not in a terminal or error state.
func (r *Registry) Active() []model.AgentEntry {
	return r.filter(func(e *model.AgentEntry) bool {
		return e.State != model.StateError && e.State != model.StateDisconnected
	})
}

// Stale returns entries whose last heartbeat exceeds HeartbeatTimeout.
func (r *Registry) Stale() []model.AgentEntry {
	cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)
	return r.filter(func(e *model.AgentEntry) bool { return e.LastHeartbeat.Before(cutoff) })
}

func (r *Registry) filter(pred func(*model.AgentEntry) bool) []model.AgentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AgentEntry
	for _, e := range r.agents {
		if pred(e) {
			out = append(out, *e)
		}
	}
	return out
}

// CleanupStale evicts every entry exceeding HeartbeatTimeout, emitting
// a timeout disconnection event per evicted agent, and returns the
// number evicted.
func (r *Registry) CleanupStale() int {
	stale := r.Stale()
	for _, e := range stale {
		_ = r.Unregister(e.Agent.AgentID, ReasonTimeout)
		r.emit(eventbus.EventAgentTimeout, e.Agent.AgentID, e)
	}
	return len(stale)
}

// StartCleanup begins the periodic stale-eviction sweep. The timer is
// held in a goroutine the caller stops with StopCleanup; it does not
// keep the process alive beyond that goroutine.
func (r *Registry) StartCleanup() {
	r.mu.Lock()
	if r.cleanupStop != nil {
		r.mu.Unlock()
		return
	}
	r.cleanupStop = make(chan struct{})
	r.cleanupDone = make(chan struct{})
	stop := r.cleanupStop
	done := r.cleanupDone
	interval := r.cfg.CleanupInterval
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := r.CleanupStale(); n > 0 {
					r.log.Debug().Int("evicted", n).Msg("cleanup_stale evicted agents")
				}
			}
		}
	}()
}

// StopCleanup halts the periodic sweep, waiting for the current tick
// (if any) to finish.
func (r *Registry) StopCleanup() {
	r.mu.Lock()
	stop := r.cleanupStop
	done := r.cleanupDone
	r.cleanupStop = nil
	r.cleanupDone = nil
	r.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// ExportState snapshots every entry for cross-process synchronization.
func (r *Registry) ExportState() []model.AgentEntry {
	return r.filter(func(*model.AgentEntry) bool { return true })
}

// ImportState restores entries from a prior ExportState snapshot,
// replacing the registry's current contents.
func (r *Registry) ImportState(entries []model.AgentEntry) {
	r.mu.Lock()
	r.agents = make(map[string]*model.AgentEntry, len(entries))
	r.connToAgent = make(map[string]string, len(entries))
	for i := range entries {
		e := entries[i]
		r.agents[e.Agent.AgentID] = &e
		if e.ConnectionID != "" {
			r.connToAgent[e.ConnectionID] = e.Agent.AgentID
		}
	}
	r.mu.Unlock()
}

// AgentIDForConnection resolves a connection id to its agent id, if any.
func (r *Registry) AgentIDForConnection(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.connToAgent[connectionID]
	return id, ok
}

func (r *Registry) emit(eventType, agentID string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Post(eventbus.New(eventType, agentID, payload)).Async()
}
