package coordination

import (
	"testing"
	"time"

	"github.com/specmem/specmem/internal/specerr"
)

func storeWithAssignmentDir(dir string) *Store {
	return &Store{assignmentDir: dir}
}

func TestEnforceChannelAssignmentNoRecordedAssignmentAllowsAnyChannel(t *testing.T) {
	s := storeWithAssignmentDir(t.TempDir())
	if err := s.enforceChannelAssignment("agent-1", "swarm-3"); err != nil {
		t.Errorf("expected no error for an unassigned agent, got %v", err)
	}
}

func TestEnforceChannelAssignmentMainAssignmentAllowsAnyChannel(t *testing.T) {
	dir := t.TempDir()
	writeAssignment(t, dir, "a1.json", channelAssignment{AgentID: "agent-1", Channel: "main"}, time.Now())
	s := storeWithAssignmentDir(dir)
	if err := s.enforceChannelAssignment("agent-1", "swarm-4"); err != nil {
		t.Errorf("expected main-assigned agent to post anywhere, got %v", err)
	}
}

func TestEnforceChannelAssignmentRestrictsToOwnChannel(t *testing.T) {
	dir := t.TempDir()
	writeAssignment(t, dir, "a1.json", channelAssignment{AgentID: "agent-1", Channel: "swarm-2"}, time.Now())
	s := storeWithAssignmentDir(dir)

	if err := s.enforceChannelAssignment("agent-1", "swarm-2"); err != nil {
		t.Errorf("expected agent to post to its own assigned channel, got %v", err)
	}
	if err := s.enforceChannelAssignment("agent-1", "main"); err != nil {
		t.Errorf("expected agent to post to main, got %v", err)
	}
	err := s.enforceChannelAssignment("agent-1", "swarm-3")
	if err == nil {
		t.Fatal("expected an error posting to a different swarm's channel")
	}
	kind, ok := specerr.KindOf(err)
	if !ok || kind != specerr.KindForbidden {
		t.Errorf("error kind = %v (ok=%v), want KindForbidden", kind, ok)
	}
}
