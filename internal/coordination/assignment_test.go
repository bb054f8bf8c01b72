package coordination

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeAssignment(t *testing.T, dir, filename string, a channelAssignment, modTime time.Time) {
	t.Helper()
	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal assignment: %v", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write assignment: %v", err)
	}
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestLookupChannelAssignmentFindsMatch(t *testing.T) {
	dir := t.TempDir()
	writeAssignment(t, dir, "a1.json", channelAssignment{AgentID: "agent-1", Channel: "swarm-2"}, time.Now())

	channel, ok := lookupChannelAssignment(dir, "agent-1")
	if !ok {
		t.Fatal("expected assignment to be found")
	}
	if channel != "swarm-2" {
		t.Errorf("channel = %q, want swarm-2", channel)
	}
}

func TestLookupChannelAssignmentMissingDirectory(t *testing.T) {
	_, ok := lookupChannelAssignment(filepath.Join(t.TempDir(), "does-not-exist"), "agent-1")
	if ok {
		t.Error("expected no assignment for a missing directory")
	}
}

func TestLookupChannelAssignmentIgnoresStaleFile(t *testing.T) {
	dir := t.TempDir()
	stale := time.Now().Add(-10 * time.Minute)
	writeAssignment(t, dir, "a1.json", channelAssignment{AgentID: "agent-1", Channel: "swarm-2"}, stale)

	_, ok := lookupChannelAssignment(dir, "agent-1")
	if ok {
		t.Error("expected a stale assignment file to be ignored")
	}
}

func TestLookupChannelAssignmentIgnoresNonJSONFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	writeAssignment(t, dir, "a1.json", channelAssignment{AgentID: "agent-2", Channel: "swarm-1"}, time.Now())

	_, ok := lookupChannelAssignment(dir, "agent-1")
	if ok {
		t.Error("expected no assignment for agent-1")
	}
	channel, ok := lookupChannelAssignment(dir, "agent-2")
	if !ok || channel != "swarm-1" {
		t.Errorf("lookupChannelAssignment(agent-2) = (%q, %v), want (swarm-1, true)", channel, ok)
	}
}
