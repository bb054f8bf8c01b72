package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/specmem/specmem/internal/model"
)

type watcherFakeStore struct {
	existing map[string]bool
	inserted int
}

func (f *watcherFakeStore) ExistingHashes(ctx context.Context, projectPath string) (map[string]bool, error) {
	if f.existing == nil {
		f.existing = make(map[string]bool)
	}
	return f.existing, nil
}

func (f *watcherFakeStore) InsertBatch(ctx context.Context, rows []model.Memory) ([]InsertOutcome, error) {
	out := make([]InsertOutcome, len(rows))
	for i, row := range rows {
		f.inserted++
		out[i] = InsertOutcome{Hash: row.Metadata.Hash, ID: row.Metadata.Hash}
	}
	return out, nil
}

type watcherFakeEmbedder struct{}

func (watcherFakeEmbedder) Embed(ctx context.Context, text string) []float32 { return []float32{0.1, 0.2} }

// TestWatcherTriggersCatchUpOnWrite asserts that a write under a
// watched directory causes the debounced fsnotify handler to run a
// catch-up pass, not just the independent heartbeat ticker.
func TestWatcherTriggersCatchUpOnWrite(t *testing.T) {
	claudeDir := t.TempDir()
	projectsDir := filepath.Join(claudeDir, "projects", "-home-me-proj")
	if err := os.MkdirAll(projectsDir, 0o755); err != nil {
		t.Fatalf("mkdir projects dir: %v", err)
	}

	store := &watcherFakeStore{}
	cfg := Config{
		BatchSize:                100,
		ThroughputBytesPerSec:    0,
		ChunkDelay:               time.Millisecond,
		ConsecutiveDuplicateExit: 50,
		WatcherDebounce:          20 * time.Millisecond,
		WatcherHeartbeat:         time.Hour,
		StartupGracePeriod:       0,
		WatcherStaleWarning:      time.Hour,
	}

	ingestor := New(cfg, claudeDir, "/home/me/proj", store, watcherFakeEmbedder{}, nil, zerolog.Nop())

	watcher, err := NewWatcher(cfg, ingestor, claudeDir, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	for _, dir := range WatchDirs(claudeDir, "/home/me/proj") {
		if err := watcher.AddDir(dir); err != nil {
			t.Fatalf("AddDir(%s): %v", dir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)
	defer watcher.Stop()

	sessionFile := filepath.Join(projectsDir, "session-1.jsonl")
	line := `{"sessionId":"s1","type":"user","message":{"role":"user","content":"hello"},"cwd":"/home/me/proj","timestamp":"2026-07-31T00:00:00Z"}` + "\n"
	if err := os.WriteFile(sessionFile, []byte(line), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.inserted > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("watcher never triggered a catch-up insert after file write, inserted=%d", store.inserted)
}
