package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/specmem/specmem/internal/model"
)

type fakeStore struct {
	mu       sync.Mutex
	existing map[string]bool
	inserted []model.Memory
}

func newFakeStore() *fakeStore {
	return &fakeStore{existing: make(map[string]bool)}
}

func (f *fakeStore) ExistingHashes(ctx context.Context, projectPath string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.existing))
	for k, v := range f.existing {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) InsertBatch(ctx context.Context, rows []model.Memory) ([]InsertOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	outcomes := make([]InsertOutcome, len(rows))
	for i, row := range rows {
		f.inserted = append(f.inserted, row)
		f.existing[row.Metadata.Hash] = true
		outcomes[i] = InsertOutcome{Hash: row.Metadata.Hash, ID: fmt.Sprintf("id-%d", len(f.inserted))}
	}
	return outcomes, nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) []float32 {
	return []float32{1, 2, 3}
}

func writeSessionLine(t *testing.T, dir, file, sessionID, project, content, timestamp string) {
	t.Helper()
	path := filepath.Join(dir, "projects", project, file)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	line := fmt.Sprintf(`{"sessionId":%q,"cwd":"/home/me/project","timestamp":%q,"message":{"role":"user","content":%q}}`+"\n",
		sessionID, timestamp, content)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCatchUpInsertsNewEntriesAndDedups(t *testing.T) {
	claudeDir := t.TempDir()
	writeSessionLine(t, claudeDir, "s1.jsonl", "session-1", "-home-me-project", "first real message here", "2026-01-01T00:00:00Z")
	writeSessionLine(t, claudeDir, "s1.jsonl", "session-1", "-home-me-project", "second real message here", "2026-01-01T00:01:00Z")

	store := newFakeStore()
	ig := New(DefaultConfig(), claudeDir, "/home/me/project", store, fakeEmbedder{}, nil, zerolog.Nop())

	stats, err := ig.CatchUp(context.Background())
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if stats.Inserted != 2 {
		t.Fatalf("expected 2 inserted, got %d (stats=%+v)", stats.Inserted, stats)
	}

	stats2, err := ig.CatchUp(context.Background())
	if err != nil {
		t.Fatalf("second catch up: %v", err)
	}
	if stats2.Inserted != 0 {
		t.Fatalf("expected second pass to insert nothing, got %d", stats2.Inserted)
	}
	if stats2.DuplicatesSkipped != 2 {
		t.Fatalf("expected 2 duplicates skipped on second pass, got %d", stats2.DuplicatesSkipped)
	}
}

func TestCatchUpSkipsOutOfScopeEntries(t *testing.T) {
	claudeDir := t.TempDir()
	path := filepath.Join(claudeDir, "projects", "-home-me-project", "s1.jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	line := `{"sessionId":"s1","cwd":"/home/me/other-project","timestamp":"2026-01-01T00:00:00Z","message":{"role":"user","content":"a message from elsewhere"}}` + "\n"
	if err := os.WriteFile(path, []byte(line), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	store := newFakeStore()
	ig := New(DefaultConfig(), claudeDir, "/home/me/project", store, fakeEmbedder{}, nil, zerolog.Nop())

	stats, err := ig.CatchUp(context.Background())
	if err != nil {
		t.Fatalf("catch up: %v", err)
	}
	if stats.Inserted != 0 {
		t.Fatalf("expected 0 inserted for out-of-scope entry, got %d", stats.Inserted)
	}
	if stats.OutOfScopeSkipped != 1 {
		t.Fatalf("expected 1 out-of-scope skip, got %d", stats.OutOfScopeSkipped)
	}
}

func TestParseNewEntriesRespectsSinceMs(t *testing.T) {
	claudeDir := t.TempDir()
	writeSessionLine(t, claudeDir, "s1.jsonl", "session-1", "-home-me-project", "an old message here", "2026-01-01T00:00:00Z")
	writeSessionLine(t, claudeDir, "s1.jsonl", "session-1", "-home-me-project", "a fresh message here", "2026-01-02T00:00:00Z")

	store := newFakeStore()
	ig := New(DefaultConfig(), claudeDir, "/home/me/project", store, fakeEmbedder{}, nil, zerolog.Nop())

	since := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	stats, err := ig.ParseNewEntries(context.Background(), since)
	if err != nil {
		t.Fatalf("parse new entries: %v", err)
	}
	if stats.Inserted != 1 {
		t.Fatalf("expected only the newer entry inserted, got %d", stats.Inserted)
	}
}
