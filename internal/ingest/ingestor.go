package ingest

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/specmem/specmem/internal/eventbus"
	"github.com/specmem/specmem/internal/model"
)

// Embedder produces a fixed-dimension vector for text. The production
// embedclient.Client never returns an error — it degrades to a local
// fallback vector internally — so the ingestor's batch path never
// needs to special-case an embedding failure beyond what Embed already
// absorbs.
type Embedder interface {
	Embed(ctx context.Context, text string) []float32
}

// Stats summarizes one catch-up or incremental pass.
type Stats struct {
	FilesScanned      int
	LinesRead         int
	ParseErrors       int
	EntriesParsed     int
	DuplicatesSkipped int
	OutOfScopeSkipped int
	Embedded          int
	Inserted          int
	AckFailures       int
	FailedBatches     int
}

// Ingestor discovers, parses, dedups, embeds, and inserts session
// entries for a single project.
type Ingestor struct {
	cfg         Config
	claudeDir   string
	projectPath string
	store       Store
	embedder    Embedder
	bus         *eventbus.Bus
	log         zerolog.Logger

	mu sync.Mutex // serializes catch-up/incremental passes per project
}

// ProjectPath returns the project this ingestor was constructed for.
func (ig *Ingestor) ProjectPath() string { return ig.projectPath }

// New constructs an Ingestor for one project.
func New(cfg Config, claudeDir, projectPath string, store Store, embedder Embedder, bus *eventbus.Bus, log zerolog.Logger) *Ingestor {
	return &Ingestor{
		cfg:         cfg,
		claudeDir:   claudeDir,
		projectPath: projectPath,
		store:       store,
		embedder:    embedder,
		bus:         bus,
		log:         log,
	}
}

// CatchUp performs a full newest-first pass over every discoverable
// session file for the project.
func (ig *Ingestor) CatchUp(ctx context.Context) (Stats, error) {
	files, err := DiscoverFiles(ig.claudeDir, ig.projectPath)
	if err != nil {
		return Stats{}, fmt.Errorf("discover session files: %w", err)
	}
	return ig.run(ctx, files, 0)
}

// ParseNewEntries restricts discovery to files modified after sinceMs,
// then yields only entries whose own timestamp exceeds sinceMs.
func (ig *Ingestor) ParseNewEntries(ctx context.Context, sinceMs int64) (Stats, error) {
	files, err := DiscoverSince(ig.claudeDir, ig.projectPath, sinceMs)
	if err != nil {
		return Stats{}, fmt.Errorf("discover session files since %d: %w", sinceMs, err)
	}
	return ig.run(ctx, files, sinceMs)
}

func (ig *Ingestor) run(ctx context.Context, files []discoveredFile, sinceMs int64) (Stats, error) {
	ig.mu.Lock()
	defer ig.mu.Unlock()

	stats := Stats{}
	existing, err := ig.store.ExistingHashes(ctx, ig.projectPath)
	if err != nil {
		return stats, fmt.Errorf("prefetch existing hashes: %w", err)
	}

	var batch []model.Memory
	var batchBytes int64
	batchStart := time.Now()
	// flush inserts the pending batch. A failure (e.g. a unique-constraint
	// race under concurrent ingestion) rolls back only this batch; it is
	// counted and logged, never aborts the remaining files in the pass.
	flush := func() {
		if len(batch) == 0 {
			return
		}
		n, acks, err := ig.insertBatch(ctx, batch)
		stats.Inserted += n
		stats.AckFailures += acks
		if err != nil {
			stats.FailedBatches++
			ig.log.Error().Err(err).Int("batch_size", len(batch)).Msg("batch insert failed, continuing with remaining files")
		}
		batch = batch[:0]
	}

	for _, f := range files {
		stats.FilesScanned++
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		lines, err := readLinesReversed(f.Path)
		if err != nil {
			ig.log.Warn().Err(err).Str("file", f.Path).Msg("failed to read session file")
			continue
		}

		consecutiveDup := 0
		parseErrs := 0
		for _, line := range lines {
			stats.LinesRead++
			entry, perr := ParseLine(line)
			if perr != nil {
				parseErrs++
				stats.ParseErrors++
				if parseErrs <= 5 {
					ig.log.Debug().Err(perr).Str("file", f.Path).Msg("session line parse error")
				}
				continue
			}
			if entry == nil {
				continue
			}
			if sinceMs > 0 && entry.Timestamp.UnixMilli() <= sinceMs {
				continue
			}
			if !InProjectScope(entry.Project, ig.projectPath) {
				stats.OutOfScopeSkipped++
				continue
			}

			entryHash, herr := EntryHash(entry.SessionID, entry.Timestamp)
			if herr != nil {
				stats.ParseErrors++
				continue
			}
			entry.EntryHash = entryHash
			entry.ContentHash = ContentHash(entry.Role, entry.Content)

			if existing[entryHash] {
				stats.DuplicatesSkipped++
				consecutiveDup++
				if consecutiveDup >= ig.cfg.ConsecutiveDuplicateExit {
					ig.log.Debug().Str("file", f.Path).Msg("early exit after consecutive known hashes")
					break
				}
				continue
			}
			consecutiveDup = 0
			stats.EntriesParsed++

			mem := ig.buildMemory(*entry)
			batch = append(batch, mem)
			existing[entryHash] = true
			batchBytes += int64(len(entry.Content))

			if len(batch) >= ig.cfg.BatchSize {
				flush()
				ig.throttle(ctx, batchBytes, time.Since(batchStart))
				batchBytes = 0
				batchStart = time.Now()
			}
		}

		if len(lines) > 10 && parseErrs*10 > len(lines) {
			ig.log.Warn().Str("file", f.Path).Int("parse_errors", parseErrs).Msg("high parse error rate for file")
		}
	}

	flush()

	if ig.bus != nil {
		ig.bus.Post(eventbus.New(eventbus.EventIngestBatch, ig.projectPath, stats)).Async()
	}
	return stats, nil
}

func (ig *Ingestor) buildMemory(entry model.SessionEntry) model.Memory {
	return model.Memory{
		Content: FormatContent(entry),
		Role:    entry.Role,
		Tags:    sessionTags(entry.Tag),
		Metadata: model.MemoryMetadata{
			SessionID:   entry.SessionID,
			Timestamp:   entry.Timestamp.Unix(),
			TimestampMS: entry.Timestamp.UnixMilli(),
			Role:        entry.Role,
			MessageID:   entry.MessageID,
			Hash:        entry.EntryHash,
			ContentHash: entry.ContentHash,
		},
		ProjectPath: ig.projectPath,
		CreatedAt:   time.Now(),
	}
}

// sessionTags tags every ingested row claude-session (the set
// ExistingHashes deduplicates against) plus the entry's own tag.
func sessionTags(tag string) []string {
	if tag == "" || tag == model.TagClaudeSession {
		return []string{model.TagClaudeSession}
	}
	return []string{model.TagClaudeSession, tag}
}

// insertBatch embeds each memory concurrently (each guarded
// individually so one failure cannot fail the batch) and inserts the
// successes, preserving positional pairing between an entry and its
// embedding.
func (ig *Ingestor) insertBatch(ctx context.Context, batch []model.Memory) (inserted, ackFailures int, err error) {
	embeddings := make([][]float32, len(batch))
	var wg sync.WaitGroup
	for i := range batch {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					ig.log.Error().Interface("panic", r).Msg("embedding goroutine panicked")
				}
			}()
			embeddings[i] = ig.embedder.Embed(ctx, batch[i].Content)
		}(i)
	}
	wg.Wait()

	var ready []model.Memory
	for i, emb := range embeddings {
		if emb == nil {
			continue
		}
		batch[i].Embedding = emb
		ready = append(ready, batch[i])
	}

	outcomes, err := ig.store.InsertBatch(ctx, ready)
	if err != nil {
		return 0, 0, fmt.Errorf("insert batch: %w", err)
	}
	for _, o := range outcomes {
		if o.Err != nil || o.ID == "" {
			ackFailures++
			ig.log.Warn().Str("hash", o.Hash).Msg("insert produced no id, ack failure")
			continue
		}
		inserted++
	}
	return inserted, ackFailures, nil
}

// throttle enforces an approximate throughput ceiling by sleeping a
// fixed chunk delay if the batch was processed faster than the
// expected duration for its byte size.
func (ig *Ingestor) throttle(ctx context.Context, bytes int64, elapsed time.Duration) {
	if ig.cfg.ThroughputBytesPerSec <= 0 || bytes <= 0 {
		return
	}
	expected := time.Duration(float64(bytes) / float64(ig.cfg.ThroughputBytesPerSec) * float64(time.Second))
	if elapsed < expected {
		select {
		case <-ctx.Done():
		case <-time.After(ig.cfg.ChunkDelay):
		}
	}
}

// readLinesReversed returns a file's non-empty lines in reverse order,
// so the newest entries (assumed to be at the end of an
// append-only log) are processed first.
func readLinesReversed(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}
