// Package ingest discovers and parses external session files,
// deduplicates and embeds their entries, and batch-inserts them as
// memories.
package ingest

import "time"

// Config controls the ingestor's throttling and watcher behavior.
type Config struct {
	BatchSize                  int
	ThroughputBytesPerSec      int64
	ChunkDelay                 time.Duration
	ConsecutiveDuplicateExit   int
	WatcherDebounce            time.Duration
	WatcherHeartbeat           time.Duration
	StartupGracePeriod         time.Duration
	WatcherStaleWarning        time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:                100,
		ThroughputBytesPerSec:    100 * 1024 * 1024,
		ChunkDelay:               10 * time.Millisecond,
		ConsecutiveDuplicateExit: 50,
		WatcherDebounce:          2 * time.Second,
		WatcherHeartbeat:         30 * time.Second,
		StartupGracePeriod:       60 * time.Second,
		WatcherStaleWarning:      5 * time.Minute,
	}
}
