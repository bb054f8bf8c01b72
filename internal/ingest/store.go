package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/specmem/specmem/internal/model"
	"github.com/specmem/specmem/internal/pgstore"
)

// Store is the persistence boundary the ingestor depends on. The
// production implementation is PGStore; tests substitute an in-memory
// fake so the parsing and batching logic can be exercised without a
// live database.
type Store interface {
	ExistingHashes(ctx context.Context, projectPath string) (map[string]bool, error)
	InsertBatch(ctx context.Context, rows []model.Memory) ([]InsertOutcome, error)
}

// InsertOutcome reports whether one row of a batch insert produced an
// id. A missing id is an acknowledgment failure for that row, logged
// by the caller but never aborting the rest of the batch.
type InsertOutcome struct {
	Hash string
	ID   string
	Err  error
}

// PGStore persists memories into the current project's schema.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore wraps an already-bootstrapped project pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// ExistingHashes bulk-fetches every metadata.hash already recorded for
// claude-session rows in projectPath, for pre-insert deduplication.
func (s *PGStore) ExistingHashes(ctx context.Context, projectPath string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT metadata->>'hash' FROM memories
		WHERE project_path = $1 AND tags @> ARRAY['claude-session']`, projectPath)
	if err != nil {
		return nil, fmt.Errorf("fetch existing hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan existing hash: %w", err)
		}
		out[hash] = true
	}
	return out, rows.Err()
}

// InsertBatch inserts rows in a single transaction and returns one
// InsertOutcome per row, in the same order.
func (s *PGStore) InsertBatch(ctx context.Context, rows []model.Memory) ([]InsertOutcome, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin insert batch: %w", err)
	}
	defer tx.Rollback(ctx)

	var valueClauses []string
	args := make([]any, 0, len(rows)*6)
	for i, row := range rows {
		meta, err := json.Marshal(row.Metadata)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		base := i * 6
		valueClauses = append(valueClauses, fmt.Sprintf(
			"($%d, $%d, $%d, $%d::jsonb, $%d::vector, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, row.Content, row.Role, row.Tags, string(meta), pgstore.FormatVector(row.Embedding), row.ProjectPath)
	}

	query := fmt.Sprintf(`
		INSERT INTO memories (content, role, tags, metadata, embedding, project_path)
		VALUES %s
		RETURNING id, metadata->>'hash'`, strings.Join(valueClauses, ","))

	resultRows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	byHash := make(map[string]string)
	for resultRows.Next() {
		var id, hash string
		if err := resultRows.Scan(&id, &hash); err != nil {
			resultRows.Close()
			return nil, fmt.Errorf("scan inserted row: %w", err)
		}
		byHash[hash] = id
	}
	resultRows.Close()
	if err := resultRows.Err(); err != nil {
		return nil, fmt.Errorf("insert batch rows: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit insert batch: %w", err)
	}

	outcomes := make([]InsertOutcome, len(rows))
	for i, row := range rows {
		id, ok := byHash[row.Metadata.Hash]
		outcomes[i] = InsertOutcome{Hash: row.Metadata.Hash}
		if ok {
			outcomes[i].ID = id
		} else {
			outcomes[i].Err = fmt.Errorf("no id returned for hash %s", row.Metadata.Hash)
		}
	}
	return outcomes, nil
}
