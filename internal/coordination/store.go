package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/specmem/specmem/internal/eventbus"
	"github.com/specmem/specmem/internal/model"
	"github.com/specmem/specmem/internal/project"
)

// Store persists channels, messages, task claims, and help requests
// for one project. All writes and reads run against the connection
// pool's search_path, which pgstore.Manager pins to this project's
// schema at connect time.
type Store struct {
	pool          *pgxpool.Pool
	projectPath   string
	assignmentDir string
	bus           *eventbus.Bus
	log           zerolog.Logger

	mu           sync.RWMutex
	sessionStart time.Time
}

// New constructs a Store for projectPath against an already-bootstrapped
// pool (see pgstore.Manager.PoolFor).
func New(pool *pgxpool.Pool, projectPath string, bus *eventbus.Bus, log zerolog.Logger) *Store {
	return &Store{
		pool:          pool,
		projectPath:   projectPath,
		assignmentDir: project.ChannelAssignmentDir(projectPath),
		bus:           bus,
		log:           log,
		sessionStart:  time.Now(),
	}
}

// Bootstrap provisions the project's fixed channels if absent and
// records the process's session-start snapshot used to filter reads.
// pgstore.Bootstrap has already created the tables; this only seeds
// rows scoped to this project.
func (s *Store) Bootstrap(ctx context.Context) error {
	for _, name := range model.FixedChannelNames {
		id := project.ChannelID(s.projectPath, name)
		channelType := model.ChannelDefault
		switch name {
		case "broadcast":
			channelType = model.ChannelBroadcast
		case "main":
			channelType = model.ChannelDefault
		default:
			channelType = model.ChannelDefault
		}
		_, err := s.pool.Exec(ctx, `
			INSERT INTO channels (id, name, type, project_path)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO NOTHING`,
			id, name, string(channelType), s.projectPath)
		if err != nil {
			return fmt.Errorf("provision channel %q: %w", name, err)
		}
	}

	s.mu.Lock()
	s.sessionStart = time.Now()
	s.mu.Unlock()
	return nil
}

// SessionStart returns the process-local snapshot reads filter
// against. A second process reading this project concurrently holds
// its own snapshot, so a clear_team_messages call in one process is
// not immediately visible in another's filtered reads.
func (s *Store) SessionStart() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionStart
}

func (s *Store) resetSessionStart() {
	s.mu.Lock()
	s.sessionStart = time.Now()
	s.mu.Unlock()
}

// resolveChannelID maps a channel name (or task/project identifier)
// to its stable channel id, upserting a task or project channel row
// on demand.
func (s *Store) resolveChannelID(ctx context.Context, channel, taskID, projectID string) (string, error) {
	switch channel {
	case "main", "default", "":
		return project.ChannelID(s.projectPath, "main"), nil
	case "broadcast":
		return project.ChannelID(s.projectPath, "broadcast"), nil
	case "swarm-1", "swarm-2", "swarm-3", "swarm-4", "swarm-5":
		return project.ChannelID(s.projectPath, channel), nil
	}

	if taskID != "" {
		return s.upsertDerivedChannel(ctx, "task:"+taskID, taskID, model.ChannelTask)
	}
	if projectID != "" {
		return s.upsertDerivedChannel(ctx, "project:"+projectID, projectID, model.ChannelProject)
	}
	return project.ChannelID(s.projectPath, "main"), nil
}

func (s *Store) upsertDerivedChannel(ctx context.Context, idSeed, displayName string, channelType model.ChannelType) (string, error) {
	id := project.ChannelID(s.projectPath, idSeed)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO channels (id, name, type, project_path)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		id, displayName, string(channelType), s.projectPath)
	if err != nil {
		return "", fmt.Errorf("upsert derived channel %q: %w", displayName, err)
	}
	return id, nil
}

func (s *Store) touchChannel(ctx context.Context, channelID string) {
	_, err := s.pool.Exec(ctx, `UPDATE channels SET last_activity = now() WHERE id = $1`, channelID)
	if err != nil {
		s.log.Debug().Err(err).Str("channel_id", channelID).Msg("failed to update channel last_activity")
	}
}

func (s *Store) emit(eventType, agentID string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Post(eventbus.New(eventType, agentID, payload)).Async()
}
