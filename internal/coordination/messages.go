package coordination

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/specmem/specmem/internal/eventbus"
	"github.com/specmem/specmem/internal/model"
	"github.com/specmem/specmem/internal/project"
	"github.com/specmem/specmem/internal/specerr"
)

// SendMessageRequest is the input to SendMessage.
type SendMessageRequest struct {
	Content    string
	Type       model.MessageType
	Priority   model.MessagePriority
	Channel    string
	TaskID     string
	ProjectID  string
	ThreadID   string
	SenderName string
}

// SendMessage inserts a message into the resolved channel on behalf
// of senderID, enforcing channel assignment and parsing @mentions.
func (s *Store) SendMessage(ctx context.Context, senderID string, req SendMessageRequest) (model.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		return model.Message{}, specerr.New(specerr.KindInvalidInput, "message content must not be empty")
	}

	if err := s.enforceChannelAssignment(senderID, req.Channel); err != nil {
		return model.Message{}, err
	}

	channelID, err := s.resolveChannelID(ctx, req.Channel, req.TaskID, req.ProjectID)
	if err != nil {
		return model.Message{}, err
	}

	priority := req.Priority
	if priority == "" {
		priority = model.PriorityNormal
	}
	mentions := ParseMentions(req.Content)

	var msg model.Message
	err = s.pool.QueryRow(ctx, `
		INSERT INTO messages (channel_id, sender_id, sender_name, content, type, priority, thread_id, mentions, project_path)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
		RETURNING id, created_at`,
		channelID, senderID, req.SenderName, req.Content, string(req.Type), string(priority), req.ThreadID, mentions, s.projectPath,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return model.Message{}, specerr.Wrap(specerr.KindStorage, "insert message", err)
	}

	msg.ChannelID = channelID
	msg.SenderID = senderID
	msg.SenderName = req.SenderName
	msg.Content = req.Content
	msg.Type = req.Type
	msg.Priority = priority
	msg.ThreadID = req.ThreadID
	msg.Mentions = mentions
	msg.ProjectPath = s.projectPath

	s.touchChannel(ctx, channelID)
	s.writeLatestMessageState(msg)
	s.emit(eventbus.EventCoordinationMessage, senderID, msg)
	return msg, nil
}

// enforceChannelAssignment rejects a post outside an agent's assigned
// channel: an agent with a recorded non-{main,default,broadcast}
// assignment may only post to main, default, broadcast, or its own
// assigned channel.
func (s *Store) enforceChannelAssignment(agentID, requestedChannel string) error {
	assigned, ok := lookupChannelAssignment(s.assignmentDir, agentID)
	if !ok {
		return nil
	}
	if assigned == "main" || assigned == "default" || assigned == "broadcast" {
		return nil
	}
	allowed := requestedChannel == "main" || requestedChannel == "default" ||
		requestedChannel == "broadcast" || requestedChannel == assigned
	if !allowed {
		return specerr.New(specerr.KindForbidden,
			"Agents can only post to their assigned channel or main; to reach other swarms, post to main and @mention them")
	}
	return nil
}

type latestMessageState struct {
	ChannelID string    `json:"channel_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// writeLatestMessageState writes a compact snapshot of the latest team
// message for external UI consumption. Best-effort: failures are
// logged, never returned to the caller.
func (s *Store) writeLatestMessageState(msg model.Message) {
	path := filepath.Join(s.projectPath, "specmem", "sockets", "latest_message.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.log.Debug().Err(err).Msg("failed to create sockets directory for latest-message state")
		return
	}
	data, err := json.Marshal(latestMessageState{
		ChannelID: msg.ChannelID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	})
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.log.Debug().Err(err).Msg("failed to write latest-message state file")
	}
}

// ReadOptions controls ReadMessages filtering.
type ReadOptions struct {
	Limit             int
	Since             *time.Time
	Channel           string
	TaskID            string
	ProjectID         string
	MentionsOnly      bool
	UnreadOnly        bool
	IncludeBroadcasts bool
	IncludeSwarms     bool
}

const (
	defaultReadLimit = 10
	maxReadLimit     = 100
)

// ReadMessages returns messages visible to agentID under opts, marking
// returned rows as read by agentID.
func (s *Store) ReadMessages(ctx context.Context, agentID string, opts ReadOptions) ([]model.Message, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	if limit > maxReadLimit {
		limit = maxReadLimit
	}

	channelIDs, err := s.channelIDsForRead(ctx, opts)
	if err != nil {
		return nil, err
	}

	args := []any{channelIDs, s.projectPath}
	where := []string{"channel_id = ANY($1)", "project_path = $2"}

	since := s.SessionStart()
	if opts.Since != nil && opts.Since.After(since) {
		since = *opts.Since
	}
	args = append(args, since)
	where = append(where, fmt.Sprintf("created_at > $%d", len(args)))

	if opts.MentionsOnly {
		args = append(args, agentID)
		where = append(where, fmt.Sprintf("$%d = ANY(mentions)", len(args)))
	}
	if opts.UnreadOnly {
		args = append(args, agentID)
		where = append(where, fmt.Sprintf("NOT ($%d = ANY(read_by))", len(args)))
	}

	const selectCols = `id, channel_id, sender_id, sender_name, content, type, priority,
			COALESCE(thread_id, ''), mentions, read_by, project_path, created_at`

	query := fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE %s`, selectCols, strings.Join(where, " AND "))

	if opts.IncludeBroadcasts {
		args = append(args, since)
		query = fmt.Sprintf(`%s
		UNION ALL
		SELECT %s
		FROM messages
		WHERE project_path = '/' AND created_at > $%d`, query, selectCols, len(args))
	}

	query = fmt.Sprintf("%s\n\t\tORDER BY created_at DESC\n\t\tLIMIT %d", query, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, specerr.Wrap(specerr.KindStorage, "read messages", err)
	}
	defer rows.Close()

	var out []model.Message
	var ids []string
	for rows.Next() {
		var m model.Message
		var msgType, priority string
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &m.Content, &msgType, &priority,
			&m.ThreadID, &m.Mentions, &m.ReadBy, &m.ProjectPath, &m.CreatedAt); err != nil {
			return nil, specerr.Wrap(specerr.KindStorage, "scan message row", err)
		}
		m.Type = model.MessageType(msgType)
		m.Priority = model.MessagePriority(priority)
		out = append(out, m)
		ids = append(ids, m.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, specerr.Wrap(specerr.KindStorage, "read messages rows", err)
	}

	if len(ids) > 0 {
		if _, err := s.pool.Exec(ctx, `
			UPDATE messages SET read_by = array_append(read_by, $1)
			WHERE id = ANY($2) AND NOT ($1 = ANY(read_by))`, agentID, ids); err != nil {
			s.log.Debug().Err(err).Msg("failed to mark messages read")
		}
	}

	return out, nil
}

func (s *Store) channelIDsForRead(ctx context.Context, opts ReadOptions) ([]string, error) {
	channel := opts.Channel
	if channel == "" {
		channel = "main"
	}

	var ids []string
	if channel == "all" {
		ids = append(ids, project.ChannelID(s.projectPath, "main"))
		for i := 1; i <= 5; i++ {
			ids = append(ids, project.ChannelID(s.projectPath, fmt.Sprintf("swarm-%d", i)))
		}
	} else {
		id, err := s.resolveChannelID(ctx, channel, opts.TaskID, opts.ProjectID)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if opts.IncludeSwarms && channel != "all" {
		for i := 1; i <= 5; i++ {
			ids = append(ids, project.ChannelID(s.projectPath, fmt.Sprintf("swarm-%d", i)))
		}
	}
	if opts.IncludeBroadcasts {
		ids = append(ids, project.ChannelID(s.projectPath, "broadcast"))
	}
	return ids, nil
}

// BroadcastType enumerates the kinds of team broadcast.
type BroadcastType string

const (
	BroadcastStatus       BroadcastType = "status"
	BroadcastProgress     BroadcastType = "progress"
	BroadcastAnnouncement BroadcastType = "announcement"
)

// BroadcastToTeam writes to the project's broadcast channel. When
// crossProject is true the row is visible to every project via
// project_path='/'.
func (s *Store) BroadcastToTeam(ctx context.Context, senderID, senderName, message string, broadcastType BroadcastType, priority model.MessagePriority, crossProject bool) (model.Message, error) {
	content := fmt.Sprintf("[%s] %s", strings.ToUpper(string(broadcastType)), message)
	if priority == "" {
		priority = model.PriorityNormal
	}

	channelID := project.ChannelID(s.projectPath, "broadcast")
	projectPath := s.projectPath
	if crossProject {
		projectPath = "/"
	}

	var msg model.Message
	err := s.pool.QueryRow(ctx, `
		INSERT INTO messages (channel_id, sender_id, sender_name, content, type, priority, project_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`,
		channelID, senderID, senderName, content, string(model.MessageBroadcast), string(priority), projectPath,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return model.Message{}, specerr.Wrap(specerr.KindStorage, "broadcast to team", err)
	}

	msg.ChannelID = channelID
	msg.SenderID = senderID
	msg.SenderName = senderName
	msg.Content = content
	msg.Type = model.MessageBroadcast
	msg.Priority = priority
	msg.ProjectPath = projectPath

	s.touchChannel(ctx, channelID)
	s.emit(eventbus.EventCoordinationMessage, senderID, msg)
	return msg, nil
}
