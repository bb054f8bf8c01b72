package coordination

import (
	"context"
	"time"

	"github.com/specmem/specmem/internal/model"
	"github.com/specmem/specmem/internal/specerr"
)

// TeamStatus is the summary returned by GetTeamStatus.
type TeamStatus struct {
	ActiveClaims     []model.TaskClaim
	RecentMessages   []model.Message
	OpenHelpRequests int
}

// GetTeamStatus returns up to 5 active claims, 3 most recent messages,
// and the count of open help requests, all scoped to this project.
func (s *Store) GetTeamStatus(ctx context.Context) (TeamStatus, error) {
	var status TeamStatus

	claimRows, err := s.pool.Query(ctx, `
		SELECT id, description, files, claimed_by, claimed_at, status
		FROM task_claims WHERE project_path = $1 AND status = 'active'
		ORDER BY claimed_at DESC LIMIT 5`, s.projectPath)
	if err != nil {
		return status, specerr.Wrap(specerr.KindStorage, "query active claims", err)
	}
	for claimRows.Next() {
		var c model.TaskClaim
		var statusStr string
		if err := claimRows.Scan(&c.ID, &c.Description, &c.Files, &c.ClaimedBy, &c.ClaimedAt, &statusStr); err != nil {
			claimRows.Close()
			return status, specerr.Wrap(specerr.KindStorage, "scan active claim", err)
		}
		c.Status = model.ClaimStatus(statusStr)
		c.ProjectPath = s.projectPath
		status.ActiveClaims = append(status.ActiveClaims, c)
	}
	claimRows.Close()
	if err := claimRows.Err(); err != nil {
		return status, specerr.Wrap(specerr.KindStorage, "active claims rows", err)
	}

	msgRows, err := s.pool.Query(ctx, `
		SELECT id, channel_id, sender_id, sender_name, content, type, priority, created_at
		FROM messages WHERE project_path = $1
		ORDER BY created_at DESC LIMIT 3`, s.projectPath)
	if err != nil {
		return status, specerr.Wrap(specerr.KindStorage, "query recent messages", err)
	}
	for msgRows.Next() {
		var m model.Message
		var msgType, priority string
		if err := msgRows.Scan(&m.ID, &m.ChannelID, &m.SenderID, &m.SenderName, &m.Content, &msgType, &priority, &m.CreatedAt); err != nil {
			msgRows.Close()
			return status, specerr.Wrap(specerr.KindStorage, "scan recent message", err)
		}
		m.Type = model.MessageType(msgType)
		m.Priority = model.MessagePriority(priority)
		m.ProjectPath = s.projectPath
		status.RecentMessages = append(status.RecentMessages, m)
	}
	msgRows.Close()
	if err := msgRows.Err(); err != nil {
		return status, specerr.Wrap(specerr.KindStorage, "recent messages rows", err)
	}

	err = s.pool.QueryRow(ctx, `
		SELECT count(*) FROM help_requests WHERE project_path = $1 AND status = 'open'`,
		s.projectPath).Scan(&status.OpenHelpRequests)
	if err != nil {
		return status, specerr.Wrap(specerr.KindStorage, "count open help requests", err)
	}

	return status, nil
}

// ClearOptions controls ClearTeamMessages.
type ClearOptions struct {
	Confirm          bool
	OlderThanMinutes int
	ClearClaims      bool
	ClearHelpRequests bool
}

// ClearTeamMessages resets the session-start snapshot first (so reads
// stop seeing old content even if the delete below partially fails),
// then deletes messages and, optionally, claims and help requests for
// this project.
func (s *Store) ClearTeamMessages(ctx context.Context, opts ClearOptions) error {
	if !opts.Confirm {
		return specerr.New(specerr.KindInvalidInput, "clear_team_messages requires confirm=true")
	}

	s.resetSessionStart()

	var cutoff *time.Time
	if opts.OlderThanMinutes > 0 {
		t := time.Now().Add(-time.Duration(opts.OlderThanMinutes) * time.Minute)
		cutoff = &t
	}

	if cutoff != nil {
		if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE project_path = $1 AND created_at < $2`, s.projectPath, *cutoff); err != nil {
			return specerr.Wrap(specerr.KindStorage, "clear old messages", err)
		}
	} else {
		if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE project_path = $1`, s.projectPath); err != nil {
			return specerr.Wrap(specerr.KindStorage, "clear messages", err)
		}
	}

	if opts.ClearClaims {
		if _, err := s.pool.Exec(ctx, `DELETE FROM task_claims WHERE project_path = $1`, s.projectPath); err != nil {
			return specerr.Wrap(specerr.KindStorage, "clear claims", err)
		}
	}
	if opts.ClearHelpRequests {
		if _, err := s.pool.Exec(ctx, `DELETE FROM help_requests WHERE project_path = $1`, s.projectPath); err != nil {
			return specerr.Wrap(specerr.KindStorage, "clear help requests", err)
		}
	}

	return nil
}
