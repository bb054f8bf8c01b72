package coordination

import (
	"context"
	"fmt"
	"strings"

	"github.com/specmem/specmem/internal/eventbus"
	"github.com/specmem/specmem/internal/model"
	"github.com/specmem/specmem/internal/specerr"
)

// RequestHelp inserts an open help request and broadcasts it at high
// priority so other agents can respond.
func (s *Store) RequestHelp(ctx context.Context, agentID, question, context_, senderName string, skillsNeeded []string) (model.HelpRequest, error) {
	var req model.HelpRequest
	err := s.pool.QueryRow(ctx, `
		INSERT INTO help_requests (question, context, requested_by, project_path)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		RETURNING id`,
		question, context_, agentID, s.projectPath,
	).Scan(&req.ID)
	if err != nil {
		return model.HelpRequest{}, specerr.Wrap(specerr.KindStorage, "request help", err)
	}
	req.Question = question
	req.Context = context_
	req.RequestedBy = agentID
	req.Status = model.HelpOpen
	req.ProjectPath = s.projectPath

	content := fmt.Sprintf("help requested (#%s) by @%s: %s", req.ID, agentID, question)
	if len(skillsNeeded) > 0 {
		content += fmt.Sprintf(" [skills: %s]", strings.Join(skillsNeeded, ", "))
	}
	if _, err := s.BroadcastToTeam(ctx, agentID, senderName, content, BroadcastAnnouncement, model.PriorityHigh, false); err != nil {
		s.log.Debug().Err(err).Msg("failed to broadcast help request")
	}

	s.emit(eventbus.EventCoordinationHelp, agentID, req)
	return req, nil
}

// RespondToHelp posts a help-response message referencing requestID,
// marks the request answered if it was still open, and sends a direct
// notification mentioning the original requester.
func (s *Store) RespondToHelp(ctx context.Context, responderID, senderName, requestID, response string) error {
	var requestedBy, status string
	err := s.pool.QueryRow(ctx, `
		SELECT requested_by, status FROM help_requests WHERE id = $1 AND project_path = $2`,
		requestID, s.projectPath,
	).Scan(&requestedBy, &status)
	if err != nil {
		return specerr.ErrNotFound
	}

	content := fmt.Sprintf("@%s re #%s: %s", requestedBy, requestID, response)
	if _, err := s.SendMessage(ctx, responderID, SendMessageRequest{
		Content:    content,
		Type:       model.MessageHelpResponse,
		Priority:   model.PriorityHigh,
		Channel:    "main",
		SenderName: senderName,
	}); err != nil {
		return err
	}

	if status == string(model.HelpOpen) {
		if _, err := s.pool.Exec(ctx, `UPDATE help_requests SET status = 'answered' WHERE id = $1`, requestID); err != nil {
			return specerr.Wrap(specerr.KindStorage, "mark help request answered", err)
		}
	}
	return nil
}
