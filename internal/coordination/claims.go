package coordination

import (
	"context"
	"fmt"
	"strings"

	"github.com/specmem/specmem/internal/eventbus"
	"github.com/specmem/specmem/internal/model"
	"github.com/specmem/specmem/internal/specerr"
)

// ClaimTask creates an active claim for agentID over files. Files
// already claimed by a different agent in this project are reported
// as warnings, never rejected.
func (s *Store) ClaimTask(ctx context.Context, agentID, description string, files []string) (model.TaskClaim, []string, error) {
	warnings, err := s.overlapWarnings(ctx, agentID, files)
	if err != nil {
		return model.TaskClaim{}, nil, err
	}

	var claim model.TaskClaim
	err = s.pool.QueryRow(ctx, `
		INSERT INTO task_claims (description, files, claimed_by, project_path)
		VALUES ($1, $2, $3, $4)
		RETURNING id, claimed_at`,
		description, files, agentID, s.projectPath,
	).Scan(&claim.ID, &claim.ClaimedAt)
	if err != nil {
		return model.TaskClaim{}, nil, specerr.Wrap(specerr.KindStorage, "claim task", err)
	}
	claim.Description = description
	claim.Files = files
	claim.ClaimedBy = agentID
	claim.Status = model.ClaimActive
	claim.ProjectPath = s.projectPath

	if _, err := s.SendMessage(ctx, agentID, SendMessageRequest{
		Content:  fmt.Sprintf("claimed task: %s (%s)", description, strings.Join(files, ", ")),
		Type:     model.MessageStatus,
		Priority: model.PriorityNormal,
		Channel:  "main",
	}); err != nil {
		s.log.Debug().Err(err).Msg("failed to announce task claim")
	}

	s.emit(eventbus.EventCoordinationClaim, agentID, claim)
	return claim, warnings, nil
}

func (s *Store) overlapWarnings(ctx context.Context, agentID string, files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT id, claimed_by, unnest(files) AS file
		FROM task_claims
		WHERE status = 'active' AND project_path = $1 AND claimed_by != $2 AND files && $3`,
		s.projectPath, agentID, files)
	if err != nil {
		return nil, specerr.Wrap(specerr.KindStorage, "check claim overlap", err)
	}
	defer rows.Close()

	requested := make(map[string]bool, len(files))
	for _, f := range files {
		requested[f] = true
	}
	var warnings []string
	for rows.Next() {
		var id, claimedBy, file string
		if err := rows.Scan(&id, &claimedBy, &file); err != nil {
			return nil, specerr.Wrap(specerr.KindStorage, "scan claim overlap", err)
		}
		if !requested[file] {
			continue
		}
		warnings = append(warnings, overlapWarningMessage(file, claimedBy, id))
	}
	return warnings, rows.Err()
}

func overlapWarningMessage(file, claimedBy, id string) string {
	return fmt.Sprintf("File %q is already claimed by %s (claim: %s)", file, claimedBy, id)
}

// ReleaseTask releases claimID. claimID "all" releases every active
// claim held by agentID. With files, only those files are removed
// from the claim, releasing it entirely once empty.
func (s *Store) ReleaseTask(ctx context.Context, agentID, claimID string, files []string) error {
	if claimID == "all" {
		_, err := s.pool.Exec(ctx, `
			UPDATE task_claims SET status = 'released'
			WHERE claimed_by = $1 AND project_path = $2 AND status = 'active'`,
			agentID, s.projectPath)
		if err != nil {
			return specerr.Wrap(specerr.KindStorage, "release all claims", err)
		}
		return s.announceRelease(ctx, agentID, "released all claims")
	}

	var claim model.TaskClaim
	var statusStr string
	err := s.pool.QueryRow(ctx, `
		SELECT description, files, claimed_by, status FROM task_claims WHERE id = $1 AND project_path = $2`,
		claimID, s.projectPath,
	).Scan(&claim.Description, &claim.Files, &claim.ClaimedBy, &statusStr)
	if err != nil {
		return specerr.ErrNotFound
	}
	claim.Status = model.ClaimStatus(statusStr)

	if claim.ClaimedBy != agentID {
		return specerr.ErrForbidden
	}
	if claim.Status == model.ClaimReleased {
		return specerr.ErrAlreadyReleased
	}

	if len(files) == 0 {
		_, err := s.pool.Exec(ctx, `UPDATE task_claims SET status = 'released' WHERE id = $1`, claimID)
		if err != nil {
			return specerr.Wrap(specerr.KindStorage, "release claim", err)
		}
		return s.announceRelease(ctx, agentID, fmt.Sprintf("released task: %s", claim.Description))
	}

	remaining := subtractFiles(claim.Files, files)
	if len(remaining) == 0 {
		_, err := s.pool.Exec(ctx, `UPDATE task_claims SET status = 'released' WHERE id = $1`, claimID)
		if err != nil {
			return specerr.Wrap(specerr.KindStorage, "release claim", err)
		}
	} else {
		_, err := s.pool.Exec(ctx, `UPDATE task_claims SET files = $1 WHERE id = $2`, remaining, claimID)
		if err != nil {
			return specerr.Wrap(specerr.KindStorage, "partially release claim", err)
		}
	}
	return s.announceRelease(ctx, agentID, fmt.Sprintf("released files from task: %s", claim.Description))
}

func (s *Store) announceRelease(ctx context.Context, agentID, content string) error {
	_, err := s.SendMessage(ctx, agentID, SendMessageRequest{
		Content:  content,
		Type:     model.MessageStatus,
		Priority: model.PriorityNormal,
		Channel:  "main",
	})
	if err != nil {
		s.log.Debug().Err(err).Msg("failed to announce task release")
	}
	return nil
}

func subtractFiles(have, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, f := range remove {
		removeSet[f] = true
	}
	var out []string
	for _, f := range have {
		if !removeSet[f] {
			out = append(out, f)
		}
	}
	return out
}
