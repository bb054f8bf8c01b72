package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/specmem/specmem/internal/model"
)

// rawLine is one line of a session file, as emitted by the host
// assistant's session logger.
type rawLine struct {
	Type         string      `json:"type"`
	SessionID    string      `json:"sessionId"`
	Timestamp    string      `json:"timestamp"`
	CWD          string      `json:"cwd"`
	TeamMemberID string      `json:"teamMemberId"`
	Message      *rawMessage `json:"message"`
}

type rawMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model"`
	Content json.RawMessage `json:"content"`
	Display string          `json:"display"`
}

type rawContentBlock struct {
	Type     string         `json:"type"`
	Text     string         `json:"text"`
	Thinking string         `json:"thinking"`
	Name     string         `json:"name"`
	Input    map[string]any `json:"input"`
}

// ParseLine parses one session-file line into a SessionEntry. A nil
// entry with a nil error means the line was recognized but
// intentionally skipped (snapshot record, sub-agent record, garbage or
// noise content); a non-nil error means the line itself is malformed
// (invalid JSON, a missing or unparseable timestamp, or undecodable
// assistant content) and should count against the per-file
// parse-error budget.
func ParseLine(line []byte) (*model.SessionEntry, error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, nil
	}

	var raw rawLine
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("parse session line: %w", err)
	}

	if raw.Type == "file-history-snapshot" {
		return nil, nil
	}
	if raw.TeamMemberID != "" {
		return nil, nil
	}
	if raw.Message == nil {
		return nil, nil
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse session line timestamp: %w", err)
	}

	switch raw.Message.Role {
	case "user":
		return parseUserLine(raw, ts)
	case "assistant":
		return parseAssistantLine(raw, ts)
	default:
		return nil, nil
	}
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func parseUserLine(raw rawLine, ts time.Time) (*model.SessionEntry, error) {
	content := extractUserContent(raw.Message)
	if isGarbageContent(content) {
		return nil, nil
	}

	entry := &model.SessionEntry{
		SessionID: raw.SessionID,
		Role:      model.RoleUser,
		Timestamp: ts,
		Project:   raw.CWD,
		Content:   content,
		Tag:       model.TagUserPrompt,
	}
	if isContextRestoration(content) {
		entry.Tag = model.TagContextRestoration
	}
	return entry, nil
}

func extractUserContent(msg *rawMessage) string {
	if msg.Display != "" {
		return msg.Display
	}
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		return asString
	}
	var blocks []rawContentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err == nil && len(blocks) > 0 {
		return blocks[0].Text
	}
	return ""
}

func parseAssistantLine(raw rawLine, ts time.Time) (*model.SessionEntry, error) {
	var blocks []rawContentBlock
	if err := json.Unmarshal(raw.Message.Content, &blocks); err != nil {
		var asString string
		if err2 := json.Unmarshal(raw.Message.Content, &asString); err2 == nil {
			blocks = []rawContentBlock{{Type: "text", Text: asString}}
		} else {
			return nil, fmt.Errorf("parse assistant content: %w", err)
		}
	}

	var textParts []string
	var thinkingParts []string
	var toolCalls []model.ToolCall
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				textParts = append(textParts, b.Text)
			}
		case "thinking":
			if b.Thinking != "" {
				thinkingParts = append(thinkingParts, b.Thinking)
			}
		case "tool_use":
			toolCalls = append(toolCalls, model.ToolCall{Name: b.Name, Input: b.Input})
		}
	}

	if len(textParts) == 0 {
		// Thinking-only and tool-only assistant records carry nothing
		// worth retrieving on their own.
		return nil, nil
	}

	content := strings.Join(textParts, "\n")
	if isGarbageContent(content) || isSubAgentNoise(content) {
		return nil, nil
	}

	return &model.SessionEntry{
		SessionID: raw.SessionID,
		Role:      model.RoleAssistant,
		Timestamp: ts,
		Project:   raw.CWD,
		Content:   content,
		Thinking:  strings.Join(thinkingParts, "\n"),
		ToolCalls: toolCalls,
		Model:     raw.Message.Model,
		Tag:       model.TagClaudeSession,
	}, nil
}
