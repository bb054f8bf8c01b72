package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/specmem/specmem/internal/model"
)

// hashLen is the truncated digest length used for both entry and
// content hashes.
const hashLen = 16

var whitespaceRun = regexp.MustCompile(`\s+`)

// EntryHash derives the project-wide deduplication key for an entry: a
// stable digest of its session id and normalized timestamp. An entry
// with a non-finite or zero timestamp cannot be hashed and is a hard
// error.
func EntryHash(sessionID string, ts time.Time) (string, error) {
	millis := float64(ts.UnixMilli())
	if math.IsNaN(millis) || math.IsInf(millis, 0) || ts.IsZero() {
		return "", fmt.Errorf("ingest: cannot hash entry with invalid timestamp %v", ts)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", sessionID, ts.UnixMilli())))
	return hex.EncodeToString(sum[:])[:hashLen], nil
}

// ContentHash derives the secondary, role-scoped hash of an entry's
// content (before the role prefix is added), preserving case but normalizing whitespace runs
// so cosmetic reformatting of the same text still dedups.
func ContentHash(role model.Role, content string) string {
	normalized := whitespaceRun.ReplaceAllString(strings.TrimSpace(content), " ")
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s", role, normalized)))
	return hex.EncodeToString(sum[:])[:hashLen]
}

// FormatContent prefixes entry content per its role for storage,
// appending a thinking block for assistant entries that carried one.
func FormatContent(e model.SessionEntry) string {
	switch e.Role {
	case model.RoleUser:
		return "[USER] " + e.Content
	case model.RoleAssistant:
		out := "[CLAUDE] " + e.Content
		if e.Thinking != "" {
			out += " [THINKING] " + e.Thinking
		}
		return out
	default:
		return e.Content
	}
}

// isGarbageContent matches short or placeholder-only text that carries
// no retrievable meaning.
func isGarbageContent(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 5 {
		return true
	}
	switch trimmed {
	case "Tools", "undefined":
		return true
	}
	onlyPunct := true
	for _, r := range trimmed {
		if r != '[' && r != ']' && r != ':' && r != ' ' {
			onlyPunct = false
			break
		}
	}
	return onlyPunct
}

// subAgentMarkers flag assistant output that is noise generated by a
// sub-agent delegation rather than a direct reply worth retrieving.
var subAgentMarkers = []string{
	"Task tool",
	"subagent",
	"Agent ",
	"agent completed",
	"agent returned",
}

func isSubAgentNoise(text string) bool {
	for _, marker := range subAgentMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// contextRestorationMarkers identify system-generated summaries
// injected when the host's context window overflows.
var contextRestorationMarkers = []string{
	"This session is being continued from a previous conversation",
	"context window overflow",
	"Context has been compacted",
	"conversation history has been summarized",
}

func isContextRestoration(text string) bool {
	for _, marker := range contextRestorationMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
