// Package coordination implements per-project messaging, task claims,
// and help requests. Every operation runs against the active
// project's schema; Store never queries another project's rows.
package coordination

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// ParseMentions extracts unique, lowercase @mentions from content,
// preserving first-seen order.
func ParseMentions(content string) []string {
	matches := mentionPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		id := strings.ToLower(m[1])
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
