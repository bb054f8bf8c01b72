package coordination

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// assignmentMaxAge is how long a channel-assignment file remains
// authoritative; older files are treated as if absent.
const assignmentMaxAge = 5 * time.Minute

type channelAssignment struct {
	AgentID string `json:"agentId"`
	Channel string `json:"channel"`
}

// lookupChannelAssignment scans assignmentDir for a JSON file naming
// agentID's assigned channel. A missing directory or missing file
// means no assignment is recorded, which is permissive for channel
// enforcement.
func lookupChannelAssignment(assignmentDir, agentID string) (string, bool) {
	entries, err := os.ReadDir(assignmentDir)
	if err != nil {
		return "", false
	}

	cutoff := time.Now().Add(-assignmentMaxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(assignmentDir, e.Name())
		info, err := e.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var a channelAssignment
		if err := json.Unmarshal(data, &a); err != nil {
			continue
		}
		if a.AgentID == agentID {
			return a.Channel, true
		}
	}
	return "", false
}
