package ingest

import (
	"path/filepath"
	"strings"
)

// InProjectScope reports whether an entry originating from
// entryProject belongs to the current project: equal, a subdirectory
// of it, or a parent of it.
func InProjectScope(entryProject, currentProject string) bool {
	if entryProject == "" || currentProject == "" {
		return false
	}
	entryProject = filepath.Clean(entryProject)
	currentProject = filepath.Clean(currentProject)

	if entryProject == currentProject {
		return true
	}
	if isSubdirectory(entryProject, currentProject) {
		return true
	}
	return isSubdirectory(currentProject, entryProject)
}

// isSubdirectory reports whether child is nested under parent.
func isSubdirectory(child, parent string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && !strings.HasPrefix(rel, "..")
}
