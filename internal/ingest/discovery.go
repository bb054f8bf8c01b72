package ingest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/specmem/specmem/internal/project"
)

// discoveredFile is one candidate session file with its last-modified
// time, used to drive newest-first processing order.
type discoveredFile struct {
	Path    string
	ModTime int64 // unix nanos
	Size    int64
}

// DiscoverFiles enumerates the flat history file and every
// line-delimited session file two levels deep under claudeDir's
// "projects" subtree, sorted descending by modification time. When
// projectPath is non-empty, directories under projects/ are kept only
// if their encoded name plausibly matches it; this is a coarse filter,
// finer filtering happens per entry.
func DiscoverFiles(claudeDir, projectPath string) ([]discoveredFile, error) {
	var out []discoveredFile

	historyPath := filepath.Join(claudeDir, "history.jsonl")
	if info, err := os.Stat(historyPath); err == nil && !info.IsDir() {
		out = append(out, discoveredFile{Path: historyPath, ModTime: info.ModTime().UnixNano(), Size: info.Size()})
	}

	projectsDir := filepath.Join(claudeDir, "projects")
	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		if os.IsNotExist(err) {
			sortNewestFirst(out)
			return out, nil
		}
		return nil, err
	}

	encodedFilter := ""
	if projectPath != "" {
		encodedFilter = project.EncodedDirName(projectPath)
	}

	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		if encodedFilter != "" && !coarseProjectMatch(dirEntry.Name(), encodedFilter) {
			continue
		}

		subdir := filepath.Join(projectsDir, dirEntry.Name())
		files, err := os.ReadDir(subdir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			out = append(out, discoveredFile{
				Path:    filepath.Join(subdir, f.Name()),
				ModTime: info.ModTime().UnixNano(),
				Size:    info.Size(),
			})
		}
	}

	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(files []discoveredFile) {
	sort.SliceStable(files, func(i, j int) bool { return files[i].ModTime > files[j].ModTime })
}

func coarseProjectMatch(dirName, encodedFilter string) bool {
	return strings.Contains(dirName, encodedFilter) || strings.Contains(encodedFilter, dirName)
}

// WatchDirs returns the directories the filesystem watcher must add a
// fsnotify watch on to observe every file DiscoverFiles would find for
// projectPath: claudeDir itself (for history.jsonl) plus any existing
// projects/<dir> subdirectory whose encoded name matches projectPath.
// fsnotify watches are not recursive, so each must be added individually.
func WatchDirs(claudeDir, projectPath string) []string {
	dirs := []string{claudeDir}

	projectsDir := filepath.Join(claudeDir, "projects")
	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		return dirs
	}

	encodedFilter := ""
	if projectPath != "" {
		encodedFilter = project.EncodedDirName(projectPath)
	}

	for _, dirEntry := range entries {
		if !dirEntry.IsDir() {
			continue
		}
		if encodedFilter != "" && !coarseProjectMatch(dirEntry.Name(), encodedFilter) {
			continue
		}
		dirs = append(dirs, filepath.Join(projectsDir, dirEntry.Name()))
	}
	return dirs
}

// DiscoverSince is DiscoverFiles restricted to files whose mtime
// exceeds sinceMs, used by incremental ingestion.
func DiscoverSince(claudeDir, projectPath string, sinceMs int64) ([]discoveredFile, error) {
	all, err := DiscoverFiles(claudeDir, projectPath)
	if err != nil {
		return nil, err
	}
	cutoff := sinceMs * int64(1e6)
	var out []discoveredFile
	for _, f := range all {
		if f.ModTime > cutoff {
			out = append(out, f)
		}
	}
	return out, nil
}
