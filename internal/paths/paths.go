// Package paths resolves the .skeld state directory layout and normalizes
// project-relative paths.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// StateDirName is the per-project state directory under the watched root.
const StateDirName = ".skeld"

// StateDir returns the state directory for a project root.
func StateDir(root string) string {
	return filepath.Join(root, StateDirName)
}

// EnsureStateDir creates the state directory if needed and returns it.
func EnsureStateDir(root string) (string, error) {
	dir := StateDir(root)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

// DiscoveryFile returns the path of the {port, pid} discovery file the
// external bridge reads.
func DiscoveryFile(root string) string {
	return filepath.Join(StateDir(root), "daemon.json")
}

// LogFile returns the daemon log file path.
func LogFile(root string) string {
	return filepath.Join(StateDir(root), "daemon.log")
}

// ChunksDir returns the root of the on-disk chunk mirror.
func ChunksDir(root string) string {
	return filepath.Join(StateDir(root), "chunks")
}

// ReplSnapshot returns the REPL state snapshot path.
func ReplSnapshot(root string) string {
	return filepath.Join(StateDir(root), "repl_state.bin")
}

// StatsDB returns the append-only session stats database path.
func StatsDB(root string) string {
	return filepath.Join(StateDir(root), "stats.db")
}

// Canonicalize converts an absolute path to a root-relative canonical path
// with forward slashes. Symlinks are resolved when the file exists.
func Canonicalize(absolutePath string, root string) (string, error) {
	resolved, err := filepath.EvalSymlinks(absolutePath)
	if err != nil {
		if os.IsNotExist(err) {
			resolved = absolutePath
		} else {
			return "", err
		}
	}

	rootResolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		if os.IsNotExist(err) {
			rootResolved = root
		} else {
			return "", err
		}
	}

	rel, err := filepath.Rel(rootResolved, resolved)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// Resolve joins a root-relative request path onto the root, rejecting
// anything that escapes it. Returns the absolute path.
func Resolve(root string, rel string) (string, bool) {
	abs := filepath.Join(root, filepath.FromSlash(rel))
	canonical, err := Canonicalize(abs, root)
	if err != nil {
		return "", false
	}
	if canonical == ".." || strings.HasPrefix(canonical, "../") {
		return "", false
	}
	return abs, true
}

// IsWithinRoot checks whether a path is under the project root.
func IsWithinRoot(path string, root string) bool {
	canonical, err := Canonicalize(path, root)
	if err != nil {
		return false
	}
	return canonical != ".." && !strings.HasPrefix(canonical, "../")
}
