package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"skeld/internal/version"
)

var (
	// rootFlag is the CLI --root flag value
	rootFlag string
	// outputFlag selects human, json, or yaml output for query commands
	outputFlag string
)

var rootCmd = &cobra.Command{
	Use:   "skeld",
	Short: "skeld - structural code view daemon",
	Long: `skeld maintains a live, structurally-compressed view of a source tree:
per-file skeletons kept fresh by a file watcher, a symbol index for exact
drill-down and cross-file search, chunked partial reads, and a persistent
dependency-tracked REPL sandbox, all served over a local TCP port.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate(version.Full() + "\n")
	rootCmd.PersistentFlags().StringVar(&rootFlag, "root", "",
		"Project root directory (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&outputFlag, "output", "human",
		"Output format: human, json, or yaml")
}

// resolveRoot turns the --root flag (or the working directory) into an
// absolute, symlink-free path.
func resolveRoot() (string, error) {
	root := rootFlag
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		root = wd
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("root directory not accessible: %w", err)
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", root)
	}
	return resolved, nil
}
