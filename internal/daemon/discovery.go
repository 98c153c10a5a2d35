package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"

	"skeld/internal/paths"
)

// Info is the discovery contract: the bound port and owning pid, written
// to .skeld/daemon.json so external bridges can find a running daemon.
type Info struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

// WriteDiscovery persists the discovery file for root.
func WriteDiscovery(root string, info Info) error {
	if _, err := paths.EnsureStateDir(root); err != nil {
		return err
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(paths.DiscoveryFile(root), data, 0o644)
}

// ReadDiscovery loads the discovery file, if present.
func ReadDiscovery(root string) (Info, error) {
	data, err := os.ReadFile(paths.DiscoveryFile(root))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("corrupt discovery file: %w", err)
	}
	return info, nil
}

// RemoveDiscovery deletes the discovery file. Missing is not an error.
func RemoveDiscovery(root string) error {
	err := os.Remove(paths.DiscoveryFile(root))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Alive reports whether the recorded pid still accepts signals.
func (i Info) Alive() bool {
	if i.PID <= 0 {
		return false
	}
	process, err := os.FindProcess(i.PID)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// Terminate asks the recorded pid to shut down gracefully.
func (i Info) Terminate() error {
	process, err := os.FindProcess(i.PID)
	if err != nil {
		return err
	}
	return process.Signal(syscall.SIGTERM)
}
