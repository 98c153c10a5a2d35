package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"skeld/internal/config"
	"skeld/internal/daemon"
	"skeld/internal/logging"
	"skeld/internal/paths"
)

var (
	servePort        int
	serveIdleTimeout int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon in the foreground",
	Long: `Run the indexing daemon in the foreground for the project root.

The daemon binds the first free loopback port at or above the configured
one and writes {port, pid} to .skeld/daemon.json for discovery.`,
	RunE: runServe,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the background",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)

	for _, cmd := range []*cobra.Command{serveCmd, startCmd} {
		cmd.Flags().IntVar(&servePort, "port", 0, "Preferred TCP port (0 uses the configured default)")
		cmd.Flags().IntVar(&serveIdleTimeout, "idle-timeout", -1,
			"Idle seconds before self-termination (0 disables, -1 uses the configured default)")
	}
}

func loadServeConfig(root string) (*config.Config, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveIdleTimeout >= 0 {
		cfg.Server.IdleTimeoutS = serveIdleTimeout
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}

	// refuse to double-serve one root
	if info, err := daemon.ReadDiscovery(root); err == nil && info.Alive() {
		return fmt.Errorf("daemon already running for %s (pid %d, port %d)", root, info.PID, info.Port)
	}

	cfg, err := loadServeConfig(root)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Format: logging.Format(cfg.Logging.Format),
		Level:  logging.ParseLevel(cfg.Logging.Level),
	})

	d, err := daemon.New(root, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", map[string]interface{}{
			"signal": sig.String(),
		})
		d.Stop()
	}()

	fmt.Printf("skeld serving %s on 127.0.0.1:%d\n", root, d.Port())
	d.Wait()
	return nil
}

func runStart(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}

	if info, err := daemon.ReadDiscovery(root); err == nil && info.Alive() {
		fmt.Printf("Daemon is already running (pid %d, port %d)\n", info.PID, info.Port)
		return nil
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	childArgs := []string{"serve", "--root", root}
	if servePort > 0 {
		childArgs = append(childArgs, fmt.Sprintf("--port=%d", servePort))
	}
	if serveIdleTimeout >= 0 {
		childArgs = append(childArgs, fmt.Sprintf("--idle-timeout=%d", serveIdleTimeout))
	}

	child := exec.Command(executable, childArgs...)
	setDaemonSysProcAttr(child)

	if _, err := paths.EnsureStateDir(root); err != nil {
		return err
	}
	logFile, err := os.OpenFile(paths.LogFile(root), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open daemon log: %w", err)
	}
	defer logFile.Close()
	child.Stdout = logFile
	child.Stderr = logFile

	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to spawn daemon: %w", err)
	}
	if err := child.Process.Release(); err != nil {
		return err
	}

	// wait briefly for the discovery file so the user gets the port
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if info, err := daemon.ReadDiscovery(root); err == nil && info.Alive() {
			fmt.Printf("Daemon started (pid %d, port %d)\n", info.PID, info.Port)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not come up; check %s", paths.LogFile(root))
}

func runStop(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}

	info, err := daemon.ReadDiscovery(root)
	if err != nil {
		fmt.Println("No daemon is running")
		return nil
	}
	if !info.Alive() {
		fmt.Println("Daemon is not running; removing stale discovery file")
		return daemon.RemoveDiscovery(root)
	}

	if err := info.Terminate(); err != nil {
		return fmt.Errorf("failed to signal daemon (pid %d): %w", info.PID, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !info.Alive() {
			fmt.Println("Daemon stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon (pid %d) did not stop in time", info.PID)
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := resolveRoot()
	if err != nil {
		return err
	}

	response, err := queryDaemon(root, `{"action":"status"}`)
	if err != nil {
		return err
	}
	return printResponse(response)
}
