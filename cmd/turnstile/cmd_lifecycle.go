package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/config"
)

func init() {
	rootCmd.AddCommand(stopCmd, restartCmd, statusCmd)
	stopCmd.Flags().Duration("wait", 0, "wait up to this long for in-flight turns to finish and the daemon to exit")
}

var errNotRunning = errors.New("turnstile is not running")

// daemon is a running serve process found through its PID file.
type daemon struct {
	pid     int
	pidFile string
	proc    *os.Process
}

func findDaemon(dataDir string) (*daemon, error) {
	d := &daemon{pidFile: pidPath(dataDir)}
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil, errNotRunning
	}
	if err != nil {
		return nil, fmt.Errorf("read PID file: %w", err)
	}
	if d.pid, err = strconv.Atoi(strings.TrimSpace(string(data))); err != nil {
		return nil, fmt.Errorf("corrupt PID file %s: %w", d.pidFile, err)
	}
	if d.proc, err = os.FindProcess(d.pid); err != nil {
		return nil, fmt.Errorf("find process %d: %w", d.pid, err)
	}
	// Signal 0 only checks the process exists; a stale file means a crash.
	if err := d.proc.Signal(syscall.Signal(0)); err != nil {
		return nil, fmt.Errorf("%w (stale PID file for %d)", errNotRunning, d.pid)
	}
	return d, nil
}

func (d *daemon) signal(sig syscall.Signal) error {
	if err := d.proc.Signal(sig); err != nil {
		return fmt.Errorf("send %s to %d: %w", sig, d.pid, err)
	}
	return nil
}

// waitExit polls until serve has removed its PID file on shutdown.
func (d *daemon) waitExit(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(d.pidFile); os.IsNotExist(err) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon %d still running after %s", d.pid, timeout)
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon, letting running turns drain",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := findDaemon(loadConfig().DataDir)
		if err != nil {
			return err
		}
		if err := d.signal(syscall.SIGTERM); err != nil {
			return err
		}
		if wait, _ := cmd.Flags().GetDuration("wait"); wait > 0 {
			if err := d.waitExit(wait); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon %d stopped.\n", d.pid)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Asked daemon %d to stop.\n", d.pid)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Reload config, tasks and integrations in the running daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := findDaemon(loadConfig().DataDir)
		if err != nil {
			return err
		}
		if err := d.signal(syscall.SIGHUP); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Asked daemon %d to restart.\n", d.pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the daemon is running and its HTTP API answers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		d, err := findDaemon(cfg.DataDir)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "running  pid %d\n", d.pid)
		if !cfg.HTTP.Enabled {
			fmt.Fprintln(out, "http     disabled")
			return nil
		}
		if err := checkHealth(cmd.Context(), cfg); err != nil {
			fmt.Fprintf(out, "http     %s unhealthy: %v\n", cfg.HTTP.Listen, err)
			return nil
		}
		fmt.Fprintf(out, "http     %s ok\n", cfg.HTTP.Listen)
		return nil
	},
}

func checkHealth(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.HTTP.Listen+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
