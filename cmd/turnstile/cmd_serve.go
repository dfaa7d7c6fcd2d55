package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/turnstile/internal/delivery"
	"github.com/user/turnstile/internal/scheduler"
	"github.com/user/turnstile/internal/server"
	"github.com/user/turnstile/internal/state"
	"github.com/user/turnstile/internal/telegram"
)

const shutdownTimeout = 10 * time.Second

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the turnstile daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "turnstile.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if d, err := findDaemon(cfg.DataDir); err == nil {
		return fmt.Errorf("turnstile is already running (pid %d)", d.pid)
	}

	s, err := buildStack(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.gateway.Start(ctx)
	defer func() {
		if !s.gateway.Shutdown(shutdownTimeout) {
			slog.Warn("turns still running after shutdown timeout")
		}
	}()

	slog.Info("turnstile started",
		"data_dir", cfg.DataDir,
		"log_level", cfg.LogLevel,
		"max_concurrent", cfg.MaxConcurrent,
		"max_steps", cfg.MaxSteps,
		"llm_model", cfg.LLM.Model,
		"storage", cfg.Storage.Driver,
		"tools", s.registry.Names(),
		"pid_file", pidFile,
	)

	tasks := state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
	deliveries := delivery.NewRegistry()

	if s.slack != nil {
		deliveries.Register("slack:", delivery.Slack(s.slack))
	}

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, telegram.Options{
			Turns:        s.gateway,
			Sessions:     s.sessions,
			KeyPath:      filepath.Join(cfg.DataDir, "telegram_keys.json"),
			AllowedChats: cfg.Telegram.AllowedChats,
		})
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		deliveries.Register("telegram:", adapter.Deliver)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	sched := scheduler.New(tasks, s.gateway, deliveries)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.HTTP.Enabled {
		srv := server.New(server.Options{
			Turns:        s.gateway,
			Sessions:     s.sessions,
			TurnLog:      s.turnLog,
			Artifacts:    s.artifacts,
			Tasks:        tasks,
			Hub:          s.hub,
			DefaultModel: cfg.LLM.Model,
		})
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.HTTP.Listen); err != nil {
				slog.Error("http server stopped", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			// Active turns are cancelled so their sessions stay resumable.
			s.gateway.Shutdown(shutdownTimeout)
			os.Remove(pidFile)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				s.gateway.Start(ctx)
				if _, werr := writePIDFile(cfg.DataDir); werr != nil {
					slog.Error("failed to re-write PID file", "error", werr)
				}
				continue
			}
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
