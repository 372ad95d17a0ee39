package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/nostragent/internal/admin"
	"github.com/user/nostragent/internal/config"
	"github.com/user/nostragent/internal/scheduler"
	"github.com/user/nostragent/internal/store"
	"github.com/user/nostragent/internal/telemetry"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the nostragent daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "nostragent.pid")
}

func writePIDFile(dataDir string) (string, error) {
	path := pidPath(dataDir)
	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return path, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	restart, err := serve(cfg)
	if err != nil {
		return err
	}
	if restart {
		return reexec()
	}
	return nil
}

// serve runs until a signal arrives or a component fails. It reports
// whether the signal asked for a restart.
func serve(cfg *config.Config) (bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return false, err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return false, err
	}
	defer a.Close()

	pidFile, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return false, err
	}
	defer os.Remove(pidFile)

	a.gateway.Start(ctx)
	defer a.gateway.Stop()

	slog.Info("nostragent started",
		"npub", a.keys.Npub(),
		"relays", cfg.Nostr.Relays,
		"store", store.Redact(cfg.Store.DSN),
		"price_sats", a.card.BasePrice(),
		"pricing", cfg.Agent.Pricing,
		"skills", len(a.card.Skills),
		"wallet", a.payments != nil,
		"max_concurrent", cfg.MaxConcurrent,
		"pid_file", pidFile,
	)

	// Profile: publish once now, then on the schedule.
	sched := scheduler.New(nil)
	if cfg.Agent.ProfileSchedule != "" {
		if err := sched.Add(scheduler.ProfileJob(cfg.Agent.ProfileSchedule, a.nostr, a.card)); err != nil {
			return false, err
		}
	}
	go func() {
		pctx, pcancel := context.WithTimeout(ctx, time.Minute)
		defer pcancel()
		if err := a.nostr.PublishProfile(pctx, a.card); err != nil {
			slog.Warn("initial profile publish failed", "error", err)
		}
	}()
	if err := sched.Start(ctx); err != nil {
		return false, fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.gateway.Listen(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if cfg.HTTP.Enabled {
		srv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           admin.NewServer(a.store, a.card, a.runtime.Chat, nil),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("admin server started", "listen", cfg.HTTP.Listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	restart := false
	select {
	case sig := <-sigChan:
		slog.Info("shutting down", "signal", sig)
		restart = sig == syscall.SIGHUP
	case <-gctx.Done():
	}
	cancel()
	if err := g.Wait(); err != nil {
		return false, err
	}
	return restart, nil
}

// reexec replaces the process with a fresh copy of itself.
func reexec() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	slog.Info("restarting", "exec", execPath)
	if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("re-exec: %w", err)
	}
	return nil
}
