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
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/selfie-booth/boothd/internal/api"
	"github.com/selfie-booth/boothd/internal/config"
	"github.com/selfie-booth/boothd/internal/lockfile"
	"github.com/selfie-booth/boothd/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the booth supervisor",
	Long: "Verify the runtime environment, bring up the X display, launch the " +
		"booth application, and keep it running. SIGINT or SIGTERM stops the " +
		"application and exits cleanly.",
	RunE: runRun,
}

var configPath string

func init() {
	runCmd.Flags().StringVar(&configPath, "config", defaultConfigPath(), "config file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("creating runtime dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := supervisor.New(cfg)
	if err != nil {
		return err
	}

	// Control API on a unix socket next to the lock and state files.
	srv := api.NewServer(sup)
	socketPath := filepath.Join(cfg.RuntimeDir, "boothd.sock")
	os.Remove(socketPath)
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- srv.ListenUnix(socketPath)
	}()

	slog.Info("boothd starting", "config", configPath, "socket", socketPath)

	runErr := sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	os.Remove(socketPath)

	select {
	case err := <-apiErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("control API error", "error", err)
		}
	default:
	}

	if runErr != nil {
		if errors.Is(runErr, lockfile.ErrHeld) {
			return fmt.Errorf("%w (is another boothd running?)", runErr)
		}
		return runErr
	}

	slog.Info("boothd stopped")
	return nil
}
