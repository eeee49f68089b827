package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/LuminPulse-AI/offlinekit"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the offline layer with its scheduler and admin API",
	Long:  "Start the offline layer: restore persisted state, connect the sync channel, run periodic maintenance and serve the admin API until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		log := rt.log

		if err := rt.layer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start layer: %w", err)
		}

		var sched *offlinekit.Scheduler
		if rt.cfg.Scheduler.Enabled {
			cleanup, err := parseDuration("scheduler.cleanup_interval", rt.cfg.Scheduler.CleanupInterval)
			if err != nil {
				return err
			}
			drain, err := parseDuration("scheduler.drain_interval", rt.cfg.Scheduler.DrainInterval)
			if err != nil {
				return err
			}
			sched = offlinekit.NewScheduler(rt.layer, &offlinekit.SchedulerOptions{
				CleanupInterval: cleanup,
				DrainInterval:   drain,
				Logger:          log.Named("scheduler"),
			})
			if err := sched.Start(); err != nil {
				return err
			}
		}

		server := &http.Server{
			Addr: rt.cfg.Admin.Addr,
			Handler: offlinekit.NewAdminHandler(rt.layer, &offlinekit.AdminOptions{
				Token:  rt.cfg.Admin.Token,
				Logger: log.Named("admin"),
			}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			log.Info("admin API listening", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case <-ctx.Done():
			log.Info("shutting down")
		case err := <-errCh:
			log.Error("admin API failed", zap.Error(err))
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("admin API shutdown", zap.Error(err))
		}
		if sched != nil {
			sched.Stop()
		}
		return nil
	},
}
