package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironsign/internal/telemetry"
	"github.com/jmcleod/ironsign/jobs"
)

const housekeepingInterval = time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the signing server",
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serverCmd.Flags().String("data-dir", "./data", "Directory for persistent data")
	serverCmd.Flags().String("tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().String("tls-key", "", "Path to TLS key file")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx := context.Background()
	tp, err := telemetry.InitTracer(ctx, telemetry.TracerConfig{
		Enabled:      cfg.OtelEnabled,
		Endpoint:     cfg.OtelEndpoint,
		ServiceName:  cfg.OtelServiceName,
		SamplingRate: cfg.OtelSamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracer: %w", err)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	if !a.engine.IsSetupOK(ctx) {
		a.logger.Warn("certificate engine is not set up; run `ironsign ca init`", "engine", a.engine.Type().String())
	}

	// Workers outlive the scheduler so that queued jobs drain on shutdown.
	workCtx, stopWork := context.WithCancel(ctx)
	defer stopWork()
	a.queue.Start(workCtx)

	schedCtx, stopSched := context.WithCancel(ctx)
	sched := jobs.NewScheduler(a.logger)
	sched.Every("cleanup_stale_signing", cfg.SweepInterval, jobs.TimeInsensitive, func(ctx context.Context) {
		a.cleanup.Run(ctx)
	})
	sched.Every("credentials_sweep", housekeepingInterval, jobs.TimeSensitive, func(context.Context) {
		a.creds.Sweep()
	})
	sched.Every("progress_sweep", housekeepingInterval, jobs.TimeSensitive, func(context.Context) {
		a.progress.Sweep()
	})
	sched.Every("rate_limit_sweep", 10*housekeepingInterval, jobs.TimeInsensitive, func(context.Context) {
		a.api.SweepRateLimits()
	})
	sched.Start(schedCtx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Mount("/", a.api.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			a.close()
			return fmt.Errorf("failed to load TLS key pair: %w", err)
		}
		server.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	done := make(chan error, 1)
	go func() {
		var err error
		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			done <- fmt.Errorf("server failed: %w", err)
			return
		}
		done <- nil
	}()

	printBanner()
	a.logger.Info("server started", "port", cfg.Port, "data_dir", cfg.DataDir, "storage", cfg.StorageDriver,
		"engine", a.engine.Type().String(), "tls", server.TLSConfig != nil)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		a.logger.Info("shutting down", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			runErr = fmt.Errorf("server shutdown failed: %w", err)
		}
	case runErr = <-done:
	}

	stopSched()
	sched.Wait()
	return errors.Join(runErr, a.close())
}
