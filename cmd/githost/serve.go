package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/paulgrammer/githost/internal/analytics"
	"github.com/paulgrammer/githost/internal/config"
	"github.com/paulgrammer/githost/internal/httpapi"
	"github.com/paulgrammer/githost/internal/projects"
	"github.com/paulgrammer/githost/internal/scheduler"
	"github.com/paulgrammer/githost/internal/webhook"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the project API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})))

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	sched := scheduler.New(scheduler.Config{TickInterval: cfg.TickInterval}, clock.C)
	resolver := projects.NewRandomResolver(cfg.SuccessRate, cfg.RandomSeed)
	streamer := projects.NewEventStreamer()
	defer streamer.Close()

	listeners := []projects.Listener{streamer}
	if cfg.WebhookURL != "" {
		sender := webhook.NewHTTPSender(cfg.WebhookTimeout, cfg.WebhookMaxRetries)
		listeners = append(listeners, projects.WebhookListener{Sender: sender, URL: cfg.WebhookURL})
		slog.Info("webhook notifications enabled")
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Warn("redis unreachable, analytics writes will fail until it recovers", "addr", cfg.RedisAddr, "error", err)
		}
		listeners = append(listeners, analytics.NewRedisSink(client, 0))
		slog.Info("redis analytics enabled", "addr", cfg.RedisAddr)
	}

	tracker, err := projects.NewTracker(projects.Options{
		SourceHost:    cfg.SourceHost,
		DeployDomain:  cfg.DeployDomain,
		CloneDelay:    cfg.CloneDelay,
		BuildDelay:    cfg.BuildDelay,
		NotifyWorkers: cfg.NotifyWorkers,
		NotifyTimeout: cfg.WebhookTimeout * time.Duration(cfg.WebhookMaxRetries+1),
	}, projects.NewInMemoryStore(), sched, resolver, listeners...)
	if err != nil {
		slog.Error("failed to initialize tracker", "error", err)
		return err
	}
	defer tracker.Stop()

	var gatherer prometheus.Gatherer
	if cfg.MetricsEnabled {
		tracker.WithMetrics(projects.NewMetrics(prometheus.DefaultRegisterer, sched.Pending))
		gatherer = prometheus.DefaultGatherer
	}

	schedCtx, cancelSched := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(schedCtx)
	}()

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           httpapi.NewRouter(tracker, streamer, gatherer),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", cfg.APIAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			cancelSched()
			<-schedDone
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	cancelSched()
	<-schedDone
	slog.Info("shutdown complete", "pending_tasks", sched.Pending())
	return nil
}
