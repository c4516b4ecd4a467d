package main

import (
	"context"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/driftsync/driftsync/pkg/broker"
	"github.com/driftsync/driftsync/pkg/server"
	"github.com/driftsync/driftsync/pkg/store"
)

func serveCmd() *cobra.Command {
	var (
		addr      string
		redisURL  string
		logLevel  string
		logJSON   bool
		tokenTTL  time.Duration
		heartbeat time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the sync gate",
		Long: `Start the websocket gate and serve documents.

Session records live in memory by default; pass --redis to survive
restarts and share sessions across gates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(logLevel, logJSON)

			cfg := server.DefaultSessionConfig()
			if tokenTTL > 0 {
				cfg.TokenTTL = tokenTTL
			}
			if heartbeat > 0 {
				cfg.Heartbeat.IntervalMS = heartbeat.Milliseconds()
			}

			sessionStore, err := newStore(redisURL)
			if err != nil {
				return err
			}
			defer sessionStore.Close()

			serverMetrics := server.NewMetrics()
			brokerMetrics := broker.NewMetrics()

			manager := server.NewSessionManager(cfg,
				server.WithStore(sessionStore),
				server.WithManagerLogger(logger),
				server.WithManagerMetrics(serverMetrics),
			)
			b := broker.New(
				broker.WithLogger(logger),
				broker.WithMetrics(brokerMetrics),
				broker.WithTracer(otel.Tracer("driftd")),
				broker.WithEvictEmptyDocs(true),
			)
			gate := server.NewGate(manager, b,
				server.WithGateLogger(logger),
				server.WithGateMetrics(serverMetrics),
			)

			r := chi.NewRouter()
			r.Use(middleware.Recoverer)
			r.Use(middleware.RealIP)
			r.Mount("/", gate.Routes())
			r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			})
			r.Handle("/metrics", promhttp.Handler())

			srv := &http.Server{
				Addr:              addr,
				Handler:           r,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("gate listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case sig := <-stop:
				logger.Info("shutting down", "signal", sig.String())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
			if err := manager.Shutdown(ctx); err != nil {
				logger.Warn("manager shutdown", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	cmd.Flags().StringVar(&redisURL, "redis", "", "redis URL for session records (e.g. redis://localhost:6379/0)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 0, "session token lifetime")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 0, "heartbeat ping interval")

	return cmd
}

func newLogger(level string, json bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func newStore(redisURL string) (store.SessionStore, error) {
	if redisURL == "" {
		return store.NewMemoryStore(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return store.NewRedisStore(redis.NewClient(opts)), nil
}
