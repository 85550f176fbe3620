// Command pipelined runs the job pipeline as a standalone service: REST
// API for job management, WebSocket and SSE endpoints for live progress.
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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/api"
	"github.com/clipforge/pipeline/engine"
	"github.com/clipforge/pipeline/internal/config"
	"github.com/clipforge/pipeline/transport"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pipelined",
	Short: "Background job pipeline with live progress delivery",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	if err := store.Ping(migrateCtx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}

	c, err := pipeline.New(
		pipeline.WithConfig(cfg.ToPipeline()),
		pipeline.WithStore(store),
		pipeline.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	var engOpts []engine.Option
	if limits := cfg.LimitConfigs(); len(limits) > 0 {
		engOpts = append(engOpts, engine.WithLimits(limits...))
	}
	eng, err := engine.Build(c, engOpts...)
	if err != nil {
		return err
	}

	registerHandlers(eng, logger)

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	api.New(eng, api.WithLogger(logger)).RegisterRoutes(router)
	transport.NewServer(eng.Store(), eng.Broker(),
		transport.WithLogger(logger),
		transport.WithHeartbeat(cfg.Heartbeat.Interval, cfg.Heartbeat.Timeout),
	).RegisterRoutes(router)

	router.GET("/healthz", func(gc *gin.Context) {
		if err := store.Ping(gc.Request.Context()); err != nil {
			gc.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		gc.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("pipelined listening",
			slog.String("addr", cfg.Server.Addr),
			slog.String("store", cfg.Store.Driver),
		)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-eng.Fatal():
		logger.Error("fatal pipeline error", slog.String("error", err.Error()))
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		logger.Error("engine stop error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("pipelined stopped")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
