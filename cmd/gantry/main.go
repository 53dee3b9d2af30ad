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

	"github.com/kode4food/timebox"
	"github.com/redis/go-redis/v9"

	app "github.com/gantryio/gantry"
	"github.com/gantryio/gantry/internal/approval"
	"github.com/gantryio/gantry/internal/config"
	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/gateway"
	"github.com/gantryio/gantry/internal/handler"
	"github.com/gantryio/gantry/internal/notify"
	"github.com/gantryio/gantry/internal/output"
	"github.com/gantryio/gantry/internal/server"
	"github.com/gantryio/gantry/pkg/log"
)

type gantry struct {
	cfg            *config.Config
	timebox        *timebox.Timebox
	registryStore  *timebox.Store
	executionStore *timebox.Store
	outputs        *output.Store
	approvals      *approval.Store
	redis          *redis.Client
	engine         *engine.Engine
	server         *server.Server
	httpServer     *http.Server
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func main() {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		slog.Error("Invalid configuration",
			log.Error(err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration",
			log.Error(err))
		os.Exit(1)
	}

	g := &gantry{cfg: cfg}
	if err := g.run(); err != nil {
		slog.Error("Failed to start application",
			log.Error(err))
		os.Exit(1)
	}
}

func (g *gantry) run() error {
	g.setupLogging()

	if err := g.initializeStores(); err != nil {
		return err
	}

	g.initializeEngine()
	g.startServer()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	g.shutdown()
	return nil
}

func (g *gantry) setupLogging() {
	level, ok := logLevels[g.cfg.LogLevel]
	if !ok {
		level = slog.LevelInfo
	}
	slog.SetDefault(log.NewWithLevel(
		app.Name, envName(), app.Version, level,
	))

	slog.Info("Gantry Engine starting")

	slog.Info("Configuration loaded",
		slog.String("registry_redis_addr", g.cfg.RegistryStore.Addr),
		slog.Int("registry_redis_db", g.cfg.RegistryStore.DB),
		slog.String("execution_redis_addr", g.cfg.ExecutionStore.Addr),
		slog.Int("execution_redis_db", g.cfg.ExecutionStore.DB),
		slog.String("agent_base_url", g.cfg.AgentBaseURL),
		slog.String("api_host", g.cfg.APIHost),
		slog.Int("api_port", g.cfg.APIPort))
}

func (g *gantry) initializeStores() error {
	var err error

	g.timebox, err = timebox.NewTimebox(timebox.Config{
		MaxRetries: timebox.DefaultMaxRetries,
		CacheSize:  g.cfg.CacheSize,
		Workers:    true,
	})
	if err != nil {
		return fmt.Errorf("failed to create timebox: %w", err)
	}

	g.registryStore, err = g.timebox.NewStore(g.cfg.RegistryStore)
	if err != nil {
		_ = g.timebox.Close()
		return fmt.Errorf("failed to create registry store: %w", err)
	}

	g.executionStore, err = g.timebox.NewStore(g.cfg.ExecutionStore)
	if err != nil {
		_ = g.timebox.Close()
		return fmt.Errorf("failed to create execution store: %w", err)
	}

	g.outputs, err = output.New(
		context.Background(), g.cfg.OutputBucketURL,
		g.cfg.RegistryStore.Prefix, g.cfg.OutputInlineMax,
	)
	if err != nil {
		_ = g.timebox.Close()
		return fmt.Errorf("failed to open output store: %w", err)
	}

	g.redis = redis.NewClient(&redis.Options{
		Addr:     g.cfg.ExecutionStore.Addr,
		Password: g.cfg.ExecutionStore.Password,
		DB:       g.cfg.ExecutionStore.DB,
	})
	g.approvals = approval.New(g.redis, g.cfg.ExecutionStore.Prefix)

	return nil
}

func (g *gantry) initializeEngine() {
	agents := gateway.NewHTTPGateway(
		g.cfg.AgentBaseURL, g.cfg.StepTimeout.Duration(),
	)
	notifier := notify.NewLogNotifier(slog.Default())
	handlers := handler.NewRegistry(agents, g.approvals, notifier)

	g.engine = engine.New(
		g.registryStore, g.executionStore, handlers, g.outputs, g.approvals,
		agents, g.timebox.GetHub(), g.cfg,
	)
	g.engine.Start()
}

func (g *gantry) startServer() {
	g.server = server.NewServer(g.engine, g.timebox.GetHub())
	router := g.server.SetupRoutes()

	g.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", g.cfg.APIHost, g.cfg.APIPort),
		Handler: router,
	}

	go func() {
		slog.Info("HTTP server starting",
			slog.String("addr", g.httpServer.Addr))
		if err := g.httpServer.ListenAndServe(); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error",
				log.Error(err))
		}
	}()
}

func (g *gantry) shutdown() {
	slog.Info("Shutting down")

	ctx, cancel := context.WithTimeout(
		context.Background(), g.cfg.ShutdownTimeout,
	)
	defer cancel()

	if err := g.httpServer.Shutdown(ctx); err != nil {
		slog.Error("Shutdown failed",
			log.Error(err))
	}

	g.server.CloseWebSockets()

	if err := g.engine.Stop(); err != nil {
		slog.Error("Engine shutdown failed",
			log.Error(err))
	}

	if err := g.outputs.Close(); err != nil {
		slog.Error("Output store close failed",
			log.Error(err))
	}
	_ = g.redis.Close()
	_ = g.timebox.Close()

	slog.Info("Server exited")
}

func envName() string {
	if env := os.Getenv("GANTRY_ENV"); env != "" {
		return env
	}
	return "development"
}
