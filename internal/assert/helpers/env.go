// Package helpers provides a ready-to-use engine environment for tests: an
// in-memory Redis backend, a mock agent gateway, and waiters for execution
// events.
package helpers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kode4food/timebox"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry/internal/approval"
	"github.com/gantryio/gantry/internal/config"
	"github.com/gantryio/gantry/internal/engine"
	"github.com/gantryio/gantry/internal/handler"
	"github.com/gantryio/gantry/internal/output"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
)

// TestEngineEnv holds all the components needed for engine testing
type TestEngineEnv struct {
	Engine         *engine.Engine
	Redis          *miniredis.Miniredis
	Gateway        *MockGateway
	Notifier       *MockNotifier
	Approvals      *approval.Store
	Outputs        *output.Store
	Config         *config.Config
	EventHub       timebox.EventHub
	Cleanup        func()
	registryStore  *timebox.Store
	executionStore *timebox.Store
	handlers       handler.Registry
}

const defaultStoreTimeout = 5 * time.Second

// NewTestConfig creates a configuration with test-friendly timings: short
// backoff and a fast recovery sweep
func NewTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.LogLevel = "debug"
	cfg.StepTimeout = 5
	cfg.ShutdownTimeout = 2 * time.Second
	cfg.Retry = api.RetryPolicy{
		MaxAttempts:  3,
		BackoffMs:    10,
		MaxBackoffMs: 100,
		BackoffType:  api.BackoffTypeExponential,
	}
	cfg.RecoveryStalledAge = 10 * time.Minute
	cfg.RecoveryHardCutoff = 15 * time.Minute
	cfg.RecoverySweepInterval = 50 * time.Millisecond
	return cfg
}

// NewTestEngine creates a fully configured test engine environment with an
// in-memory Redis backend and a mock agent gateway
func NewTestEngine(t *testing.T) *TestEngineEnv {
	t.Helper()

	server, err := miniredis.Run()
	assert.NoError(t, err)

	tb, err := timebox.NewTimebox(timebox.Config{
		MaxRetries: timebox.DefaultMaxRetries,
		CacheSize:  100,
		Workers:    true,
	})
	assert.NoError(t, err)

	cfg := NewTestConfig()
	cfg.RegistryStore.Addr = server.Addr()
	cfg.RegistryStore.Prefix = "test-registry"
	cfg.ExecutionStore.Addr = server.Addr()
	cfg.ExecutionStore.Prefix = "test-execution"

	registryStore, err := tb.NewStore(cfg.RegistryStore)
	assert.NoError(t, err)

	executionStore, err := tb.NewStore(cfg.ExecutionStore)
	assert.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	approvals := approval.New(client, "test")

	outputs, err := output.New(
		context.Background(), "", "outputs/", cfg.OutputInlineMax,
	)
	assert.NoError(t, err)

	gw := NewMockGateway()
	notifier := NewMockNotifier()
	handlers := handler.NewRegistry(gw, approvals, notifier)

	hub := tb.GetHub()
	eng := engine.New(
		registryStore, executionStore, handlers, outputs, approvals, gw,
		hub, cfg,
	)

	cleanup := func() {
		_ = eng.Stop()
		_ = tb.Close()
		_ = client.Close()
		server.Close()
	}

	return &TestEngineEnv{
		Engine:         eng,
		Redis:          server,
		Gateway:        gw,
		Notifier:       notifier,
		Approvals:      approvals,
		Outputs:        outputs,
		Config:         cfg,
		EventHub:       hub,
		Cleanup:        cleanup,
		registryStore:  registryStore,
		executionStore: executionStore,
		handlers:       handlers,
	}
}

// NewEngineInstance creates a new engine instance sharing the same stores
// and mock gateway. Used to simulate process restart after a crash.
func (e *TestEngineEnv) NewEngineInstance() *engine.Engine {
	return engine.New(
		e.registryStore, e.executionStore, e.handlers, e.Outputs,
		e.Approvals, e.Gateway, e.EventHub, e.Config,
	)
}

// AppendExecutionEvents appends events directly to the execution store,
// bypassing the engine. Used to construct crash scenarios.
func (e *TestEngineEnv) AppendExecutionEvents(
	execID api.ExecutionID, evs ...*timebox.Event,
) error {
	ctx, cancel := context.WithTimeout(
		context.Background(), defaultStoreTimeout,
	)
	defer cancel()

	aggregateID := events.ExecutionKey(execID)
	seq, err := e.getExecutionSequence(ctx, aggregateID)
	if err != nil {
		return err
	}

	for i, ev := range evs {
		ev.AggregateID = aggregateID
		ev.Sequence = seq + int64(i)
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
	}

	err = e.executionStore.AppendEvents(ctx, aggregateID, seq, evs)
	if err == nil {
		return nil
	}

	conflict := new(timebox.VersionConflictError)
	if !errors.As(err, &conflict) {
		return err
	}

	seq = conflict.ActualSequence
	for i, ev := range evs {
		ev.Sequence = seq + int64(i)
	}

	return e.executionStore.AppendEvents(ctx, aggregateID, seq, evs)
}

func (e *TestEngineEnv) getExecutionSequence(
	ctx context.Context, aggregateID timebox.AggregateID,
) (int64, error) {
	eventsInStore, err := e.executionStore.GetEvents(ctx, aggregateID, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(eventsInStore)), nil
}

// WithTestEnv creates a test engine environment, executes the provided
// function with it, and ensures cleanup happens automatically
func WithTestEnv(t *testing.T, fn func(*TestEngineEnv)) {
	t.Helper()
	testEnv := NewTestEngine(t)
	defer testEnv.Cleanup()
	fn(testEnv)
}

// WithStartedEnv creates a test engine environment, starts the engine,
// executes the provided function, and ensures cleanup happens automatically
func WithStartedEnv(t *testing.T, fn func(*TestEngineEnv)) {
	t.Helper()
	WithTestEnv(t, func(env *TestEngineEnv) {
		env.Engine.Start()
		fn(env)
	})
}
