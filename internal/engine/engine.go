// Package engine drives process executions from created to a terminal
// status. Each execution is advanced by a per-execution actor; the actor is
// the only writer of its aggregate, and every state change is an event
// appended through the execution store.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/kode4food/caravan/topic"
	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/internal/approval"
	"github.com/gantryio/gantry/internal/config"
	"github.com/gantryio/gantry/internal/gateway"
	"github.com/gantryio/gantry/internal/handler"
	"github.com/gantryio/gantry/internal/output"
	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
	"github.com/gantryio/gantry/pkg/log"
)

type (
	// Engine is the core process execution engine
	Engine struct {
		registryExec *RegistryExecutor
		execExec     *ExecutionExecutor
		handlers     handler.Registry
		outputs      *output.Store
		approvals    *approval.Store
		agents       gateway.AgentGateway
		ctx          context.Context
		cancel       context.CancelFunc
		consumer     EventConsumer
		config       *config.Config
		waits        *WaitQueue
		handler      timebox.Handler
		wg           sync.WaitGroup
		executions   sync.Map // map[api.ExecutionID]*executionActor
		running      sync.Map // map[api.ExecutionStep]context.CancelFunc
	}

	// EventConsumer consumes events from the event hub
	EventConsumer = topic.Consumer[*timebox.Event]

	// RegistryExecutor manages registry state persistence
	RegistryExecutor = timebox.Executor[*api.RegistryState]

	// RegistryAggregator aggregates registry state from events
	RegistryAggregator = timebox.Aggregator[*api.RegistryState]

	// ExecutionExecutor manages execution state persistence
	ExecutionExecutor = timebox.Executor[*api.ExecutionState]

	// ExecutionAggregator aggregates execution state from events
	ExecutionAggregator = timebox.Aggregator[*api.ExecutionState]
)

var (
	ErrShutdownTimeout       = errors.New("shutdown timeout exceeded")
	ErrExecutionNotFound     = errors.New("execution not found")
	ErrDefinitionNotFound    = errors.New("process definition not found")
	ErrDefinitionNotRunnable = errors.New("process definition not published")
	ErrInvalidExecutionState = errors.New(
		"operation not valid for execution state",
	)
	ErrStepNotFound      = errors.New("step not found")
	ErrStepNotWaiting    = errors.New("step is not waiting")
	ErrInvalidTransition = errors.New("invalid step status transition")
)

// New creates an engine on the given stores, handler registry, and
// collaborators
func New(
	registry, execution *timebox.Store, handlers handler.Registry,
	outputs *output.Store, approvals *approval.Store,
	agents gateway.AgentGateway, hub timebox.EventHub, cfg *config.Config,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registryExec: timebox.NewExecutor(
			registry, events.NewRegistryState, events.RegistryAppliers,
		),
		execExec: timebox.NewExecutor(
			execution, events.NewExecutionState, events.ExecutionAppliers,
		),
		handlers:  handlers,
		outputs:   outputs,
		approvals: approvals,
		agents:    agents,
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		consumer:  hub.NewConsumer(),
		waits:     NewWaitQueue(),
	}
	e.handler = e.createLifecycleHandler()
	return e
}

func (e *Engine) createLifecycleHandler() timebox.Handler {
	const (
		started   = timebox.EventType(api.EventTypeProcessStarted)
		completed = timebox.EventType(api.EventTypeProcessCompleted)
		failed    = timebox.EventType(api.EventTypeProcessFailed)
		cancelled = timebox.EventType(api.EventTypeProcessCancelled)
	)

	return timebox.MakeDispatcher(map[timebox.EventType]timebox.Handler{
		started:   timebox.MakeHandler(e.handleProcessStarted),
		completed: timebox.MakeHandler(e.handleProcessCompleted),
		failed:    timebox.MakeHandler(e.handleProcessFailed),
		cancelled: timebox.MakeHandler(e.handleProcessCancelled),
	})
}

// Start begins processing executions and events
func (e *Engine) Start() {
	slog.Info("Engine starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := e.RecoverExecutions(ctx); err != nil {
		slog.Error("Failed to recover executions",
			log.Error(err))
	}

	go e.eventLoop()
	go e.waitLoop()
	go e.sweepLoop()
}

// Stop gracefully shuts down the engine
func (e *Engine) Stop() error {
	e.cancel()
	e.waits.Stop()
	defer e.consumer.Close()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.saveRegistrySnapshot()
		slog.Info("Engine stopped")
		return nil
	case <-time.After(e.config.ShutdownTimeout):
		return ErrShutdownTimeout
	}
}

func (e *Engine) eventLoop() {
	for {
		select {
		case <-e.ctx.Done():
			return

		case event, ok := <-e.consumer.Receive():
			if !ok {
				return
			}
			e.routeEvent(event)
		}
	}
}

func (e *Engine) routeEvent(event *timebox.Event) {
	if err := e.handler(event); err != nil {
		slog.Error("Failed to handle lifecycle event",
			slog.String("event_type", string(event.Type)),
			log.Error(err))
	}

	if !events.IsExecutionEvent(event) {
		return
	}
	e.actorFor(events.ExecutionIDOf(event)).events <- event
}

func (e *Engine) actorFor(execID api.ExecutionID) *executionActor {
	actor, loaded := e.executions.Load(execID)
	if !loaded {
		ea := newExecutionActor(e, execID)
		actor, loaded = e.executions.LoadOrStore(execID, ea)
		if !loaded {
			e.wg.Add(1)
			go ea.run()
		}
	}
	return actor.(*executionActor)
}

// nudge enqueues a synthetic event so an execution's actor re-drives it
func (e *Engine) nudge(execID api.ExecutionID) {
	e.actorFor(execID).events <- &timebox.Event{
		AggregateID: events.ExecutionKey(execID),
		Type:        eventTypeWaitDue,
		Timestamp:   time.Now(),
	}
}

func (e *Engine) saveRegistrySnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.registryExec.SaveSnapshot(ctx, events.RegistryKey); err != nil {
		slog.Error("Failed to save registry snapshot",
			log.Error(err))
		return
	}
	slog.Info("Registry snapshot saved")
}

func (e *Engine) handleProcessStarted(
	ev *timebox.Event, data api.ProcessStartedEvent,
) error {
	return e.raiseRegistryEvent(context.Background(),
		api.EventTypeExecutionActivated,
		api.ExecutionActivatedEvent{
			ExecutionID: events.ExecutionIDOf(ev),
			ProcessID:   data.ProcessID,
		})
}

func (e *Engine) handleProcessCompleted(
	ev *timebox.Event, _ api.ProcessCompletedEvent,
) error {
	return e.deactivate(events.ExecutionIDOf(ev))
}

func (e *Engine) handleProcessFailed(
	ev *timebox.Event, _ api.ProcessFailedEvent,
) error {
	return e.deactivate(events.ExecutionIDOf(ev))
}

func (e *Engine) handleProcessCancelled(
	ev *timebox.Event, _ api.ProcessCancelledEvent,
) error {
	return e.deactivate(events.ExecutionIDOf(ev))
}

func (e *Engine) deactivate(execID api.ExecutionID) error {
	e.waits.RemoveExecution(execID)
	return e.raiseRegistryEvent(context.Background(),
		api.EventTypeExecutionDeactivated,
		api.ExecutionDeactivatedEvent{ExecutionID: execID})
}

func (e *Engine) raiseRegistryEvent(
	ctx context.Context, eventType api.EventType, data any,
) error {
	cmd := func(_ *api.RegistryState, ag *RegistryAggregator) error {
		return events.Raise(ag, eventType, data)
	}
	_, err := e.registryExec.Exec(ctx, events.RegistryKey, cmd)
	return err
}
