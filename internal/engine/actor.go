package engine

import (
	"log/slog"
	"time"

	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/pkg/api"
	"github.com/gantryio/gantry/pkg/events"
	"github.com/gantryio/gantry/pkg/log"
)

// executionActor serializes all drive activity for one execution. The
// engine routes that execution's events here, so at most one drive cycle
// runs per execution at a time.
type executionActor struct {
	*Engine
	execID       api.ExecutionID
	events       chan *timebox.Event
	eventHandler timebox.Handler
}

// eventTypeWaitDue is a synthetic, never-persisted event the wait loop
// uses to re-enter an execution whose deadline has passed
const eventTypeWaitDue = timebox.EventType("wait_due")

const actorIdleTimeout = 100 * time.Millisecond

func newExecutionActor(e *Engine, execID api.ExecutionID) *executionActor {
	ea := &executionActor{
		Engine: e,
		execID: execID,
		events: make(chan *timebox.Event, 100),
	}
	ea.eventHandler = ea.createEventHandler()
	return ea
}

func (ea *executionActor) run() {
	defer ea.wg.Done()
	defer ea.executions.Delete(ea.execID)

	idleTimer := time.NewTimer(actorIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case event := <-ea.events:
			ea.handleEvent(event)
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(actorIdleTimeout)

		case <-idleTimer.C:
			select {
			case event := <-ea.events:
				ea.handleEvent(event)
				idleTimer.Reset(actorIdleTimeout)
			default:
				return
			}

		case <-ea.ctx.Done():
			return
		}
	}
}

func (ea *executionActor) createEventHandler() timebox.Handler {
	drive := ea.handleDrive
	dispatcher := events.MakeDispatcher(map[api.EventType]timebox.Handler{
		api.EventTypeProcessStarted:  drive,
		api.EventTypeStepCompleted:   drive,
		api.EventTypeStepSkipped:     drive,
		api.EventTypeRetryScheduled:  timebox.MakeHandler(ea.handleRetryScheduled),
		api.EventTypeStepWaiting:     timebox.MakeHandler(ea.handleStepWaiting),
		api.EventTypeApprovalDecided: timebox.MakeHandler(ea.handleApprovalDecided),
	})

	return func(ev *timebox.Event) error {
		if ev.Type == eventTypeWaitDue {
			return ea.handleWaitDue(ev)
		}
		return dispatcher(ev)
	}
}

func (ea *executionActor) handleEvent(event *timebox.Event) {
	if err := ea.eventHandler(event); err != nil {
		slog.Error("Failed to handle execution event",
			log.ExecutionID(ea.execID),
			slog.Any("event_type", event.Type),
			log.Error(err))
	}
}

func (ea *executionActor) handleDrive(_ *timebox.Event) error {
	ea.drive()
	return nil
}

// handleRetryScheduled parks the retried step until its backoff deadline.
// A deadline already in the past re-drives immediately.
func (ea *executionActor) handleRetryScheduled(
	_ *timebox.Event, data api.RetryScheduledEvent,
) error {
	if !data.NextRetryAt.After(time.Now()) {
		ea.drive()
		return nil
	}
	ea.waits.Push(&WaitItem{
		ExecutionStep: api.ExecutionStep{
			ExecutionID: ea.execID,
			StepID:      data.StepID,
		},
		Kind:  WaitRetry,
		DueAt: data.NextRetryAt,
	})
	return nil
}

// handleStepWaiting parks a suspended step when it has a due-time; steps
// waiting on an external decision stay parked until that decision arrives
func (ea *executionActor) handleStepWaiting(
	_ *timebox.Event, data api.StepWaitingEvent,
) error {
	if data.ResumeAt.IsZero() {
		return nil
	}
	ea.waits.Push(&WaitItem{
		ExecutionStep: api.ExecutionStep{
			ExecutionID: ea.execID,
			StepID:      data.StepID,
		},
		Kind:  WaitResume,
		DueAt: data.ResumeAt,
	})
	return nil
}

// handleApprovalDecided re-enters the waiting approval step so its handler
// can pick the decision up from the approval store
func (ea *executionActor) handleApprovalDecided(
	_ *timebox.Event, data api.ApprovalDecidedEvent,
) error {
	return ea.resumeStep(data.StepID)
}

// handleWaitDue re-drives the execution and re-enters any waiting steps
// whose resume time has passed
func (ea *executionActor) handleWaitDue(_ *timebox.Event) error {
	st, err := ea.GetExecution(ea.ctx, ea.execID)
	if err != nil {
		return err
	}
	if st.Status.IsTerminal() {
		return nil
	}

	now := time.Now()
	for id, ss := range st.Steps {
		if ss.Status != api.StepWaiting || ss.ResumeAt.IsZero() {
			continue
		}
		if ss.ResumeAt.After(now) {
			continue
		}
		if err := ea.resumeStep(id); err != nil {
			slog.Error("Failed to resume waiting step",
				log.ExecutionID(ea.execID),
				log.StepID(id),
				log.Error(err))
		}
	}

	ea.drive()
	return nil
}
