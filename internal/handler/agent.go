package handler

import (
	"context"
	"time"

	"github.com/gantryio/gantry/internal/gateway"
)

// AgentTaskHandler dispatches agent_task steps through an AgentGateway and
// maps dispatch errors to retryable or terminal failures
type AgentTaskHandler struct {
	gw gateway.AgentGateway
}

var _ Handler = (*AgentTaskHandler)(nil)

// NewAgentTaskHandler creates the handler for agent_task steps
func NewAgentTaskHandler(gw gateway.AgentGateway) *AgentTaskHandler {
	return &AgentTaskHandler{gw: gw}
}

func (h *AgentTaskHandler) Execute(
	ctx context.Context, sc *StepContext,
) *Outcome {
	cfg := sc.Step.AgentTask

	message, err := sc.Eval.Expand(cfg.Message)
	if err != nil {
		return Failure(err, false)
	}
	input, err := sc.Eval.ResolveArgs(sc.Execution.Input)
	if err != nil {
		return Failure(err, false)
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, sc.StepTimeout())
	defer cancel()

	start := time.Now()
	res, err := h.gw.Dispatch(dispatchCtx, &gateway.Request{
		Agent:       cfg.Agent,
		Message:     message,
		Input:       input,
		Metadata:    sc.Metadata,
		ExecutionID: sc.Execution.ID,
		StepID:      sc.Step.ID,
	})
	dur := time.Since(start)

	if err != nil {
		return Failure(err, gateway.IsRetryable(err))
	}
	return Success(res.Output).
		WithCost(res.Cost, res.Tokens).
		WithDuration(dur)
}
