package handler

import (
	"context"
	"errors"

	"github.com/gantryio/gantry/internal/util"
	"github.com/gantryio/gantry/pkg/api"
)

// GatewayHandler evaluates branch conditions over the expression context
// and reports which downstream steps were selected and which must be
// skipped. The selection lands in the step output, so replay and recovery
// re-derive it from persisted state rather than re-evaluating the world.
type GatewayHandler struct{}

// Output keys recorded by gateway steps
const (
	GatewaySelectedKey = "selected_steps"
	GatewaySkippedKey  = "skipped_steps"
	GatewayBranchKey   = "branch"
)

var ErrNoBranchMatched = errors.New("no gateway branch matched")

var _ Resumable = (*GatewayHandler)(nil)

// NewGatewayHandler creates the handler for gateway steps
func NewGatewayHandler() *GatewayHandler {
	return &GatewayHandler{}
}

func (h *GatewayHandler) Execute(
	_ context.Context, sc *StepContext,
) *Outcome {
	branches := sc.Step.Gateway.Branches

	idx, err := selectBranch(sc, branches)
	if err != nil {
		return Failure(err, false)
	}
	if idx < 0 {
		return Failure(ErrNoBranchMatched, false)
	}

	selected := util.SetOf(branches[idx].Steps...)
	var skipped []api.StepID
	for i, b := range branches {
		if i == idx {
			continue
		}
		for _, s := range b.Steps {
			if !selected.Contains(s) {
				skipped = append(skipped, s)
			}
		}
	}

	return Success(api.Args{
		GatewayBranchKey:   idx,
		GatewaySelectedKey: stepIDStrings(branches[idx].Steps),
		GatewaySkippedKey:  stepIDStrings(skipped),
	})
}

// selectBranch returns the first branch whose condition holds. The default
// branch (empty condition) is only considered after every conditional
// branch has been rejected.
func selectBranch(
	sc *StepContext, branches []*api.GatewayBranch,
) (int, error) {
	def := -1
	for i, b := range branches {
		if b.When == "" {
			if def < 0 {
				def = i
			}
			continue
		}
		ok, err := sc.Eval.EvalBool(b.When)
		if err != nil {
			return 0, err
		}
		if ok {
			return i, nil
		}
	}
	return def, nil
}

// SelectedSteps reads a completed gateway's selection back out of its
// persisted output
func SelectedSteps(output api.Args) ([]api.StepID, []api.StepID) {
	return stepIDsFromOutput(output, GatewaySelectedKey),
		stepIDsFromOutput(output, GatewaySkippedKey)
}

func stepIDsFromOutput(output api.Args, key string) []api.StepID {
	raw, ok := output[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		res := make([]api.StepID, len(v))
		for i, s := range v {
			res[i] = api.StepID(s)
		}
		return res
	case []any:
		var res []api.StepID
		for _, s := range v {
			if str, ok := s.(string); ok {
				res = append(res, api.StepID(str))
			}
		}
		return res
	}
	return nil
}

func stepIDStrings(ids []api.StepID) []string {
	res := make([]string, len(ids))
	for i, id := range ids {
		res[i] = string(id)
	}
	return res
}

func (*GatewayHandler) Resumable() {}
