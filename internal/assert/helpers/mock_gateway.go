package helpers

import (
	"context"
	"sync"
	"time"

	"github.com/gantryio/gantry/internal/gateway"
	"github.com/gantryio/gantry/internal/notify"
	"github.com/gantryio/gantry/pkg/api"
)

type (
	// MockGateway is a mock agent gateway that records every dispatch and
	// returns configured results or errors per step
	MockGateway struct {
		results    map[api.StepID]*gateway.Result
		errors     map[api.StepID]error
		hangs      map[api.StepID]bool
		dispatched []api.StepID
		calls      []DispatchCall
		metadata   map[api.StepID][]api.Metadata
		dispatchCh map[api.StepID]chan struct{}
		mu         sync.Mutex
	}

	// DispatchCall records one gateway dispatch
	DispatchCall struct {
		StepID  api.StepID
		Agent   string
		Message string
	}

	// MockNotifier records notifications instead of delivering them
	MockNotifier struct {
		sent []*notify.Notification
		err  error
		mu   sync.Mutex
	}
)

// NewMockGateway creates a mock gateway that allows setting results and
// errors for specific step IDs
func NewMockGateway() *MockGateway {
	return &MockGateway{
		results:    map[api.StepID]*gateway.Result{},
		errors:     map[api.StepID]error{},
		hangs:      map[api.StepID]bool{},
		dispatched: []api.StepID{},
		metadata:   map[api.StepID][]api.Metadata{},
		dispatchCh: map[api.StepID]chan struct{}{},
	}
}

// Dispatch records the call and returns the configured result or error.
// Steps configured to hang block until the attempt context is cancelled,
// simulating an agent that never answers.
func (g *MockGateway) Dispatch(
	ctx context.Context, req *gateway.Request,
) (*gateway.Result, error) {
	g.mu.Lock()

	g.dispatched = append(g.dispatched, req.StepID)
	g.calls = append(g.calls, DispatchCall{
		StepID:  req.StepID,
		Agent:   req.Agent,
		Message: req.Message,
	})
	g.metadata[req.StepID] = append(g.metadata[req.StepID], req.Metadata)
	if ch, ok := g.dispatchCh[req.StepID]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}

	if g.hangs[req.StepID] {
		g.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer g.mu.Unlock()

	if err, ok := g.errors[req.StepID]; ok {
		return nil, err
	}
	if res, ok := g.results[req.StepID]; ok {
		return res, nil
	}
	return &gateway.Result{Output: api.Args{}}, nil
}

// SetHang configures a step's dispatches to block until cancelled
func (g *MockGateway) SetHang(stepID api.StepID, hang bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hangs[stepID] = hang
}

// SetResult configures the mock to return a specific result for a step
func (g *MockGateway) SetResult(stepID api.StepID, res *gateway.Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.results[stepID] = res
}

// SetOutput configures the mock to return specific outputs for a step
func (g *MockGateway) SetOutput(stepID api.StepID, out api.Args) {
	g.SetResult(stepID, &gateway.Result{Output: out})
}

// SetError configures the mock to return an error for a step
func (g *MockGateway) SetError(stepID api.StepID, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.errors[stepID] = err
}

// ClearError removes any configured error for a step
func (g *MockGateway) ClearError(stepID api.StepID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.errors, stepID)
}

// Dispatches returns the list of step IDs dispatched so far
func (g *MockGateway) Dispatches() []api.StepID {
	g.mu.Lock()
	defer g.mu.Unlock()
	res := make([]api.StepID, len(g.dispatched))
	copy(res, g.dispatched)
	return res
}

// Calls returns every dispatch with the agent it targeted
func (g *MockGateway) Calls() []DispatchCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]DispatchCall{}, g.calls...)
}

// DispatchCount returns the number of dispatches recorded for a step
func (g *MockGateway) DispatchCount(stepID api.StepID) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, id := range g.dispatched {
		if id == stepID {
			count++
		}
	}
	return count
}

// WasDispatched returns whether a specific step was dispatched
func (g *MockGateway) WasDispatched(stepID api.StepID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wasDispatchedLocked(stepID)
}

// Metadata returns the metadata recorded for each dispatch of a step
func (g *MockGateway) Metadata(stepID api.StepID) []api.Metadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]api.Metadata{}, g.metadata[stepID]...)
}

// WaitForDispatch blocks until a step is dispatched or the timeout expires
func (g *MockGateway) WaitForDispatch(
	stepID api.StepID, timeout time.Duration,
) bool {
	g.mu.Lock()
	if g.wasDispatchedLocked(stepID) {
		g.mu.Unlock()
		return true
	}
	ch, ok := g.dispatchCh[stepID]
	if !ok {
		ch = make(chan struct{}, 1)
		g.dispatchCh[stepID] = ch
	}
	g.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return g.WasDispatched(stepID)
	}
}

func (g *MockGateway) wasDispatchedLocked(stepID api.StepID) bool {
	for _, id := range g.dispatched {
		if id == stepID {
			return true
		}
	}
	return false
}

// NewMockNotifier creates a notifier that records deliveries
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

// Notify records the notification or returns the configured error
func (n *MockNotifier) Notify(
	_ context.Context, msg *notify.Notification,
) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, msg)
	return nil
}

// SetError configures the notifier to fail deliveries
func (n *MockNotifier) SetError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Sent returns the notifications recorded so far
func (n *MockNotifier) Sent() []*notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*notify.Notification{}, n.sent...)
}
