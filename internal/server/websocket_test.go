package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kode4food/timebox"
	"github.com/stretchr/testify/assert"

	"github.com/gantryio/gantry/internal/assert/helpers"
	"github.com/gantryio/gantry/internal/server"
	"github.com/gantryio/gantry/pkg/api"
)

type testWebSocketEnv struct {
	Server *httptest.Server
	Env    *helpers.TestEngineEnv
	Conn   *websocket.Conn
}

const (
	wsReadTimeout  = 500 * time.Millisecond
	wsCloseTimeout = 200 * time.Millisecond
	wsErrorTimeout = 100 * time.Millisecond
)

func (e *testWebSocketEnv) Cleanup() {
	if e.Conn != nil {
		_ = e.Conn.Close()
	}
	if e.Server != nil {
		e.Server.Close()
	}
	if e.Env != nil {
		e.Env.Cleanup()
	}
}

func TestSocket(t *testing.T) {
	env := testWebSocket(t, nil)
	defer env.Cleanup()

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsErrorTimeout))
	_, _, err := env.Conn.ReadMessage()
	assert.Error(t, err)
}

func TestClientReceivesEvent(t *testing.T) {
	execID := api.ExecutionID("we-123")
	getState := func(
		_ context.Context, id api.ExecutionID,
	) (any, int64, error) {
		return &api.ExecutionState{ID: id}, 0, nil
	}

	env := testWebSocket(t, getState)
	defer env.Cleanup()

	subscribe(t, env.Conn, api.ClientSubscription{ExecutionID: execID})

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var stateMsg api.SubscribedResult
	err := env.Conn.ReadJSON(&stateMsg)
	assert.NoError(t, err)

	err = env.Env.AppendExecutionEvents(execID,
		wsStepStarted(t, execID, "step-1"))
	assert.NoError(t, err)

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var wsEvent api.WebSocketEvent
	err = env.Conn.ReadJSON(&wsEvent)
	assert.NoError(t, err)

	assert.Equal(t, api.EventTypeStepStarted, wsEvent.Type)
	var data api.StepStartedEvent
	err = json.Unmarshal(wsEvent.Data, &data)
	assert.NoError(t, err)
	assert.Equal(t, api.StepID("step-1"), data.StepID)
}

func TestMessageInvalid(t *testing.T) {
	env := testWebSocket(t, nil)
	defer env.Cleanup()
	execID := api.ExecutionID("we-123")

	err := env.Conn.WriteMessage(websocket.TextMessage, []byte("invalid json"))
	assert.NoError(t, err)

	err = env.Env.AppendExecutionEvents(execID,
		wsStepStarted(t, execID, "step-1"))
	assert.NoError(t, err)

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsErrorTimeout))
	var wsEvent api.WebSocketEvent
	err = env.Conn.ReadJSON(&wsEvent)
	assert.Error(t, err)
}

func TestMessageNonSubscribe(t *testing.T) {
	env := testWebSocket(t, nil)
	defer env.Cleanup()
	execID := api.ExecutionID("we-123")

	sub := api.SubscribeRequest{
		Type: "other",
		Data: api.ClientSubscription{ExecutionID: execID},
	}
	err := env.Conn.WriteJSON(sub)
	assert.NoError(t, err)

	err = env.Env.AppendExecutionEvents(execID,
		wsStepStarted(t, execID, "step-1"))
	assert.NoError(t, err)

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsErrorTimeout))
	var wsEvent api.WebSocketEvent
	err = env.Conn.ReadJSON(&wsEvent)
	assert.Error(t, err)
}

func TestSubscribeStateSendsState(t *testing.T) {
	execState := &api.ExecutionState{
		ID:     "we-123",
		Status: api.ExecutionRunning,
	}

	getState := func(
		_ context.Context, id api.ExecutionID,
	) (any, int64, error) {
		assert.Equal(t, api.ExecutionID("we-123"), id)
		return execState, 5, nil
	}

	env := testWebSocket(t, getState)
	defer env.Cleanup()

	subscribe(t, env.Conn, api.ClientSubscription{ExecutionID: "we-123"})

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var stateMsg api.SubscribedResult
	err := env.Conn.ReadJSON(&stateMsg)
	assert.NoError(t, err)
	assert.Equal(t, "subscribed", stateMsg.Type)
	assert.Equal(t, api.ExecutionID("we-123"), stateMsg.ExecutionID)
	assert.Equal(t, int64(5), stateMsg.Sequence)

	var receivedState api.ExecutionState
	err = json.Unmarshal(stateMsg.Data, &receivedState)
	assert.NoError(t, err)
	assert.Equal(t, api.ExecutionID("we-123"), receivedState.ID)
	assert.Equal(t, api.ExecutionRunning, receivedState.Status)
}

func TestStaleEventsFiltered(t *testing.T) {
	execID := api.ExecutionID("we-123")
	getState := func(
		_ context.Context, id api.ExecutionID,
	) (any, int64, error) {
		return &api.ExecutionState{ID: id}, 1, nil
	}

	env := testWebSocket(t, getState)
	defer env.Cleanup()

	subscribe(t, env.Conn, api.ClientSubscription{ExecutionID: execID})

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var stateMsg api.SubscribedResult
	err := env.Conn.ReadJSON(&stateMsg)
	assert.NoError(t, err)
	assert.Equal(t, int64(1), stateMsg.Sequence)

	// First appended event carries sequence 0, below the subscription's
	// minimum; the second is fresh
	err = env.Env.AppendExecutionEvents(execID,
		wsStepStarted(t, execID, "stale-step"),
		wsStepStarted(t, execID, "fresh-step"))
	assert.NoError(t, err)

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	var wsEvent api.WebSocketEvent
	err = env.Conn.ReadJSON(&wsEvent)
	assert.NoError(t, err)

	var stepData api.StepStartedEvent
	err = json.Unmarshal(wsEvent.Data, &stepData)
	assert.NoError(t, err)
	assert.Equal(t, api.StepID("fresh-step"), stepData.StepID)
}

func TestSubscribeStateWithError(t *testing.T) {
	getState := func(
		_ context.Context, id api.ExecutionID,
	) (any, int64, error) {
		return nil, 0, assert.AnError
	}

	env := testWebSocket(t, getState)
	defer env.Cleanup()

	subscribe(t, env.Conn, api.ClientSubscription{ExecutionID: "we-123"})

	_ = env.Conn.SetReadDeadline(time.Now().Add(wsErrorTimeout))
	_, _, err := env.Conn.ReadMessage()
	assert.Error(t, err)
}

func TestSubscribeNoID(t *testing.T) {
	getStateCalled := false
	getState := func(
		_ context.Context, id api.ExecutionID,
	) (any, int64, error) {
		getStateCalled = true
		return nil, 0, nil
	}

	env := testWebSocket(t, getState)
	defer env.Cleanup()

	subscribe(t, env.Conn, api.ClientSubscription{
		EventTypes: []api.EventType{api.EventTypeProcessStarted},
	})

	assert.False(t, getStateCalled)
}

func TestServerCloseWebSockets(t *testing.T) {
	env := testServer(t)
	defer env.Cleanup()

	srv := httptest.NewServer(env.Router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/engine/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)
	defer func() { _ = conn.Close() }()

	// The connection registers from the handler goroutine
	time.Sleep(50 * time.Millisecond)
	env.Server.CloseWebSockets()

	_ = conn.SetReadDeadline(time.Now().Add(wsCloseTimeout))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func subscribe(t *testing.T, conn *websocket.Conn, sub api.ClientSubscription) {
	t.Helper()
	err := conn.WriteJSON(api.SubscribeRequest{
		Type: "subscribe",
		Data: sub,
	})
	assert.NoError(t, err)
}

func wsStepStarted(
	t *testing.T, execID api.ExecutionID, stepID api.StepID,
) *timebox.Event {
	t.Helper()
	data, err := json.Marshal(api.StepStartedEvent{
		ExecutionID: execID,
		StepID:      stepID,
	})
	assert.NoError(t, err)
	return &timebox.Event{
		Type: timebox.EventType(api.EventTypeStepStarted),
		Data: data,
	}
}

func testWebSocket(t *testing.T, getState server.StateFunc) *testWebSocketEnv {
	t.Helper()
	env := helpers.NewTestEngine(t)

	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			server.HandleWebSocket(env.EventHub, w, r, getState, nil)
		},
	))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	assert.NoError(t, err)

	return &testWebSocketEnv{
		Server: srv,
		Env:    env,
		Conn:   conn,
	}
}
