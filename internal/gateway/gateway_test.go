package gateway_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryio/gantry/internal/gateway"
)

func TestDispatchSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "POST", r.Method)
			assert.Equal(t, "/agents/writer", r.URL.Path)
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "Gantry-Engine/1.0", r.Header.Get("User-Agent"))

			var req gateway.Request
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "draft the summary", req.Message)

			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(
				`{"ok":true,"output":{"result":"done"},` +
					`"cost":{"amount":"0.01","currency":"USD"},` +
					`"tokens":{"input":10,"output":20}}`,
			))
		},
	))
	defer server.Close()

	gw := gateway.NewHTTPGateway(server.URL, 5*time.Second)
	res, err := gw.Dispatch(context.Background(), &gateway.Request{
		Agent:       "writer",
		Message:     "draft the summary",
		ExecutionID: "we-1",
		StepID:      "draft",
	})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Output["result"])
	assert.Equal(t, "USD", res.Cost.Currency)
	assert.Equal(t, int64(30), res.Tokens.Total())
}

func TestDispatchNilOutput(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"ok":true}`))
		},
	))
	defer server.Close()

	gw := gateway.NewHTTPGateway(server.URL, 5*time.Second)
	res, err := gw.Dispatch(context.Background(), &gateway.Request{
		Agent: "writer",
	})
	require.NoError(t, err)
	assert.NotNil(t, res.Output)
	assert.Empty(t, res.Output)
}

func TestDispatchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
	))
	defer server.Close()

	gw := gateway.NewHTTPGateway(server.URL, 5*time.Second)
	_, err := gw.Dispatch(context.Background(), &gateway.Request{
		Agent: "writer",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAgentHTTP)
	assert.True(t, gateway.IsRetryable(err))
}

func TestDispatchClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		},
	))
	defer server.Close()

	gw := gateway.NewHTTPGateway(server.URL, 5*time.Second)
	_, err := gw.Dispatch(context.Background(), &gateway.Request{
		Agent: "writer",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAgentHTTP)
	assert.False(t, gateway.IsRetryable(err))
}

func TestDispatchThrottled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		},
	))
	defer server.Close()

	gw := gateway.NewHTTPGateway(server.URL, 5*time.Second)
	_, err := gw.Dispatch(context.Background(), &gateway.Request{
		Agent: "writer",
	})
	require.Error(t, err)
	assert.True(t, gateway.IsRetryable(err))
}

func TestDispatchUnsuccessful(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"ok":false,"error":"agent crashed"}`))
		},
	))
	defer server.Close()

	gw := gateway.NewHTTPGateway(server.URL, 5*time.Second)
	_, err := gw.Dispatch(context.Background(), &gateway.Request{
		Agent: "writer",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAgentUnsuccessful)
	assert.Contains(t, err.Error(), "agent crashed")
	assert.False(t, gateway.IsRetryable(err))
}

func TestDispatchNetworkError(t *testing.T) {
	gw := gateway.NewHTTPGateway(
		"http://127.0.0.1:1", 250*time.Millisecond,
	)
	_, err := gw.Dispatch(context.Background(), &gateway.Request{
		Agent: "writer",
	})
	require.Error(t, err)
	assert.True(t, gateway.IsRetryable(err))
}

func TestIsRetryableOtherError(t *testing.T) {
	assert.False(t, gateway.IsRetryable(errors.New("plain")))
	assert.False(t, gateway.IsRetryable(nil))
}
