// Package gateway dispatches agent task steps to agent containers over
// HTTP and classifies failures as retryable or not.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gantryio/gantry/pkg/api"
)

type (
	// AgentGateway dispatches one agent task and reports its output, cost,
	// and token usage
	AgentGateway interface {
		Dispatch(context.Context, *Request) (*Result, error)
	}

	// Request is one agent task dispatch
	Request struct {
		Input       api.Args        `json:"input,omitempty"`
		Metadata    api.Metadata    `json:"metadata,omitempty"`
		Agent       string          `json:"agent"`
		Message     string          `json:"message"`
		ExecutionID api.ExecutionID `json:"execution_id"`
		StepID      api.StepID      `json:"step_id"`
	}

	// Result is a successful agent task response
	Result struct {
		Output api.Args       `json:"output,omitempty"`
		Cost   api.Money      `json:"cost"`
		Tokens api.TokenUsage `json:"tokens"`
	}

	// AgentTaskError is a dispatch failure with a retryable classification
	AgentTaskError struct {
		Err       error
		Retryable bool
	}

	// HTTPGateway dispatches agent tasks as POSTs to an agent service
	HTTPGateway struct {
		httpClient *http.Client
		baseURL    string
	}

	agentResponse struct {
		Output api.Args       `json:"output,omitempty"`
		Cost   api.Money      `json:"cost"`
		Tokens api.TokenUsage `json:"tokens"`
		Error  string         `json:"error,omitempty"`
		OK     bool           `json:"ok"`
	}
)

var (
	ErrAgentUnsuccessful = errors.New("agent returned ok=false")
	ErrAgentHTTP         = errors.New("agent returned HTTP error")

	_ AgentGateway = (*HTTPGateway)(nil)
	_ error        = (*AgentTaskError)(nil)
)

func (e *AgentTaskError) Error() string {
	return e.Err.Error()
}

func (e *AgentTaskError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is an agent task failure worth retrying
func IsRetryable(err error) bool {
	var ae *AgentTaskError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// NewHTTPGateway creates a gateway that POSTs tasks to baseURL/agents/<agent>
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: baseURL,
	}
}

func (g *HTTPGateway) Dispatch(
	ctx context.Context, req *Request,
) (*Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		slog.Error("Failed to marshal agent request",
			slog.Any("step_id", req.StepID),
			slog.Any("error", err))
		return nil, &AgentTaskError{Err: err}
	}

	url := fmt.Sprintf("%s/agents/%s", g.baseURL, req.Agent)
	httpReq, err := http.NewRequestWithContext(
		ctx, http.MethodPost, url, bytes.NewBuffer(body),
	)
	if err != nil {
		return nil, &AgentTaskError{Err: err}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Gantry-Engine/1.0")

	start := time.Now()
	resp, err := g.httpClient.Do(httpReq)
	dur := time.Since(start)

	if err != nil {
		slog.Error("Agent request failed",
			slog.Any("step_id", req.StepID),
			slog.Duration("duration", dur),
			slog.Any("error", err))
		// Network failures and client timeouts leave the task unconfirmed
		return nil, &AgentTaskError{Err: err, Retryable: true}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &AgentTaskError{Err: err, Retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("Agent HTTP error",
			slog.Any("step_id", req.StepID),
			slog.Int("status_code", resp.StatusCode),
			slog.String("response_body", string(respBody)))
		return nil, &AgentTaskError{
			Err:       fmt.Errorf("%w: HTTP %d", ErrAgentHTTP, resp.StatusCode),
			Retryable: retryableStatus(resp.StatusCode),
		}
	}

	var response agentResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		slog.Error("Failed to unmarshal agent response",
			slog.Any("step_id", req.StepID),
			slog.Any("error", err))
		return nil, &AgentTaskError{Err: err}
	}

	if !response.OK {
		err := ErrAgentUnsuccessful
		if response.Error != "" {
			err = fmt.Errorf("%w: %s", ErrAgentUnsuccessful, response.Error)
		}
		slog.Error("Agent task unsuccessful",
			slog.Any("step_id", req.StepID),
			slog.String("error", response.Error))
		return nil, &AgentTaskError{Err: err}
	}

	out := response.Output
	if out == nil {
		out = api.Args{}
	}
	return &Result{
		Output: out,
		Cost:   response.Cost,
		Tokens: response.Tokens,
	}, nil
}

// retryableStatus treats server errors and throttling as transient;
// everything else in the 4xx range means the request itself is bad
func retryableStatus(code int) bool {
	if code >= http.StatusInternalServerError {
		return true
	}
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout
}
