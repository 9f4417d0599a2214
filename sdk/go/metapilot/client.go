// Package metapilot is a small Go client for the MetaPilot REST API.
package metapilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Operation statuses reported by the server.
const (
	StatusPending             = "pending"
	StatusRunning             = "running"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusFailed              = "failed"
)

// Client wraps the HTTP interactions with the MetaPilot REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// OperationRequest is the payload used to start an autonomous operation.
type OperationRequest struct {
	ID                 string         `json:"id,omitempty"`
	Type               string         `json:"operation_type"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	RiskTolerance      string         `json:"risk_tolerance,omitempty"`
	MaxDurationSeconds int            `json:"max_duration_seconds,omitempty"`
}

// StepResult mirrors one executed plan step.
type StepResult struct {
	StepNumber int            `json:"step_number"`
	AgentType  string         `json:"agent_type"`
	StepType   string         `json:"step_type"`
	Critical   bool           `json:"critical"`
	Success    bool           `json:"success"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// StepError is an entry of the operation error list.
type StepError struct {
	Step      int    `json:"step"`
	AgentType string `json:"agent_type,omitempty"`
	Message   string `json:"error"`
}

// Operation is the status snapshot returned by the server.
type Operation struct {
	ID                 string           `json:"operation_id"`
	Type               string           `json:"operation_type"`
	Parameters         map[string]any   `json:"parameters,omitempty"`
	RiskTolerance      string           `json:"risk_tolerance"`
	MaxDurationSeconds int              `json:"max_duration_seconds"`
	Plan               []map[string]any `json:"plan,omitempty"`
	Status             string           `json:"status"`
	Progress           float64          `json:"progress"`
	CurrentStep        int              `json:"current_step"`
	Results            []StepResult     `json:"results"`
	Errors             []StepError      `json:"errors"`
	Summary            map[string]any   `json:"summary,omitempty"`
	Participants       []string         `json:"participants,omitempty"`
	Error              string           `json:"error,omitempty"`
	CreatedAt          int64            `json:"created_at"`
	UpdatedAt          int64            `json:"updated_at"`
}

// Terminal reports whether the operation has finished.
func (o Operation) Terminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed:
		return true
	default:
		return false
	}
}

// TaskResult is the outcome of a directly dispatched task.
type TaskResult struct {
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// OperationStats counts stored operations by status.
type OperationStats struct {
	Total               int   `json:"total"`
	Pending             int   `json:"pending"`
	Running             int   `json:"running"`
	Completed           int   `json:"completed"`
	CompletedWithErrors int   `json:"completed_with_errors"`
	Failed              int   `json:"failed"`
	OldestUpdatedAt     int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt     int64 `json:"newest_updated_at,omitempty"`
}

// ListFilter narrows ListOperations results.
type ListFilter struct {
	Statuses  []string
	Type      string
	Limit     int
	Offset    int
	Ascending bool
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("metapilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("metapilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the MetaPilot API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// ProcessTask dispatches a task to an agent type. An empty agentType lets the
// governor delegate. A failed TaskResult is returned together with the error.
func (c *Client) ProcessTask(ctx context.Context, agentType string, task map[string]any) (TaskResult, error) {
	var out struct {
		Result TaskResult `json:"result"`
	}
	err := c.post(ctx, "/api/v1/tasks", nil, map[string]any{"agent_type": agentType, "task": task}, &out)
	return out.Result, err
}

// SubmitOperation queues an operation and returns its pending snapshot.
func (c *Client) SubmitOperation(ctx context.Context, req OperationRequest) (Operation, error) {
	var op Operation
	err := c.post(ctx, "/api/v1/operations", nil, req, &op)
	return op, err
}

// RunOperation executes an operation synchronously and returns the final snapshot.
func (c *Client) RunOperation(ctx context.Context, req OperationRequest) (Operation, error) {
	var op Operation
	err := c.post(ctx, "/api/v1/operations", url.Values{"wait": []string{"true"}}, req, &op)
	return op, err
}

// GetOperation fetches the current snapshot of an operation.
func (c *Client) GetOperation(ctx context.Context, id string) (Operation, error) {
	var op Operation
	err := c.get(ctx, "/api/v1/operations/"+url.PathEscape(id), nil, &op)
	return op, err
}

// ListOperations returns operations matching the filter.
func (c *Client) ListOperations(ctx context.Context, filter ListFilter) ([]Operation, error) {
	query := url.Values{}
	if len(filter.Statuses) > 0 {
		query.Set("status", strings.Join(filter.Statuses, ","))
	}
	if filter.Type != "" {
		query.Set("type", filter.Type)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		query.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Ascending {
		query.Set("order", "asc")
	}
	var out struct {
		Operations []Operation `json:"operations"`
	}
	err := c.get(ctx, "/api/v1/operations", query, &out)
	return out.Operations, err
}

// OperationStats returns status counts over all stored operations.
func (c *Client) OperationStats(ctx context.Context) (OperationStats, error) {
	var out OperationStats
	err := c.get(ctx, "/api/v1/operations/stats", nil, &out)
	return out, err
}

// CancelOperation requests cancellation of a pending or running operation.
func (c *Client) CancelOperation(ctx context.Context, id string) (Operation, error) {
	var op Operation
	err := c.post(ctx, "/api/v1/operations/"+url.PathEscape(id)+"/cancel", nil, nil, &op)
	return op, err
}

// ProvideFeedback rates a finished operation from 1 to 5.
func (c *Client) ProvideFeedback(ctx context.Context, id string, rating int, comments string) error {
	body := map[string]any{"rating": rating, "comments": comments}
	return c.post(ctx, "/api/v1/operations/"+url.PathEscape(id)+"/feedback", nil, body, nil)
}

// ListAgents returns the registered agents.
func (c *Client) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	var out struct {
		Agents []AgentInfo `json:"agents"`
	}
	err := c.get(ctx, "/api/v1/agents", nil, &out)
	return out.Agents, err
}

// WaitForOperation polls until the operation reaches a terminal status or ctx ends.
func (c *Client) WaitForOperation(ctx context.Context, id string, interval time.Duration) (Operation, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		op, err := c.GetOperation(ctx, id)
		if err != nil {
			return Operation{}, err
		}
		if op.Terminal() {
			return op, nil
		}
		select {
		case <-ctx.Done():
			return op, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, query, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr}); err != nil {
				_ = json.Unmarshal(data, apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		// Task endpoints return the failed result next to the error.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
