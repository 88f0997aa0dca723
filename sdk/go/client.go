package vetfleetsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Vetfleet HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Proposal represents the API proposal model (partial).
type Proposal struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id"`
	ProposalType     string         `json:"proposal_type"`
	Title            string         `json:"title"`
	Summary          string         `json:"summary"`
	Detail           map[string]any `json:"detail"`
	RiskLevel        string         `json:"risk_level"`
	Status           string         `json:"status"`
	TargetEmployeeID string         `json:"target_employee_id,omitempty"`
	ReviewedBy       string         `json:"reviewed_by,omitempty"`
	ReviewNotes      string         `json:"review_notes,omitempty"`
	ExpiresAt        string         `json:"expires_at,omitempty"`
	CreatedAt        string         `json:"created_at"`
}

// ProposalPage is one page of a proposal listing.
type ProposalPage struct {
	Proposals []Proposal `json:"proposals"`
	Total     int        `json:"total"`
}

// ProposalQuery filters ListProposals. Zero values are omitted.
type ProposalQuery struct {
	AgentID          string
	Status           string
	ProposalType     string
	TargetEmployeeID string
	ActiveOnly       bool
	Limit            int
	Offset           int
}

// ReviewResult reports the outcome of approve or reject.
type ReviewResult struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
	Applied    bool   `json:"applied"`
}

// Agent represents a registered agent (partial).
type Agent struct {
	AgentID           string `json:"agent_id"`
	DisplayName       string `json:"display_name"`
	Cluster           string `json:"cluster"`
	Status            string `json:"status"`
	ScheduleCron      string `json:"schedule_cron,omitempty"`
	DailyTokenBudget  *int64 `json:"daily_token_budget,omitempty"`
	DailyTokensUsed   int64  `json:"daily_tokens_used"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastRunAt         string `json:"last_run_at,omitempty"`
	LastRunStatus     string `json:"last_run_status,omitempty"`
}

// TriggerResult summarises a manually triggered run.
type TriggerResult struct {
	AgentID          string  `json:"agent_id"`
	Status           string  `json:"status"`
	ProposalsCreated int     `json:"proposals_created"`
	TokensUsed       int64   `json:"tokens_used"`
	CostUSD          float64 `json:"cost_usd"`
	Summary          string  `json:"summary"`
}

// Run represents one agent execution (partial).
type Run struct {
	ID               string  `json:"id"`
	AgentID          string  `json:"agent_id"`
	TriggerType      string  `json:"trigger_type"`
	Status           string  `json:"status"`
	StartedAt        string  `json:"started_at"`
	FinishedAt       string  `json:"finished_at,omitempty"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	ProposalsCreated int     `json:"proposals_created"`
	TokensUsed       int64   `json:"tokens_used"`
	CostUSD          float64 `json:"cost_usd"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListProposals returns one page of proposals, newest first.
func (c *Client) ListProposals(ctx context.Context, q ProposalQuery) (ProposalPage, error) {
	v := url.Values{}
	setIf(v, "agent_id", q.AgentID)
	setIf(v, "status", q.Status)
	setIf(v, "type", q.ProposalType)
	setIf(v, "target_employee_id", q.TargetEmployeeID)
	if q.ActiveOnly {
		v.Set("active_only", "true")
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	var resp ProposalPage
	err := c.do(ctx, http.MethodGet, withQuery("proposals", v), nil, &resp)
	return resp, err
}

// GetProposal fetches one proposal.
func (c *Client) GetProposal(ctx context.Context, id string) (Proposal, error) {
	var resp Proposal
	err := c.do(ctx, http.MethodGet, "proposals/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve approves a pending proposal; the server applies it immediately.
func (c *Client) Approve(ctx context.Context, id, notes string) (ReviewResult, error) {
	return c.review(ctx, id, "approve", notes)
}

// Reject rejects a pending proposal.
func (c *Client) Reject(ctx context.Context, id, notes string) (ReviewResult, error) {
	return c.review(ctx, id, "reject", notes)
}

func (c *Client) review(ctx context.Context, id, action, notes string) (ReviewResult, error) {
	body := map[string]any{"action": action}
	if notes != "" {
		body["notes"] = notes
	}
	var resp ReviewResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/review", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Resolve closes a proposal as applied without running its side effect.
func (c *Client) Resolve(ctx context.Context, id, notes string) error {
	body := map[string]any{}
	if notes != "" {
		body["notes"] = notes
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("proposals/%s/resolve", url.PathEscape(id)), body, nil)
}

// BulkResolve resolves matching proposals and returns how many changed.
func (c *Client) BulkResolve(ctx context.Context, agentID, status string) (int, error) {
	body := map[string]any{}
	if agentID != "" {
		body["agent_id"] = agentID
	}
	if status != "" {
		body["status"] = status
	}
	var resp struct {
		Resolved int `json:"resolved"`
	}
	err := c.do(ctx, http.MethodPost, "proposals/resolve", body, &resp)
	return resp.Resolved, err
}

// ProposalStats returns proposal counts by status.
func (c *Client) ProposalStats(ctx context.Context, agentID string) (map[string]int, error) {
	v := url.Values{}
	setIf(v, "agent_id", agentID)
	var resp map[string]int
	err := c.do(ctx, http.MethodGet, withQuery("proposals/stats", v), nil, &resp)
	return resp, err
}

// ListAgents lists registered agents.
func (c *Client) ListAgents(ctx context.Context, status, cluster string) ([]Agent, error) {
	v := url.Values{}
	setIf(v, "status", status)
	setIf(v, "cluster", cluster)
	var resp []Agent
	err := c.do(ctx, http.MethodGet, withQuery("agents", v), nil, &resp)
	return resp, err
}

// SetAgentStatus changes an agent's status.
func (c *Client) SetAgentStatus(ctx context.Context, agentID, status string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/status", url.PathEscape(agentID)),
		map[string]any{"status": status}, nil)
}

// TriggerAgent runs an agent immediately and waits for the result.
func (c *Client) TriggerAgent(ctx context.Context, agentID string) (TriggerResult, error) {
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("agents/%s/trigger", url.PathEscape(agentID)), nil, &resp)
	return resp, err
}

// ListRuns returns recent runs.
func (c *Client) ListRuns(ctx context.Context, agentID, status string, limit int) ([]Run, error) {
	v := url.Values{}
	setIf(v, "agent_id", agentID)
	setIf(v, "status", status)
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Runs []Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("runs", v), nil, &resp)
	return resp.Runs, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}

func withQuery(p string, v url.Values) string {
	if len(v) == 0 {
		return p
	}
	return p + "?" + v.Encode()
}

func setIf(v url.Values, key, value string) {
	if value != "" {
		v.Set(key, value)
	}
}
