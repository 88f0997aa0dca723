// Package llm is the budget-aware chat completion client shared by agent
// handlers. Every call is gated on the calling agent's daily token budget,
// retried on transient failures and recorded in the usage log.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"vetfleet/internal/config"
	"vetfleet/internal/domain"
	"vetfleet/internal/repo"
	"vetfleet/internal/telemetry"
)

// Model keys resolved through the configured model map.
const (
	ModelReasoning = "reasoning"
	ModelFast      = "fast"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	AgentID  string
	RunID    string
	Messages []Message
	// Model is a key of the model map; unknown keys are sent verbatim.
	Model string
	// JSON requests a json_object response format.
	JSON        bool
	MaxTokens   int
	Temperature *float64
}

type Result struct {
	Content          string  `json:"content"`
	TokensUsed       int64   `json:"tokens_used"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Model            string  `json:"model"`
	DurationMs       int64   `json:"duration_ms"`
}

// Chatter is satisfied by Client and by test doubles.
type Chatter interface {
	Chat(ctx context.Context, req Request) (Result, error)
}

type Client struct {
	Repo    repo.Repo
	Config  config.LLMConfig
	HTTP    *http.Client
	Limiter *rate.Limiter
	Metrics *telemetry.Metrics
	Now     func() time.Time
	// Sleep waits between retries; it returns early when ctx is done.
	Sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

func New(r repo.Repo, cfg config.LLMConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		Repo:    r,
		Config:  cfg,
		HTTP:    &http.Client{Timeout: timeout},
		Limiter: rate.NewLimiter(limit, burst),
		Now:     time.Now,
		Sleep:   sleepCtx,
		logger:  slog.Default().With("component", "llm"),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ResolveModel maps a model key to a concrete model name.
func (c *Client) ResolveModel(key string) string {
	if key == "" {
		key = ModelFast
	}
	if m, ok := c.Config.Models[key]; ok && m != "" {
		return m
	}
	return key
}

// Cost prices tokens at the model's per-1K rate.
func (c *Client) Cost(model string, tokens int64) float64 {
	per1K, ok := c.Config.CostPer1K[model]
	if !ok {
		per1K = c.Config.DefaultCostPer1K
	}
	return float64(tokens) / 1000 * per1K
}

// budget holds the agent's post-reset usage; tracked is false for callers
// without a registration.
type budget struct {
	tracked bool
	used    int64
}

func sameUTCDate(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func (c *Client) checkBudget(ctx context.Context, agentID string, now time.Time) (budget, error) {
	agent, err := c.Repo.GetAgent(ctx, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		return budget{}, nil
	}
	if err != nil {
		return budget{}, fmt.Errorf("load agent budget: %w", err)
	}
	reset := agent.BudgetResetAt == nil
	if !reset {
		at, perr := domain.ParseTime(*agent.BudgetResetAt)
		reset = perr != nil || !sameUTCDate(at, now)
	}
	if reset {
		if err := c.Repo.ResetAgentBudget(ctx, agentID, domain.FormatTime(now)); err != nil {
			return budget{}, fmt.Errorf("reset agent budget: %w", err)
		}
		return budget{tracked: true}, nil
	}
	if agent.DailyTokenBudget != nil && agent.DailyTokensUsed >= *agent.DailyTokenBudget {
		return budget{}, &BudgetError{AgentID: agentID, Used: agent.DailyTokensUsed, Budget: *agent.DailyTokenBudget}
	}
	return budget{tracked: true, used: agent.DailyTokensUsed}, nil
}

// Chat runs one completion on behalf of req.AgentID.
func (c *Client) Chat(ctx context.Context, req Request) (Result, error) {
	if c.Config.APIKey == "" {
		return Result{}, ErrNotConfigured
	}
	now := c.Now()
	b, err := c.checkBudget(ctx, req.AgentID, now)
	if err != nil {
		return Result{}, err
	}
	model := c.ResolveModel(req.Model)
	body := c.requestBody(model, req)

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.Config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(c.Config.RetryBase) * math.Pow(2, float64(attempt-1)))
			c.logger.WarnContext(ctx, "retrying completion", "agent_id", req.AgentID, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := c.Sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}
		res, err := c.complete(ctx, body)
		if err == nil {
			res.Model = model
			res.CostUSD = c.Cost(model, res.TokensUsed)
			res.DurationMs = time.Since(start).Milliseconds()
			c.recordSuccess(ctx, req, b, res)
			return res, nil
		}
		lastErr = err
		if !retryable(ctx, err) {
			break
		}
	}
	elapsed := time.Since(start)
	c.recordFailure(ctx, req, model, elapsed, lastErr)
	return Result{}, lastErr
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var de *decodeError
	return !errors.As(err, &de)
}

func (c *Client) requestBody(model string, req Request) map[string]any {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.Config.DefaultMaxTokens
	}
	temperature := c.Config.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	body := map[string]any{
		"model":       model,
		"messages":    req.Messages,
		"max_tokens":  maxTokens,
		"temperature": temperature,
	}
	if req.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	return body
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode completion: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) complete(ctx context.Context, body map[string]any) (Result, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return Result{}, err
		}
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Result{}, &decodeError{err}
	}
	url := strings.TrimRight(c.Config.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Config.APIKey)
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var cr completionResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return Result{}, &decodeError{err}
	}
	if len(cr.Choices) == 0 {
		return Result{}, &decodeError{errors.New("no choices in response")}
	}
	total := cr.Usage.TotalTokens
	if total == 0 {
		total = cr.Usage.PromptTokens + cr.Usage.CompletionTokens
	}
	return Result{
		Content:          cr.Choices[0].Message.Content,
		TokensUsed:       total,
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
	}, nil
}

func feature(agentID string) string {
	return "agent:" + agentID
}

func (c *Client) recordSuccess(ctx context.Context, req Request, b budget, res Result) {
	c.Metrics.LLMCall(ctx, req.AgentID, res.Model, res.TokensUsed, time.Duration(res.DurationMs)*time.Millisecond, true)
	err := c.Repo.InsertUsageLog(ctx, domain.UsageLog{
		ID:               uuid.NewString(),
		Feature:          feature(req.AgentID),
		Model:            res.Model,
		TokensUsed:       res.TokensUsed,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		CostUSD:          res.CostUSD,
		DurationMs:       res.DurationMs,
		Success:          true,
		Metadata:         map[string]any{"run_id": req.RunID},
		CreatedAt:        domain.FormatTime(c.Now()),
	})
	if err != nil {
		c.logger.WarnContext(ctx, "usage log write failed", "agent_id", req.AgentID, "error", err)
	}
	if !b.tracked {
		return
	}
	if err := c.Repo.SetAgentTokensUsed(ctx, req.AgentID, b.used+res.TokensUsed); err != nil {
		c.logger.WarnContext(ctx, "token counter update failed", "agent_id", req.AgentID, "error", err)
	}
}

func (c *Client) recordFailure(ctx context.Context, req Request, model string, elapsed time.Duration, cause error) {
	c.Metrics.LLMCall(ctx, req.AgentID, model, 0, elapsed, false)
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	err := c.Repo.InsertUsageLog(ctx, domain.UsageLog{
		ID:           uuid.NewString(),
		Feature:      feature(req.AgentID),
		Model:        model,
		DurationMs:   elapsed.Milliseconds(),
		Success:      false,
		ErrorMessage: &msg,
		Metadata:     map[string]any{"run_id": req.RunID},
		CreatedAt:    domain.FormatTime(c.Now()),
	})
	if err != nil {
		c.logger.WarnContext(ctx, "usage log write failed", "agent_id", req.AgentID, "error", err)
	}
	c.logger.ErrorContext(ctx, "completion failed", "agent_id", req.AgentID, "model", model, "error", cause)
}
