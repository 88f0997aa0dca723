// Package runs owns the agent run lifecycle: every execution gets a run row
// that is started, then completed or failed, with the outcome stamped back
// onto the agent registration.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"vetfleet/internal/domain"
	"vetfleet/internal/registry"
	"vetfleet/internal/repo"
)

// Context is handed to a handler for one run.
type Context struct {
	AgentID       string
	RunID         string
	TriggerType   string
	TriggerSource string
	Config        map[string]any
}

// Result is what a handler reports back.
type Result struct {
	Status                string         `json:"status"`
	ProposalsCreated      int            `json:"proposals_created"`
	ProposalsAutoApproved int            `json:"proposals_auto_approved"`
	TokensUsed            int64          `json:"tokens_used"`
	CostUSD               float64        `json:"cost_usd"`
	Summary               string         `json:"summary"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

type Handler interface {
	Run(ctx context.Context, rc Context) (Result, error)
}

type HandlerFunc func(ctx context.Context, rc Context) (Result, error)

func (f HandlerFunc) Run(ctx context.Context, rc Context) (Result, error) { return f(ctx, rc) }

type Harness struct {
	Repo     repo.Repo
	Registry *registry.Registry
	Now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewHarness(r repo.Repo, reg *registry.Registry) *Harness {
	return &Harness{
		Repo:     r,
		Registry: reg,
		Now:      time.Now,
		handlers: map[string]Handler{},
		logger:   slog.Default().With("component", "runs"),
	}
}

func (h *Harness) Register(agentID string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[agentID] = handler
}

func (h *Harness) Handler(agentID string) (Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	hd, ok := h.handlers[agentID]
	return hd, ok
}

// Registered lists agent ids with a handler, sorted.
func (h *Harness) Registered() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start inserts a running run row and returns its id.
func (h *Harness) Start(ctx context.Context, agentID, trigger, source string) (string, error) {
	run := domain.AgentRun{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		TriggerType: trigger,
		Status:      domain.RunRunning,
		StartedAt:   domain.FormatTime(h.Now()),
		Metadata:    map[string]any{},
	}
	if source != "" {
		run.TriggerSource = &source
	}
	if err := h.Repo.InsertRun(ctx, run); err != nil {
		return "", fmt.Errorf("start run for %s: %w", agentID, err)
	}
	h.logger.InfoContext(ctx, "run started", "agent_id", agentID, "run_id", run.ID, "trigger", trigger)
	return run.ID, nil
}

// Complete records the terminal result of a run. Failures are logged.
func (h *Harness) Complete(ctx context.Context, runID string, res Result) {
	status := res.Status
	if status == "" || status == domain.RunRunning {
		status = domain.RunSuccess
	}
	finished := domain.FormatTime(h.Now())
	meta := map[string]any{"summary": res.Summary}
	for k, v := range res.Metadata {
		meta[k] = v
	}
	err := h.Repo.FinishRun(ctx, domain.AgentRun{
		ID:                    runID,
		Status:                status,
		FinishedAt:            &finished,
		ProposalsCreated:      res.ProposalsCreated,
		ProposalsAutoApproved: res.ProposalsAutoApproved,
		TokensUsed:            res.TokensUsed,
		CostUSD:               res.CostUSD,
		Metadata:              meta,
	})
	if err != nil {
		h.logger.WarnContext(ctx, "complete run failed", "run_id", runID, "error", err)
	}
}

// Fail records a run as errored with whatever partial counters it reached.
func (h *Harness) Fail(ctx context.Context, runID, message string, partial Result) {
	finished := domain.FormatTime(h.Now())
	err := h.Repo.FinishRun(ctx, domain.AgentRun{
		ID:               runID,
		Status:           domain.RunError,
		FinishedAt:       &finished,
		ErrorMessage:     &message,
		ProposalsCreated: partial.ProposalsCreated,
		TokensUsed:       partial.TokensUsed,
		CostUSD:          partial.CostUSD,
		Metadata:         map[string]any{},
	})
	if err != nil {
		h.logger.WarnContext(ctx, "record run failure failed", "run_id", runID, "error", err)
	}
}

// Execute runs the full lifecycle for one agent.
func (h *Harness) Execute(ctx context.Context, agentID, trigger, source string) (Result, error) {
	start := h.Now()
	runID, err := h.Start(ctx, agentID, trigger, source)
	if err != nil {
		return Result{}, err
	}
	agent, err := h.Registry.Get(ctx, agentID)
	if err != nil {
		msg := fmt.Sprintf("load agent %q: %v", agentID, err)
		h.Fail(ctx, runID, msg, Result{})
		return Result{}, fmt.Errorf("load agent %q: %w", agentID, err)
	}
	if agent == nil {
		return Result{}, h.abort(ctx, runID, fmt.Sprintf("agent %q not found in registry", agentID))
	}
	if agent.Status != domain.AgentActive {
		return Result{}, h.abort(ctx, runID, fmt.Sprintf("agent %q is %s, skipping", agentID, agent.Status))
	}
	handler, ok := h.Handler(agentID)
	if !ok {
		return Result{}, h.abort(ctx, runID, fmt.Sprintf("no handler registered for agent %q", agentID))
	}
	res, err := handler.Run(ctx, Context{
		AgentID:       agentID,
		RunID:         runID,
		TriggerType:   trigger,
		TriggerSource: source,
		Config:        agent.Config,
	})
	elapsed := h.Now().Sub(start)
	if err != nil {
		h.Fail(ctx, runID, err.Error(), res)
		h.Registry.RecordLastRun(ctx, agentID, domain.RunError, elapsed, err.Error())
		h.logger.ErrorContext(ctx, "run failed", "agent_id", agentID, "run_id", runID, "duration", elapsed, "error", err)
		return res, err
	}
	h.Complete(ctx, runID, res)
	status := res.Status
	if status == "" || status == domain.RunRunning {
		status = domain.RunSuccess
	}
	h.Registry.RecordLastRun(ctx, agentID, status, elapsed, "")
	h.logger.InfoContext(ctx, "run completed", "agent_id", agentID, "run_id", runID, "status", status,
		"proposals", res.ProposalsCreated, "tokens", res.TokensUsed, "duration", elapsed)
	return res, nil
}

func (h *Harness) abort(ctx context.Context, runID, msg string) error {
	h.Fail(ctx, runID, msg, Result{})
	return fmt.Errorf("%s", msg)
}

// List returns recent runs newest first.
func (h *Harness) List(ctx context.Context, agentID, status string, limit int) ([]domain.AgentRun, error) {
	if limit <= 0 {
		limit = 20
	}
	runs, err := h.Repo.ListRuns(ctx, repo.RunFilters{AgentID: agentID, Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}
	if runs == nil {
		runs = []domain.AgentRun{}
	}
	return runs, nil
}

type Stats struct {
	TotalRuns     int     `json:"total_runs"`
	SuccessRuns   int     `json:"success_runs"`
	ErrorRuns     int     `json:"error_runs"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
}

// Stats aggregates runs started within the last days days.
func (h *Harness) Stats(ctx context.Context, agentID string, days int) (Stats, error) {
	if days <= 0 {
		days = 7
	}
	since := domain.FormatTime(h.Now().Add(-time.Duration(days) * 24 * time.Hour))
	runs, err := h.Repo.ListRuns(ctx, repo.RunFilters{AgentID: agentID, Since: since})
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	var total time.Duration
	var timed int64
	for _, r := range runs {
		s.TotalRuns++
		s.TotalTokens += r.TokensUsed
		s.TotalCost += r.CostUSD
		switch r.Status {
		case domain.RunSuccess:
			s.SuccessRuns++
		case domain.RunError:
			s.ErrorRuns++
		}
		if r.FinishedAt == nil {
			continue
		}
		started, err1 := domain.ParseTime(r.StartedAt)
		finished, err2 := domain.ParseTime(*r.FinishedAt)
		if err1 == nil && err2 == nil {
			total += finished.Sub(started)
			timed++
		}
	}
	if timed > 0 {
		s.AvgDurationMs = (total / time.Duration(timed)).Round(time.Millisecond).Milliseconds()
	}
	return s, nil
}
