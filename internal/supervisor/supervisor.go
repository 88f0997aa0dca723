// Package supervisor triages the pending proposal backlog and watches fleet
// health. It runs as an ordinary agent under the run harness.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"vetfleet/internal/config"
	"vetfleet/internal/domain"
	"vetfleet/internal/llm"
	"vetfleet/internal/notify"
	"vetfleet/internal/proposals"
	"vetfleet/internal/repo"
	"vetfleet/internal/runs"
	"vetfleet/internal/telemetry"
)

const (
	stuckRunMessage = "Terminated by supervisor: exceeded time limit"
	alertType       = "agent_high_risk_proposal"

	evaluatorPrompt = `You are a risk evaluator for an AI agent workforce at a veterinary practice. Evaluate if a medium-risk proposal can be safely auto-approved. Respond with JSON: { "approve": true/false, "reason": "explanation" }`
)

type Supervisor struct {
	repo     repo.Repo
	store    *proposals.Store
	notifier *notify.Notifier
	llm      llm.Chatter
	metrics  *telemetry.Metrics
	cfg      config.SupervisorConfig
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Supervisor)

// WithLLM enables medium-risk evaluation. Without it every medium-risk
// proposal goes to an admin.
func WithLLM(c llm.Chatter) Option {
	return func(s *Supervisor) { s.llm = c }
}

func WithNotifier(n *notify.Notifier) Option {
	return func(s *Supervisor) { s.notifier = n }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func New(r repo.Repo, store *proposals.Store, cfg config.SupervisorConfig, opts ...Option) *Supervisor {
	s := &Supervisor{
		repo:   r,
		store:  store,
		cfg:    withDefaults(cfg),
		now:    time.Now,
		logger: slog.Default().With("component", "supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.New(r, 0)
	}
	return s
}

func withDefaults(c config.SupervisorConfig) config.SupervisorConfig {
	if c.AgentID == "" {
		c.AgentID = "supervisor_agent"
	}
	if c.PendingBatch <= 0 {
		c.PendingBatch = 50
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 30 * time.Minute
	}
	if c.StreakWarn <= 0 {
		c.StreakWarn = 3
	}
	if c.StreakPause <= 0 {
		c.StreakPause = 5
	}
	if c.RecentRunsWindow <= 0 {
		c.RecentRunsWindow = 200
	}
	if c.BudgetWarning <= 0 {
		c.BudgetWarning = 0.8
	}
	if c.BacklogThreshold <= 0 {
		c.BacklogThreshold = 100
	}
	if c.HealthReportTTL <= 0 {
		c.HealthReportTTL = 24 * time.Hour
	}
	return c
}

// sweep carries the counters of one supervisor run.
type sweep struct {
	rc        runs.Context
	agents    map[string]domain.AgentRegistration
	roster    []domain.AgentRegistration
	approved  int
	routed    int
	created   int
	tokens    int64
	cost      float64
	issues    []string
	killed    int
	backlog   int
	processed int
}

func (sw *sweep) name(agentID string) string {
	if a, ok := sw.agents[agentID]; ok && a.DisplayName != "" {
		return a.DisplayName
	}
	return agentID
}

// Run triages pending proposals, then performs the health sweep. Only a
// failure to load the pending backlog aborts the run.
func (s *Supervisor) Run(ctx context.Context, rc runs.Context) (runs.Result, error) {
	if rc.AgentID == "" {
		rc.AgentID = s.cfg.AgentID
	}
	log := s.logger.With("agent_id", rc.AgentID, "run_id", rc.RunID)
	log.InfoContext(ctx, "supervisor sweep starting")

	pending, err := s.repo.ListProposalsByStatus(ctx, []string{domain.StatusPending}, false, s.cfg.PendingBatch)
	if err != nil {
		return runs.Result{}, fmt.Errorf("fetch pending proposals: %w", err)
	}
	sw := &sweep{rc: rc, agents: map[string]domain.AgentRegistration{}, processed: len(pending)}
	roster, err := s.repo.ListAgents(ctx, repo.AgentFilters{})
	if err != nil {
		log.WarnContext(ctx, "agent roster unavailable", "error", err)
	}
	sw.roster = roster
	for _, a := range roster {
		sw.agents[a.AgentID] = a
	}
	log.InfoContext(ctx, "pending proposals loaded", "count", len(pending))

	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return runs.Result{}, err
		}
		s.triage(ctx, sw, p)
	}

	s.killStuckRuns(ctx, sw)
	s.checkErrorStreaks(ctx, sw)
	s.checkBudgets(sw)
	s.checkBacklog(ctx, sw)
	s.metrics.HealthIssues(ctx, len(sw.issues))
	if len(sw.issues) > 0 {
		s.reportHealth(ctx, sw)
	}

	summary := fmt.Sprintf("Processed %d proposals (%d approved, %d routed). Health: %d issue(s).",
		sw.processed, sw.approved, sw.routed, len(sw.issues))
	log.InfoContext(ctx, "supervisor sweep finished", "summary", summary)
	return runs.Result{
		Status:                domain.RunSuccess,
		ProposalsCreated:      sw.created,
		ProposalsAutoApproved: sw.approved,
		TokensUsed:            sw.tokens,
		CostUSD:               sw.cost,
		Summary:               summary,
		Metadata: map[string]any{
			"pending_processed": sw.processed,
			"auto_approved":     sw.approved,
			"routed":            sw.routed,
			"health_issues":     len(sw.issues),
			"stuck_runs_killed": sw.killed,
			"backlog_size":      sw.backlog,
		},
	}, nil
}

func (s *Supervisor) triage(ctx context.Context, sw *sweep, p domain.Proposal) {
	route := Classify(p)
	switch route {
	case RouteAutoApprove:
		s.autoApprove(ctx, sw, p)
	case RouteManager:
		s.routeToManager(ctx, sw, p)
	case RouteAdmin:
		s.routeToAdmin(ctx, sw, p)
	case RouteEvaluate:
		v := s.evaluate(ctx, sw, p)
		sw.tokens += v.tokens
		sw.cost += v.cost
		if v.approve {
			route = RouteAutoApprove
			s.autoApprove(ctx, sw, p)
		} else {
			route = RouteAdmin
			s.routeToAdmin(ctx, sw, p)
		}
	case RouteAdminAlert:
		s.routeToAdmin(ctx, sw, p)
		s.alert(ctx, sw, p)
	}
	s.metrics.ProposalTriaged(ctx, string(route), p.ProposalType)
}

func (s *Supervisor) autoApprove(ctx context.Context, sw *sweep, p domain.Proposal) {
	if s.store.AutoApprove(ctx, p.ID) {
		sw.approved++
	}
}

// annotate merges routing metadata into the proposal detail. Routing never
// changes status.
func (s *Supervisor) annotate(ctx context.Context, sw *sweep, p domain.Proposal, extra map[string]any) {
	detail := make(map[string]any, len(p.Detail)+len(extra)+2)
	for k, v := range p.Detail {
		detail[k] = v
	}
	detail["routed_by"] = sw.rc.AgentID
	detail["routed_at"] = domain.FormatTime(s.now())
	for k, v := range extra {
		detail[k] = v
	}
	if err := s.repo.UpdateProposalDetail(ctx, p.ID, detail); err != nil {
		s.logger.WarnContext(ctx, "routing annotation failed", "proposal_id", p.ID, "error", err)
	}
	sw.routed++
}

func (s *Supervisor) routeToAdmin(ctx context.Context, sw *sweep, p domain.Proposal) {
	s.annotate(ctx, sw, p, map[string]any{"routing_target": "admin"})
}

func (s *Supervisor) routeToManager(ctx context.Context, sw *sweep, p domain.Proposal) {
	var managerID any
	if p.TargetEmployeeID != nil && *p.TargetEmployeeID != "" {
		emp, err := s.repo.GetEmployee(ctx, *p.TargetEmployeeID)
		switch {
		case err == nil && emp.ManagerEmployeeID != nil:
			managerID = *emp.ManagerEmployeeID
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			s.logger.WarnContext(ctx, "manager lookup failed", "proposal_id", p.ID, "error", err)
		}
	}
	target := "admin"
	if managerID != nil {
		target = "manager"
	}
	s.annotate(ctx, sw, p, map[string]any{"routing_target": target, "target_manager_id": managerID})
}

func (s *Supervisor) alert(ctx context.Context, sw *sweep, p domain.Proposal) {
	name := sw.name(p.AgentID)
	_, err := s.notifier.QueueSlack(ctx, repo.Repo{}, notify.Slack{
		Channel:  notify.ChannelSlack,
		Title:    "High-risk proposal: " + p.Title,
		Body:     p.Summary,
		Context:  fmt.Sprintf("%s | proposal %s", name, p.ID),
		Priority: notify.PriorityHigh,
		Payload: map[string]any{
			"type":        alertType,
			"agent_id":    p.AgentID,
			"agent_name":  name,
			"proposal_id": p.ID,
			"title":       p.Title,
			"summary":     p.Summary,
		},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "high-risk alert enqueue failed", "proposal_id", p.ID, "error", err)
	}
}

type verdict struct {
	approve bool
	tokens  int64
	cost    float64
}

// evaluate asks the LLM whether a medium-risk proposal may be auto-approved.
// Anything but an explicit boolean true is a refusal with zero spend.
func (s *Supervisor) evaluate(ctx context.Context, sw *sweep, p domain.Proposal) verdict {
	if s.llm == nil {
		return verdict{}
	}
	temperature := 0.1
	res, err := s.llm.Chat(ctx, llm.Request{
		AgentID: sw.rc.AgentID,
		RunID:   sw.rc.RunID,
		Messages: []llm.Message{
			{Role: "system", Content: evaluatorPrompt},
			{Role: "user", Content: evaluationQuestion(sw.name(p.AgentID), p)},
		},
		Model:       llm.ModelFast,
		JSON:        true,
		MaxTokens:   200,
		Temperature: &temperature,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "risk evaluation failed, routing to admin", "proposal_id", p.ID, "error", err)
		return verdict{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Content), &out); err != nil {
		s.logger.WarnContext(ctx, "risk evaluation unparseable, routing to admin", "proposal_id", p.ID, "error", err)
		return verdict{}
	}
	approve, ok := out["approve"].(bool)
	if !ok {
		s.logger.WarnContext(ctx, "risk evaluation missing boolean verdict", "proposal_id", p.ID)
		return verdict{}
	}
	return verdict{approve: approve, tokens: res.TokensUsed, cost: res.CostUSD}
}

func evaluationQuestion(agentName string, p domain.Proposal) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agent: %s\n", agentName)
	fmt.Fprintf(&b, "Type: %s\n", p.ProposalType)
	fmt.Fprintf(&b, "Title: %s\n", p.Title)
	fmt.Fprintf(&b, "Summary: %s\n", p.Summary)
	fmt.Fprintf(&b, "Risk Level: %s\n", p.RiskLevel)
	b.WriteString("\nShould this be auto-approved?")
	return b.String()
}

func (s *Supervisor) killStuckRuns(ctx context.Context, sw *sweep) {
	now := s.now()
	stuck, err := s.repo.ListStuckRuns(ctx, domain.FormatTime(now.Add(-s.cfg.StuckAfter)))
	if err != nil {
		s.logger.WarnContext(ctx, "stuck run scan failed", "error", err)
		return
	}
	for _, run := range stuck {
		killed, err := s.repo.KillRun(ctx, run.ID, domain.FormatTime(now), stuckRunMessage)
		if err != nil {
			s.logger.WarnContext(ctx, "kill stuck run failed", "run_id", run.ID, "error", err)
			continue
		}
		if !killed {
			continue
		}
		sw.killed++
		s.metrics.RunKilled(ctx, run.AgentID)
		sw.issues = append(sw.issues, fmt.Sprintf("Stuck run killed: %s (run %s)", sw.name(run.AgentID), run.ID))
	}
}

func (s *Supervisor) checkErrorStreaks(ctx context.Context, sw *sweep) {
	recent, err := s.repo.RecentRuns(ctx, s.cfg.RecentRunsWindow)
	if err != nil {
		s.logger.WarnContext(ctx, "recent run scan failed", "error", err)
		return
	}
	statuses := make([]RunStatus, len(recent))
	for i, r := range recent {
		statuses[i] = RunStatus{AgentID: r.AgentID, Status: r.Status}
	}
	streaks, order := ErrorStreaks(statuses)
	for _, agentID := range order {
		streak := streaks[agentID]
		if streak < s.cfg.StreakWarn {
			continue
		}
		if a, ok := sw.agents[agentID]; ok && a.Status != domain.AgentActive {
			continue
		}
		name := sw.name(agentID)
		sw.issues = append(sw.issues, fmt.Sprintf("%s has %d consecutive errors; consider pausing", name, streak))
		if streak < s.cfg.StreakPause {
			continue
		}
		paused, err := s.repo.UpdateAgentStatus(ctx, agentID, domain.AgentPaused)
		if err != nil {
			s.logger.WarnContext(ctx, "auto-pause failed", "target_agent_id", agentID, "error", err)
			continue
		}
		if paused {
			s.metrics.AgentPaused(ctx, agentID)
			sw.issues = append(sw.issues, fmt.Sprintf("AUTO-PAUSED %s after %d consecutive errors", name, streak))
		}
	}
}

func (s *Supervisor) checkBudgets(sw *sweep) {
	for _, a := range sw.roster {
		if a.DailyTokenBudget == nil || *a.DailyTokenBudget <= 0 {
			continue
		}
		util := float64(a.DailyTokensUsed) / float64(*a.DailyTokenBudget)
		if util >= s.cfg.BudgetWarning {
			sw.issues = append(sw.issues, fmt.Sprintf("%s: %d%% of daily token budget used", sw.name(a.AgentID), int(math.Round(util*100))))
		}
	}
}

func (s *Supervisor) checkBacklog(ctx context.Context, sw *sweep) {
	n, err := s.repo.CountProposalsWithStatus(ctx, domain.StatusPending)
	if err != nil {
		s.logger.WarnContext(ctx, "backlog count failed", "error", err)
		return
	}
	sw.backlog = n
	if n > s.cfg.BacklogThreshold {
		sw.issues = append(sw.issues, fmt.Sprintf("High proposal backlog: %d pending", n))
	}
}

func (s *Supervisor) reportHealth(ctx context.Context, sw *sweep) {
	statuses := make([]map[string]any, 0, len(sw.roster))
	for _, a := range sw.roster {
		var budget any
		if a.DailyTokenBudget != nil {
			budget = *a.DailyTokenBudget
		}
		statuses = append(statuses, map[string]any{
			"agent_id":     a.AgentID,
			"name":         a.DisplayName,
			"cluster":      a.Cluster,
			"tokens_today": a.DailyTokensUsed,
			"budget":       budget,
		})
	}
	head := sw.issues
	if len(head) > 3 {
		head = head[:3]
	}
	id := s.store.Create(ctx, proposals.CreateInput{
		AgentID:      sw.rc.AgentID,
		RunID:        sw.rc.RunID,
		ProposalType: proposals.TypeHealthReport,
		Title:        fmt.Sprintf("Agent Health: %d issue(s)", len(sw.issues)),
		Summary:      strings.Join(head, "; "),
		Detail: map[string]any{
			"issues":            sw.issues,
			"agent_statuses":    statuses,
			"stuck_runs_killed": sw.killed,
		},
		RiskLevel: domain.RiskLow,
		ExpiresIn: s.cfg.HealthReportTTL,
	})
	if id == "" {
		return
	}
	sw.created++
	if s.store.AutoApprove(ctx, id) {
		sw.approved++
	}
}
