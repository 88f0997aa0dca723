package supervisor_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetfleet/internal/config"
	"vetfleet/internal/db"
	"vetfleet/internal/dbtest"
	"vetfleet/internal/domain"
	"vetfleet/internal/llm"
	"vetfleet/internal/notify"
	"vetfleet/internal/proposals"
	"vetfleet/internal/repo"
	"vetfleet/internal/runs"
	"vetfleet/internal/supervisor"
)

type stubLLM struct {
	content string
	err     error
	tokens  int64
	calls   []llm.Request
}

func (s *stubLLM) Chat(_ context.Context, req llm.Request) (llm.Result, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return llm.Result{}, s.err
	}
	return llm.Result{Content: s.content, TokensUsed: s.tokens, CostUSD: 0.01}, nil
}

type env struct {
	ctx   context.Context
	repo  repo.Repo
	store *proposals.Store
	llm   *stubLLM
	sup   *supervisor.Supervisor
}

func newEnv(t *testing.T) *env {
	t.Helper()
	r := dbtest.Open(t)
	store := proposals.New(r)
	store.Now = dbtest.Clock(dbtest.Epoch)
	n := notify.New(r, 3)
	n.Now = dbtest.Clock(dbtest.Epoch)
	stub := &stubLLM{}
	sup := supervisor.New(r, store, config.Default().Supervisor,
		supervisor.WithLLM(stub),
		supervisor.WithNotifier(n),
		supervisor.WithClock(dbtest.Clock(dbtest.Epoch)),
	)
	dbtest.SeedAgent(t, r, "supervisor_agent", "Supervisor", nil)
	return &env{ctx: context.Background(), repo: r, store: store, llm: stub, sup: sup}
}

func (e *env) propose(t *testing.T, agentID, kind, risk string, mut func(*proposals.CreateInput)) string {
	t.Helper()
	in := proposals.CreateInput{AgentID: agentID, ProposalType: kind, Title: kind + " title", Summary: "why", RiskLevel: risk}
	if mut != nil {
		mut(&in)
	}
	id := e.store.Create(e.ctx, in)
	require.NotEmpty(t, id)
	return id
}

func (e *env) run(t *testing.T) runs.Result {
	t.Helper()
	res, err := e.sup.Run(e.ctx, runs.Context{AgentID: "supervisor_agent", RunID: "run-sup"})
	require.NoError(t, err)
	return res
}

func (e *env) get(t *testing.T, id string) domain.Proposal {
	t.Helper()
	p, err := e.store.Get(e.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

func (e *env) queued(t *testing.T) []domain.QueuedNotification {
	t.Helper()
	q, err := e.repo.ListQueuedNotifications(e.ctx, "pending")
	require.NoError(t, err)
	return q
}

func (e *env) insertRun(t *testing.T, agentID, status string, startedAt time.Time) string {
	t.Helper()
	id := uuid.NewString()
	require.NoError(t, e.repo.InsertRun(e.ctx, domain.AgentRun{
		ID: id, AgentID: agentID, TriggerType: domain.TriggerCron, Status: status,
		StartedAt: domain.FormatTime(startedAt), Metadata: map[string]any{},
	}))
	return id
}

func healthReports(t *testing.T, e *env) []domain.Proposal {
	t.Helper()
	res, err := e.store.List(e.ctx, proposals.ListFilter{ProposalType: "health_report"})
	require.NoError(t, err)
	return res.Proposals
}

func TestLowRiskNudgeIsAutoApproved(t *testing.T) {
	e := newEnv(t)
	id := e.propose(t, "personal_coach", "nudge", domain.RiskLow, nil)

	res := e.run(t)
	p := e.get(t, id)
	assert.Equal(t, domain.StatusAutoApproved, p.Status)
	assert.Equal(t, "Auto-approved (low risk)", *p.ReviewNotes)
	assert.Equal(t, 1, res.ProposalsAutoApproved)
	assert.Equal(t, "Processed 1 proposals (1 approved, 0 routed). Health: 0 issue(s).", res.Summary)
}

func TestHighRiskStaysPendingWithAlert(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedAgent(t, e.repo, "payroll_watchdog", "Payroll Watchdog", nil)
	id := e.propose(t, "payroll_watchdog", "payroll_anomaly", domain.RiskHigh, func(in *proposals.CreateInput) {
		in.Detail = map[string]any{"employee_id": "emp-1"}
	})

	res := e.run(t)
	p := e.get(t, id)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, "admin", p.Detail["routing_target"])
	assert.Equal(t, "supervisor_agent", p.Detail["routed_by"])
	assert.Equal(t, "emp-1", p.Detail["employee_id"])

	q := e.queued(t)
	require.Len(t, q, 1)
	assert.Equal(t, notify.PriorityHigh, q[0].Priority)
	assert.Equal(t, "slack", *q[0].Channel)
	assert.Equal(t, "agent_high_risk_proposal", q[0].Payload["type"])
	assert.Equal(t, "Payroll Watchdog", q[0].Payload["agent_name"])
	assert.Equal(t, id, q[0].Payload["proposal_id"])
	assert.Equal(t, 1, res.Metadata["routed"])
}

func TestUnknownRiskIsTreatedAsHigh(t *testing.T) {
	e := newEnv(t)
	id := e.propose(t, "a", "nudge", "critical", nil)
	e.run(t)
	assert.Equal(t, domain.StatusPending, e.get(t, id).Status)
	assert.Len(t, e.queued(t), 1)
}

func TestAlwaysHumanTypesIgnoreLowRisk(t *testing.T) {
	e := newEnv(t)
	ids := map[string]string{}
	for kind := range supervisor.AlwaysHumanReviewTypes {
		ids[kind] = e.propose(t, "a", kind, domain.RiskLow, nil)
	}
	e.run(t)
	for kind, id := range ids {
		p := e.get(t, id)
		assert.Equal(t, domain.StatusPending, p.Status, kind)
		assert.Equal(t, "admin", p.Detail["routing_target"], kind)
	}
	assert.Empty(t, e.llm.calls)
}

func TestLowRiskUnlistedTypeRoutesToManager(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedEmployee(t, e.repo, "mgr", "", "")
	dbtest.SeedEmployee(t, e.repo, "emp", "", "mgr")
	managed := e.propose(t, "a", "attendance_flag", domain.RiskLow, func(in *proposals.CreateInput) { in.TargetEmployeeID = "emp" })
	unmanaged := e.propose(t, "a", "attendance_flag", domain.RiskLow, func(in *proposals.CreateInput) { in.TargetEmployeeID = "mgr" })
	untargeted := e.propose(t, "a", "attendance_flag", domain.RiskLow, nil)

	e.run(t)
	p := e.get(t, managed)
	assert.Equal(t, "manager", p.Detail["routing_target"])
	assert.Equal(t, "mgr", p.Detail["target_manager_id"])
	for _, id := range []string{unmanaged, untargeted} {
		p := e.get(t, id)
		assert.Equal(t, domain.StatusPending, p.Status)
		assert.Equal(t, "admin", p.Detail["routing_target"])
		assert.Contains(t, p.Detail, "target_manager_id")
		assert.Nil(t, p.Detail["target_manager_id"])
	}
}

func TestMediumRiskApprovedByEvaluator(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedAgent(t, e.repo, "skill_scout", "Skill Scout", nil)
	e.llm.content = `{"approve": true, "reason": "harmless"}`
	e.llm.tokens = 80
	id := e.propose(t, "skill_scout", "new_skill", domain.RiskMedium, nil)

	res := e.run(t)
	assert.Equal(t, domain.StatusAutoApproved, e.get(t, id).Status)
	assert.EqualValues(t, 80, res.TokensUsed)
	require.Len(t, e.llm.calls, 1)
	call := e.llm.calls[0]
	assert.Equal(t, llm.ModelFast, call.Model)
	assert.True(t, call.JSON)
	assert.Equal(t, 200, call.MaxTokens)
	assert.InDelta(t, 0.1, *call.Temperature, 1e-9)
	assert.True(t, strings.HasPrefix(call.Messages[1].Content, "Agent: Skill Scout\nType: new_skill\n"))
	assert.True(t, strings.HasSuffix(call.Messages[1].Content, "Risk Level: medium\n\nShould this be auto-approved?"))
}

func TestMediumRiskFailsClosed(t *testing.T) {
	cases := map[string]func(*stubLLM){
		"transport error": func(s *stubLLM) { s.err = errors.New("connection refused") },
		"budget":          func(s *stubLLM) { s.err = &llm.BudgetError{AgentID: "supervisor_agent", Used: 1, Budget: 1} },
		"not json":        func(s *stubLLM) { s.content = "sure, go ahead" },
		"string verdict":  func(s *stubLLM) { s.content = `{"approve": "true"}` },
		"explicit no":     func(s *stubLLM) { s.content = `{"approve": false}` },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t)
			e.llm.tokens = 50
			setup(e.llm)
			id := e.propose(t, "a", "course_draft", domain.RiskMedium, nil)

			res := e.run(t)
			p := e.get(t, id)
			assert.Equal(t, domain.StatusPending, p.Status)
			assert.Equal(t, "admin", p.Detail["routing_target"])
			assert.Zero(t, res.ProposalsAutoApproved)
			if name != "explicit no" {
				assert.Zero(t, res.TokensUsed)
			}
		})
	}
}

func TestMissingRiskIsEvaluated(t *testing.T) {
	e := newEnv(t)
	e.llm.content = `{"approve": false}`
	id := e.propose(t, "a", "nudge", domain.RiskLow, nil)
	_, err := e.repo.DB.Exec(`UPDATE agent_proposals SET risk_level='' WHERE id=?`, id)
	require.NoError(t, err)

	e.run(t)
	assert.Len(t, e.llm.calls, 1)
	assert.Equal(t, domain.StatusPending, e.get(t, id).Status)
}

func TestStuckRunThreshold(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedAgent(t, e.repo, "course_architect", "Course Architect", nil)
	stuck := e.insertRun(t, "course_architect", domain.RunRunning, dbtest.Epoch.Add(-31*time.Minute))
	fresh := e.insertRun(t, "course_architect", domain.RunRunning, dbtest.Epoch.Add(-29*time.Minute))

	res := e.run(t)
	run, err := e.repo.GetRun(e.ctx, stuck)
	require.NoError(t, err)
	assert.Equal(t, domain.RunError, run.Status)
	assert.Equal(t, "Terminated by supervisor: exceeded time limit", *run.ErrorMessage)
	assert.Equal(t, domain.FormatTime(dbtest.Epoch), *run.FinishedAt)

	run, err = e.repo.GetRun(e.ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, run.Status)
	assert.Equal(t, 1, res.Metadata["stuck_runs_killed"])

	reports := healthReports(t, e)
	require.Len(t, reports, 1)
	issues := reports[0].Detail["issues"].([]any)
	assert.Contains(t, issues, "Stuck run killed: Course Architect (run "+stuck+")")
}

func TestErrorStreakWarnsAndPauses(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedAgent(t, e.repo, "flaky", "Flaky", nil)
	dbtest.SeedAgent(t, e.repo, "wobbly", "Wobbly", nil)
	for i := 0; i < 5; i++ {
		e.insertRun(t, "flaky", domain.RunError, dbtest.Epoch.Add(-time.Duration(10-i)*time.Minute))
	}
	e.insertRun(t, "wobbly", domain.RunSuccess, dbtest.Epoch.Add(-20*time.Minute))
	for i := 0; i < 3; i++ {
		e.insertRun(t, "wobbly", domain.RunError, dbtest.Epoch.Add(-time.Duration(10-i)*time.Minute))
	}

	e.run(t)
	flaky, err := e.repo.GetAgent(e.ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentPaused, flaky.Status)
	wobbly, err := e.repo.GetAgent(e.ctx, "wobbly")
	require.NoError(t, err)
	assert.Equal(t, domain.AgentActive, wobbly.Status)

	reports := healthReports(t, e)
	require.Len(t, reports, 1)
	report := reports[0]
	assert.Equal(t, domain.StatusAutoApproved, report.Status)
	assert.Equal(t, "Agent Health: 3 issue(s)", report.Title)
	issues := report.Detail["issues"].([]any)
	assert.Contains(t, issues, "Flaky has 5 consecutive errors; consider pausing")
	assert.Contains(t, issues, "AUTO-PAUSED Flaky after 5 consecutive errors")
	assert.Contains(t, issues, "Wobbly has 3 consecutive errors; consider pausing")
	require.NotNil(t, report.ExpiresAt)
	assert.Equal(t, domain.FormatTime(dbtest.Epoch.Add(24*time.Hour)), *report.ExpiresAt)
}

func TestSuccessBreaksErrorStreak(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedAgent(t, e.repo, "flaky", "Flaky", nil)
	statuses := []string{domain.RunError, domain.RunError, domain.RunError, domain.RunError, domain.RunSuccess, domain.RunError}
	for i, st := range statuses {
		e.insertRun(t, "flaky", st, dbtest.Epoch.Add(-time.Duration(len(statuses)-i)*time.Minute))
	}
	e.run(t)
	assert.Empty(t, healthReports(t, e))
}

func TestBudgetWarning(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedAgent(t, e.repo, "hungry", "Hungry", dbtest.Int64(1000))
	dbtest.SeedAgent(t, e.repo, "modest", "Modest", dbtest.Int64(1000))
	require.NoError(t, e.repo.SetAgentTokensUsed(e.ctx, "hungry", 846))
	require.NoError(t, e.repo.SetAgentTokensUsed(e.ctx, "modest", 799))

	e.run(t)
	reports := healthReports(t, e)
	require.Len(t, reports, 1)
	assert.Equal(t, "Hungry: 85% of daily token budget used", reports[0].Summary)
	statuses := reports[0].Detail["agent_statuses"].([]any)
	assert.Len(t, statuses, 3)
}

func TestBacklogWarning(t *testing.T) {
	e := newEnv(t)
	cfg := config.Default().Supervisor
	cfg.PendingBatch = 1
	cfg.BacklogThreshold = 2
	e.sup = supervisor.New(e.repo, e.store, cfg,
		supervisor.WithLLM(e.llm), supervisor.WithClock(dbtest.Clock(dbtest.Epoch)))
	for i := 0; i < 4; i++ {
		e.propose(t, "a", "schedule_draft", domain.RiskHigh, nil)
	}
	res := e.run(t)
	assert.Equal(t, 4, res.Metadata["backlog_size"])
	reports := healthReports(t, e)
	require.Len(t, reports, 1)
	assert.Contains(t, reports[0].Detail["issues"], "High proposal backlog: 4 pending")
}

func TestPendingFetchFailureFailsRun(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.New(conn, db.DriverSQLite)
	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_proposals WHERE status IN")).WillReturnError(errors.New("relation does not exist"))

	sup := supervisor.New(r, proposals.New(r), config.Default().Supervisor)
	_, err = sup.Run(context.Background(), runs.Context{AgentID: "supervisor_agent"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch pending proposals")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthReportIsNotRetriaged(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedAgent(t, e.repo, "hungry", "Hungry", dbtest.Int64(10))
	require.NoError(t, e.repo.SetAgentTokensUsed(e.ctx, "hungry", 10))
	e.run(t)
	res := e.run(t)
	assert.Equal(t, 0, res.Metadata["pending_processed"])
	assert.Len(t, healthReports(t, e), 2)
}
