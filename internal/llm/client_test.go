package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetfleet/internal/config"
	"vetfleet/internal/dbtest"
	"vetfleet/internal/domain"
	"vetfleet/internal/llm"
	"vetfleet/internal/repo"
)

type fakeAPI struct {
	calls    int32
	statuses []int
	tokens   int64
	lastBody map[string]any
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(atomic.AddInt32(&f.calls, 1))
	_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
	if n <= len(f.statuses) && f.statuses[n-1] != http.StatusOK {
		w.WriteHeader(f.statuses[n-1])
		_, _ = w.Write([]byte(`{"error":"nope"}`))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": `{"approve":true}`}}},
		"usage":   map[string]any{"prompt_tokens": f.tokens - 10, "completion_tokens": 10, "total_tokens": f.tokens},
	})
}

type env struct {
	ctx    context.Context
	repo   repo.Repo
	client *llm.Client
	api    *fakeAPI
	sleeps []time.Duration
}

func newEnv(t *testing.T, api *fakeAPI) *env {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	r := dbtest.Open(t)
	cfg := config.Default().LLM
	cfg.BaseURL = srv.URL
	cfg.APIKey = "test-key"
	cfg.RatePerSecond = 0
	e := &env{ctx: context.Background(), repo: r, api: api}
	c := llm.New(r, cfg)
	c.Now = dbtest.Clock(dbtest.Epoch)
	c.Sleep = func(_ context.Context, d time.Duration) error {
		e.sleeps = append(e.sleeps, d)
		return nil
	}
	e.client = c
	return e
}

func (e *env) setUsage(t *testing.T, agentID string, used int64, resetAt time.Time) {
	t.Helper()
	require.NoError(t, e.repo.ResetAgentBudget(e.ctx, agentID, domain.FormatTime(resetAt)))
	require.NoError(t, e.repo.SetAgentTokensUsed(e.ctx, agentID, used))
}

func request(agentID string) llm.Request {
	return llm.Request{
		AgentID:  agentID,
		RunID:    "run-1",
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
		Model:    llm.ModelFast,
		JSON:     true,
	}
}

func TestChatRecordsUsageAndIncrementsBudget(t *testing.T) {
	e := newEnv(t, &fakeAPI{tokens: 150})
	dbtest.SeedAgent(t, e.repo, "coach", "Coach", dbtest.Int64(1000))
	e.setUsage(t, "coach", 100, dbtest.Epoch.Add(-time.Hour))

	res, err := e.client.Chat(e.ctx, request("coach"))
	require.NoError(t, err)
	assert.Equal(t, `{"approve":true}`, res.Content)
	assert.EqualValues(t, 150, res.TokensUsed)
	assert.Equal(t, "gpt-4o-mini", res.Model)
	assert.InDelta(t, 0.15*0.0003, res.CostUSD, 1e-12)
	assert.Equal(t, "gpt-4o-mini", e.api.lastBody["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, e.api.lastBody["response_format"])

	agent, err := e.repo.GetAgent(e.ctx, "coach")
	require.NoError(t, err)
	assert.EqualValues(t, 250, agent.DailyTokensUsed)

	logs, err := e.repo.ListUsageLogs(e.ctx, "agent:coach", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, "run-1", logs[0].Metadata["run_id"])
}

func TestChatRefusesWhenBudgetSpent(t *testing.T) {
	e := newEnv(t, &fakeAPI{tokens: 10})
	dbtest.SeedAgent(t, e.repo, "coach", "Coach", dbtest.Int64(1000))
	e.setUsage(t, "coach", 1000, dbtest.Epoch.Add(-time.Hour))

	_, err := e.client.Chat(e.ctx, request("coach"))
	require.ErrorIs(t, err, llm.ErrBudgetExceeded)
	var be *llm.BudgetError
	require.ErrorAs(t, err, &be)
	assert.EqualValues(t, 1000, be.Used)
	assert.Zero(t, atomic.LoadInt32(&e.api.calls))
}

func TestChatResetsBudgetOnNewDay(t *testing.T) {
	e := newEnv(t, &fakeAPI{tokens: 40})
	dbtest.SeedAgent(t, e.repo, "coach", "Coach", dbtest.Int64(1000))
	e.setUsage(t, "coach", 1000, dbtest.Epoch.Add(-24*time.Hour))

	_, err := e.client.Chat(e.ctx, request("coach"))
	require.NoError(t, err)

	agent, err := e.repo.GetAgent(e.ctx, "coach")
	require.NoError(t, err)
	assert.EqualValues(t, 40, agent.DailyTokensUsed)
	require.NotNil(t, agent.BudgetResetAt)
	assert.Equal(t, domain.FormatTime(dbtest.Epoch), *agent.BudgetResetAt)
}

func TestChatResetsBudgetWhenNeverReset(t *testing.T) {
	e := newEnv(t, &fakeAPI{tokens: 5})
	dbtest.SeedAgent(t, e.repo, "coach", "Coach", dbtest.Int64(10))
	require.NoError(t, e.repo.SetAgentTokensUsed(e.ctx, "coach", 99))

	_, err := e.client.Chat(e.ctx, request("coach"))
	require.NoError(t, err)
	agent, err := e.repo.GetAgent(e.ctx, "coach")
	require.NoError(t, err)
	assert.EqualValues(t, 5, agent.DailyTokensUsed)
}

func TestChatRetriesTransientFailures(t *testing.T) {
	e := newEnv(t, &fakeAPI{tokens: 20, statuses: []int{http.StatusTooManyRequests, http.StatusBadGateway}})
	dbtest.SeedAgent(t, e.repo, "coach", "Coach", nil)

	_, err := e.client.Chat(e.ctx, request("coach"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, atomic.LoadInt32(&e.api.calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, e.sleeps)
}

func TestChatGivesUpAfterMaxRetries(t *testing.T) {
	e := newEnv(t, &fakeAPI{statuses: []int{500, 500, 500, 500}})
	dbtest.SeedAgent(t, e.repo, "coach", "Coach", nil)

	_, err := e.client.Chat(e.ctx, request("coach"))
	var se *llm.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 500, se.StatusCode)
	assert.EqualValues(t, 3, atomic.LoadInt32(&e.api.calls))

	logs, err := e.repo.ListUsageLogs(e.ctx, "agent:coach", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	require.NotNil(t, logs[0].ErrorMessage)
	assert.Contains(t, *logs[0].ErrorMessage, "500")
}

func TestChatDoesNotRetryClientErrors(t *testing.T) {
	e := newEnv(t, &fakeAPI{statuses: []int{http.StatusBadRequest}})
	dbtest.SeedAgent(t, e.repo, "coach", "Coach", nil)

	_, err := e.client.Chat(e.ctx, request("coach"))
	var se *llm.StatusError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Retryable())
	assert.EqualValues(t, 1, atomic.LoadInt32(&e.api.calls))
	assert.Empty(t, e.sleeps)
}

func TestChatWithoutAPIKey(t *testing.T) {
	e := newEnv(t, &fakeAPI{})
	e.client.Config.APIKey = ""
	_, err := e.client.Chat(e.ctx, request("coach"))
	assert.ErrorIs(t, err, llm.ErrNotConfigured)
}

func TestChatUnknownAgentIsUntracked(t *testing.T) {
	e := newEnv(t, &fakeAPI{tokens: 12})
	res, err := e.client.Chat(e.ctx, request("adhoc"))
	require.NoError(t, err)
	assert.EqualValues(t, 12, res.TokensUsed)
}

func TestResolveModelAndCost(t *testing.T) {
	e := newEnv(t, &fakeAPI{})
	assert.Equal(t, "gpt-4o", e.client.ResolveModel(llm.ModelReasoning))
	assert.Equal(t, "gpt-4o-mini", e.client.ResolveModel(""))
	assert.Equal(t, "custom-model", e.client.ResolveModel("custom-model"))
	assert.InDelta(t, 0.002, e.client.Cost("custom-model", 2000), 1e-12)
}
