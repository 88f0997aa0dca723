package runs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetfleet/internal/dbtest"
	"vetfleet/internal/domain"
	"vetfleet/internal/repo"
	"vetfleet/internal/runs"
)

func scheduleAgent(t *testing.T, r repo.Repo, agentID, cron string) {
	t.Helper()
	require.NoError(t, r.UpsertAgent(context.Background(), domain.AgentRegistration{
		AgentID: agentID, DisplayName: agentID, Cluster: "test", Status: domain.AgentActive,
		ScheduleCron: cron, Config: map[string]any{}, CreatedAt: domain.FormatTime(dbtest.Epoch),
	}))
}

func TestDispatcherTick(t *testing.T) {
	ctx := context.Background()
	h, r := newHarness(t)
	// Epoch is Monday 12:00 UTC.
	scheduleAgent(t, r, "noon", "0 12 * * *")
	scheduleAgent(t, r, "weekday", "*/30 * * * 1-5")
	scheduleAgent(t, r, "broken", "0 12 * * *")
	scheduleAgent(t, r, "morning", "0 6 * * *")
	scheduleAgent(t, r, "unscheduled", "")
	scheduleAgent(t, r, "recent", "0 * * * *")
	require.NoError(t, r.RecordAgentLastRun(ctx, "recent", domain.RunSuccess,
		domain.FormatTime(dbtest.Epoch.Add(-2*time.Minute)), 10, nil))

	var ran []string
	ok := runs.HandlerFunc(func(_ context.Context, rc runs.Context) (runs.Result, error) {
		ran = append(ran, rc.AgentID)
		return runs.Result{}, nil
	})
	for _, id := range []string{"noon", "weekday", "morning", "recent"} {
		h.Register(id, ok)
	}
	h.Register("broken", runs.HandlerFunc(func(context.Context, runs.Context) (runs.Result, error) {
		return runs.Result{}, errors.New("boom")
	}))

	d := runs.NewDispatcher(h.Registry, h, 0)
	d.Now = dbtest.Clock(dbtest.Epoch)
	res, err := d.Tick(ctx)
	require.NoError(t, err)

	assert.Equal(t, 6, res.AgentsChecked)
	assert.Equal(t, 4, res.AgentsDue)
	assert.ElementsMatch(t, []string{"noon", "weekday"}, ran)

	byAgent := map[string]runs.Outcome{}
	for _, o := range res.Outcomes {
		byAgent[o.AgentID] = o
	}
	assert.Equal(t, domain.RunSuccess, byAgent["noon"].Status)
	assert.Equal(t, runs.StatusSkipped, byAgent["recent"].Status)
	assert.Equal(t, domain.RunError, byAgent["broken"].Status)
	assert.Equal(t, "boom", byAgent["broken"].Error)
	assert.NotContains(t, byAgent, "morning")

	cron, err := h.List(ctx, "noon", "", 0)
	require.NoError(t, err)
	require.Len(t, cron, 1)
	assert.Equal(t, domain.TriggerCron, cron[0].TriggerType)
	assert.Equal(t, "dispatcher", *cron[0].TriggerSource)
}

func TestDispatcherSkipsPausedAgents(t *testing.T) {
	ctx := context.Background()
	h, r := newHarness(t)
	scheduleAgent(t, r, "noon", "0 12 * * *")
	_, err := r.UpdateAgentStatus(ctx, "noon", domain.AgentPaused)
	require.NoError(t, err)

	d := runs.NewDispatcher(h.Registry, h, time.Minute)
	d.Now = dbtest.Clock(dbtest.Epoch)
	res, err := d.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.AgentsChecked)
	assert.Empty(t, res.Outcomes)
}
