package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetfleet/internal/app"
	"vetfleet/internal/config"
	"vetfleet/internal/domain"
)

func TestOpenWiresSupervisorAsAgent(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()

	a, err := app.Open(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	_, ok := a.Harness.Handler(cfg.Supervisor.AgentID)
	require.True(t, ok)
	assert.Nil(t, a.Notifier.Publisher)

	n, err := a.Registry.Seed(ctx, cfg.Agents)
	require.NoError(t, err)
	assert.Equal(t, len(cfg.Agents), n)

	res, err := a.Harness.Execute(ctx, cfg.Supervisor.AgentID, domain.TriggerManual, "test")
	require.NoError(t, err)
	assert.Equal(t, "Processed 0 proposals (0 approved, 0 routed). Health: 0 issue(s).", res.Summary)

	runs, err := a.Harness.List(ctx, cfg.Supervisor.AgentID, "", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunSuccess, runs[0].Status)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "mysql"
	_, err := app.Open(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open database")
}
