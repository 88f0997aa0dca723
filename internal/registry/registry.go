// Package registry manages the agent fleet: registration, status, last-run
// bookkeeping and schedule matching.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vetfleet/internal/config"
	"vetfleet/internal/domain"
	"vetfleet/internal/repo"
)

type Registry struct {
	Repo   repo.Repo
	Now    func() time.Time
	logger *slog.Logger
}

func New(r repo.Repo) *Registry {
	return &Registry{Repo: r, Now: time.Now, logger: slog.Default().With("component", "registry")}
}

// Get returns the registration or nil when the agent is unknown.
func (g *Registry) Get(ctx context.Context, agentID string) (*domain.AgentRegistration, error) {
	a, err := g.Repo.GetAgent(ctx, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (g *Registry) List(ctx context.Context, status, cluster string) ([]domain.AgentRegistration, error) {
	agents, err := g.Repo.ListAgents(ctx, repo.AgentFilters{Status: status, Cluster: cluster})
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []domain.AgentRegistration{}
	}
	return agents, nil
}

func ValidStatus(status string) bool {
	switch status {
	case domain.AgentActive, domain.AgentPaused, domain.AgentDisabled:
		return true
	}
	return false
}

// SetStatus changes an agent's status and reports whether the agent exists.
func (g *Registry) SetStatus(ctx context.Context, agentID, status string) (bool, error) {
	if !ValidStatus(status) {
		return false, fmt.Errorf("invalid agent status %q", status)
	}
	ok, err := g.Repo.UpdateAgentStatus(ctx, agentID, status)
	if err != nil {
		return false, err
	}
	if ok {
		g.logger.InfoContext(ctx, "agent status changed", "agent_id", agentID, "status", status)
	}
	return ok, nil
}

// RecordLastRun stamps the outcome of a finished run.
func (g *Registry) RecordLastRun(ctx context.Context, agentID, runStatus string, duration time.Duration, errMsg string) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	err := g.Repo.RecordAgentLastRun(ctx, agentID, runStatus, domain.FormatTime(g.Now()), duration.Milliseconds(), msg)
	if err != nil {
		g.logger.WarnContext(ctx, "record last run failed", "agent_id", agentID, "error", err)
	}
}

// MergeConfig shallow-merges patch into the agent's config bag.
func (g *Registry) MergeConfig(ctx context.Context, agentID string, patch map[string]any) (bool, error) {
	a, err := g.Get(ctx, agentID)
	if err != nil || a == nil {
		return false, err
	}
	merged := map[string]any{}
	for k, v := range a.Config {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	if err := g.Repo.UpdateAgentConfig(ctx, agentID, merged); err != nil {
		return false, err
	}
	return true, nil
}

// Seed upserts the configured fleet and returns how many agents were written.
func (g *Registry) Seed(ctx context.Context, seeds []config.AgentSeed) (int, error) {
	now := domain.FormatTime(g.Now())
	for i, s := range seeds {
		if s.ScheduleCron != "" {
			if err := ValidateSchedule(s.ScheduleCron); err != nil {
				return i, fmt.Errorf("agent %s: %w", s.AgentID, err)
			}
		}
		err := g.Repo.UpsertAgent(ctx, domain.AgentRegistration{
			AgentID:          s.AgentID,
			DisplayName:      s.DisplayName,
			Cluster:          s.Cluster,
			Description:      s.Description,
			Status:           domain.AgentActive,
			ScheduleCron:     s.ScheduleCron,
			DailyTokenBudget: s.DailyTokenBudget,
			Config:           map[string]any{},
			CreatedAt:        now,
		})
		if err != nil {
			return i, fmt.Errorf("agent %s: %w", s.AgentID, err)
		}
	}
	return len(seeds), nil
}
