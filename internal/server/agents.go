package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"vetfleet/internal/app"
	"vetfleet/internal/domain"
	"vetfleet/internal/events"
	"vetfleet/internal/registry"
	"vetfleet/internal/repo"
)

func registerAgents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List registered agents",
	}, func(ctx context.Context, input *struct {
		Status  string `query:"status"`
		Cluster string `query:"cluster"`
	}) (*struct {
		Body []domain.AgentRegistration `json:"body"`
	}, error) {
		agents, err := a.Registry.List(ctx, input.Status, input.Cluster)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentRegistration `json:"body"`
		}{Body: agents}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fleet-health",
		Method:      http.MethodGet,
		Path:        "/agents/health",
		Summary:     "Fleet readiness summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FleetHealthResponse `json:"body"`
	}, error) {
		h, err := fleetHealth(ctx, a, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FleetHealthResponse `json:"body"`
		}{Body: h}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}",
		Summary:     "Get agent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentRegistration `json:"body"`
	}, error) {
		agent, err := loadAgent(ctx, a, input.AgentID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.AgentRegistration `json:"body"`
		}{Body: *agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-agent-status",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/status",
		Summary:     "Activate, pause or disable an agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string             `path:"agent_id"`
		Body    AgentStatusRequest `json:"body"`
	}) (*struct {
		Body AgentStatusResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !registry.ValidStatus(input.Body.Status) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status must be active, paused or disabled", nil)
		}
		ok, err := a.Registry.SetStatus(ctx, input.AgentID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("agent %q not found", input.AgentID), nil)
		}
		audit(ctx, a, events.AgentStatusChange, "agent", input.AgentID, actorID, events.EventPayload{"new_status": input.Body.Status})
		return &struct {
			Body AgentStatusResponse `json:"body"`
		}{Body: AgentStatusResponse{AgentID: input.AgentID, Status: input.Body.Status}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/trigger",
		Summary:     "Run an agent now",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body TriggerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		agent, err := loadAgent(ctx, a, input.AgentID)
		if err != nil {
			return nil, err
		}
		if agent.Status == domain.AgentDisabled {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("agent %q is disabled", agent.AgentID), nil)
		}
		audit(ctx, a, events.AgentTrigger, "agent", agent.AgentID, actorID, nil)
		res, err := a.Harness.Execute(ctx, agent.AgentID, domain.TriggerManual, "user:"+actorID)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "run_failed", "agent run failed: "+err.Error(), nil)
		}
		return &struct {
			Body TriggerResponse `json:"body"`
		}{Body: triggerResponse(agent.AgentID, res)}, nil
	})
}

func loadAgent(ctx context.Context, a *app.App, agentID string) (*domain.AgentRegistration, error) {
	agent, err := a.Registry.Get(ctx, agentID)
	if err != nil {
		return nil, handleError(err)
	}
	if agent == nil {
		return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("agent %q not found", agentID), nil)
	}
	return agent, nil
}

func fleetHealth(ctx context.Context, a *app.App, now time.Time) (FleetHealthResponse, error) {
	h := FleetHealthResponse{
		LLMConfigured: a.Config.LLM.APIKey != "",
		LastUpdated:   domain.FormatTime(now),
	}
	recent, err := a.Repo.ListRuns(ctx, repo.RunFilters{
		Status: domain.RunSuccess,
		Since:  domain.FormatTime(now.Add(-24 * time.Hour)),
		Limit:  1,
	})
	if err != nil {
		return h, err
	}
	h.RecentSuccess = len(recent) > 0
	active, err := a.Registry.List(ctx, domain.AgentActive, "")
	if err != nil {
		return h, err
	}
	h.HasActiveAgents = len(active) > 0

	h.Status, h.Message = "degraded", "Agent system operational with some issues"
	switch {
	case h.LLMConfigured && h.RecentSuccess && h.HasActiveAgents:
		h.Status, h.Message = "healthy", "Agent system fully operational"
	case !h.LLMConfigured:
		h.Message = "LLM API not configured"
	case !h.HasActiveAgents:
		h.Message = "No active agents configured"
	case !h.RecentSuccess:
		h.Message = "No recent successful agent runs"
	}
	return h, nil
}
