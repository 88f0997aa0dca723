package server

import (
	"vetfleet/internal/domain"
	"vetfleet/internal/runs"
)

// Request payloads

type ReviewRequest struct {
	Action string `json:"action" enum:"approve,reject"`
	Notes  string `json:"notes,omitempty"`
}

type ResolveRequest struct {
	Notes string `json:"notes,omitempty"`
}

type BulkResolveRequest struct {
	AgentID string `json:"agent_id,omitempty"`
	Status  string `json:"status,omitempty" enum:"pending,auto_approved,approved"`
}

type AgentStatusRequest struct {
	Status string `json:"status" enum:"active,paused,disabled"`
}

// Responses

type ProposalListResponse struct {
	Proposals []domain.Proposal `json:"proposals"`
	Total     int               `json:"total"`
}

type ReviewResponse struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
	Applied    bool   `json:"applied"`
}

type ResolveResponse struct {
	ProposalID string `json:"proposal_id"`
	Status     string `json:"status"`
}

type BulkResolveResponse struct {
	Resolved int `json:"resolved"`
}

type AgentStatusResponse struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

type TriggerResponse struct {
	AgentID          string  `json:"agent_id"`
	Status           string  `json:"status"`
	ProposalsCreated int     `json:"proposals_created"`
	TokensUsed       int64   `json:"tokens_used"`
	CostUSD          float64 `json:"cost_usd"`
	Summary          string  `json:"summary"`
}

type FleetHealthResponse struct {
	Status          string `json:"status" enum:"healthy,degraded"`
	Message         string `json:"message"`
	LLMConfigured   bool   `json:"llm_configured"`
	RecentSuccess   bool   `json:"recent_success"`
	HasActiveAgents bool   `json:"has_active_agents"`
	LastUpdated     string `json:"last_updated" format:"date-time"`
}

type RunListResponse struct {
	Runs []domain.AgentRun `json:"runs"`
}

func triggerResponse(agentID string, res runs.Result) TriggerResponse {
	status := res.Status
	if status == "" {
		status = domain.RunSuccess
	}
	return TriggerResponse{
		AgentID:          agentID,
		Status:           status,
		ProposalsCreated: res.ProposalsCreated,
		TokensUsed:       res.TokensUsed,
		CostUSD:          res.CostUSD,
		Summary:          res.Summary,
	}
}

func nonNilProposals(items []domain.Proposal) []domain.Proposal {
	if items == nil {
		return []domain.Proposal{}
	}
	return items
}
