package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"vetfleet/internal/app"
	"vetfleet/internal/domain"
	"vetfleet/internal/events"
	"vetfleet/internal/proposals"
)

func registerProposals(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AgentID          string `query:"agent_id"`
		Status           string `query:"status"`
		Type             string `query:"type"`
		TargetEmployeeID string `query:"target_employee_id"`
		ActiveOnly       bool   `query:"active_only"`
		Limit            int    `query:"limit"`
		Offset           int    `query:"offset"`
	}) (*struct {
		Body ProposalListResponse `json:"body"`
	}, error) {
		if input.Offset < 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "offset must be >= 0", nil)
		}
		res, err := a.Store.List(ctx, proposals.ListFilter{
			AgentID:          input.AgentID,
			Status:           input.Status,
			ProposalType:     input.Type,
			TargetEmployeeID: input.TargetEmployeeID,
			ActiveOnly:       input.ActiveOnly,
			Limit:            normalizeLimit(input.Limit, proposals.DefaultListLimit),
			Offset:           input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProposalListResponse `json:"body"`
		}{Body: ProposalListResponse{Proposals: nonNilProposals(res.Proposals), Total: res.Total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "proposal-stats",
		Method:      http.MethodGet,
		Path:        "/proposals/stats",
		Summary:     "Proposal counts by status",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		stats, err := a.Store.Stats(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		p, err := loadProposal(ctx, a, input.ID)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: *p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/review",
		Summary:     "Approve or reject a pending proposal",
		Description: "Approval applies the proposal immediately; the response reports whether the side effect ran.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReviewRequest `json:"body"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := loadProposal(ctx, a, input.ID)
		if err != nil {
			return nil, err
		}
		if p.Status != domain.StatusPending {
			return nil, newAPIError(http.StatusConflict, "conflict", fmt.Sprintf("proposal is already %s", p.Status),
				map[string]any{"status": p.Status})
		}
		var ok bool
		var action, status string
		switch input.Body.Action {
		case "approve":
			ok = a.Store.Approve(ctx, p.ID, actorID, input.Body.Notes)
			action, status = events.ProposalApprove, domain.StatusApproved
		case "reject":
			ok = a.Store.Reject(ctx, p.ID, actorID, input.Body.Notes)
			action, status = events.ProposalReject, domain.StatusRejected
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action must be approve or reject", nil)
		}
		if !ok {
			return nil, newAPIError(http.StatusConflict, "conflict", "proposal was reviewed concurrently", nil)
		}
		audit(ctx, a, action, "agent_proposal", p.ID, actorID, events.EventPayload{
			"agent_id":      p.AgentID,
			"proposal_type": p.ProposalType,
			"notes":         input.Body.Notes,
		})
		applied := false
		if status == domain.StatusApproved {
			applied = a.Appliers.Apply(ctx, p.ID)
			if applied {
				status = domain.StatusApplied
			}
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: ReviewResponse{ProposalID: p.ID, Status: status, Applied: applied}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/resolve",
		Summary:     "Mark a proposal handled without running its side effect",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ResolveRequest `json:"body" required:"false"`
	}) (*struct {
		Body ResolveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := loadProposal(ctx, a, input.ID)
		if err != nil {
			return nil, err
		}
		if !a.Store.Resolve(ctx, p.ID, actorID, input.Body.Notes) {
			return nil, newAPIError(http.StatusConflict, "conflict", fmt.Sprintf("proposal is %s and cannot be resolved", p.Status),
				map[string]any{"status": p.Status})
		}
		audit(ctx, a, events.ProposalResolve, "agent_proposal", p.ID, actorID, events.EventPayload{"notes": input.Body.Notes})
		return &struct {
			Body ResolveResponse `json:"body"`
		}{Body: ResolveResponse{ProposalID: p.ID, Status: domain.StatusApplied}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-resolve-proposals",
		Method:      http.MethodPost,
		Path:        "/proposals/resolve",
		Summary:     "Resolve every matching proposal",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body BulkResolveRequest `json:"body" required:"false"`
	}) (*struct {
		Body BulkResolveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n := a.Store.BulkResolve(ctx, actorID, proposals.BulkFilter{AgentID: input.Body.AgentID, Status: input.Body.Status})
		audit(ctx, a, events.ProposalBulk, "agent_proposal", "", actorID, events.EventPayload{
			"agent_id": input.Body.AgentID,
			"status":   input.Body.Status,
			"resolved": n,
		})
		return &struct {
			Body BulkResolveResponse `json:"body"`
		}{Body: BulkResolveResponse{Resolved: n}}, nil
	})
}

func loadProposal(ctx context.Context, a *app.App, id string) (*domain.Proposal, error) {
	p, err := a.Store.Get(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	if p == nil {
		return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("proposal %s not found", id), nil)
	}
	return p, nil
}

// audit records an action; a failed write is logged and never fails the request.
func audit(ctx context.Context, a *app.App, action, entityType, entityID, actorID string, payload events.EventPayload) {
	if err := a.Events.Append(ctx, a.Repo, action, entityType, entityID, actorID, payload); err != nil {
		slog.Default().WarnContext(ctx, "audit write failed", "component", "server", "action", action, "entity_id", entityID, "error", err)
	}
}
