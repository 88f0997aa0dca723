package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"vetfleet/internal/app"
	"vetfleet/internal/runs"
)

func registerRuns(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List recent agent runs",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		items, err := a.Harness.List(ctx, input.AgentID, input.Status, normalizeLimit(input.Limit, 20))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{Runs: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-stats",
		Method:      http.MethodGet,
		Path:        "/runs/stats",
		Summary:     "Aggregate run statistics",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Days    int    `query:"days"`
	}) (*struct {
		Body runs.Stats `json:"body"`
	}, error) {
		stats, err := a.Harness.Stats(ctx, input.AgentID, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body runs.Stats `json:"body"`
		}{Body: stats}, nil
	})
}
