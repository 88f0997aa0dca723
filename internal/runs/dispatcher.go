package runs

import (
	"context"
	"log/slog"
	"time"

	"vetfleet/internal/domain"
	"vetfleet/internal/registry"
)

const defaultMinInterval = 4 * time.Minute

// Dispatcher runs every agent whose schedule matches the current minute.
type Dispatcher struct {
	Registry    *registry.Registry
	Harness     *Harness
	MinInterval time.Duration
	Now         func() time.Time
	logger      *slog.Logger
}

func NewDispatcher(reg *registry.Registry, h *Harness, minInterval time.Duration) *Dispatcher {
	if minInterval <= 0 {
		minInterval = defaultMinInterval
	}
	return &Dispatcher{
		Registry:    reg,
		Harness:     h,
		MinInterval: minInterval,
		Now:         time.Now,
		logger:      slog.Default().With("component", "dispatcher"),
	}
}

type Outcome struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

type TickResult struct {
	AgentsChecked int       `json:"agents_checked"`
	AgentsDue     int       `json:"agents_due"`
	Outcomes      []Outcome `json:"outcomes"`
}

const StatusSkipped = "skipped"

// Tick executes due agents one after another. A failing agent is recorded
// in its outcome and never stops the rest.
func (d *Dispatcher) Tick(ctx context.Context) (TickResult, error) {
	now := d.Now()
	agents, err := d.Registry.List(ctx, domain.AgentActive, "")
	if err != nil {
		return TickResult{}, err
	}
	res := TickResult{AgentsChecked: len(agents), Outcomes: []Outcome{}}
	for _, a := range agents {
		if !registry.IsDue(a, now) {
			continue
		}
		res.AgentsDue++
		if a.LastRunAt != nil {
			if last, err := domain.ParseTime(*a.LastRunAt); err == nil && now.Sub(last) < d.MinInterval {
				d.logger.InfoContext(ctx, "skipping recently run agent", "agent_id", a.AgentID, "since_last_run", now.Sub(last))
				res.Outcomes = append(res.Outcomes, Outcome{AgentID: a.AgentID, Status: StatusSkipped})
				continue
			}
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		out, err := d.Harness.Execute(ctx, a.AgentID, domain.TriggerCron, "dispatcher")
		if err != nil {
			res.Outcomes = append(res.Outcomes, Outcome{AgentID: a.AgentID, Status: domain.RunError, Error: err.Error()})
			continue
		}
		status := out.Status
		if status == "" {
			status = domain.RunSuccess
		}
		res.Outcomes = append(res.Outcomes, Outcome{AgentID: a.AgentID, Status: status})
	}
	d.logger.InfoContext(ctx, "dispatch tick finished", "checked", res.AgentsChecked, "due", res.AgentsDue)
	return res, nil
}
