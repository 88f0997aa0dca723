package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"vetfleet/internal/domain"
)

const agentColumns = `agent_id,display_name,cluster,description,status,schedule_cron,daily_token_budget,daily_tokens_used,budget_reset_at,consecutive_errors,last_error_message,last_run_at,last_run_status,last_run_duration_ms,config,created_at`

func scanAgent(row scanner) (domain.AgentRegistration, error) {
	var a domain.AgentRegistration
	var desc, cron, resetAt, lastErr, lastRunAt, lastRunStatus sql.NullString
	var budget, lastDuration sql.NullInt64
	var cfg string
	err := row.Scan(&a.AgentID, &a.DisplayName, &a.Cluster, &desc, &a.Status, &cron, &budget, &a.DailyTokensUsed, &resetAt,
		&a.ConsecutiveErrors, &lastErr, &lastRunAt, &lastRunStatus, &lastDuration, &cfg, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Description = desc.String
	a.ScheduleCron = cron.String
	a.DailyTokenBudget = int64Ptr(budget)
	a.BudgetResetAt = stringPtr(resetAt)
	a.LastErrorMessage = stringPtr(lastErr)
	a.LastRunAt = stringPtr(lastRunAt)
	a.LastRunStatus = stringPtr(lastRunStatus)
	a.LastRunDurationMs = int64Ptr(lastDuration)
	a.Config = decodeJSONMap(cfg)
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, agentID string) (domain.AgentRegistration, error) {
	return scanAgent(r.queryRow(ctx, `SELECT `+agentColumns+` FROM agent_registry WHERE agent_id=?`, agentID))
}

type AgentFilters struct {
	Status  string
	Cluster string
}

func (r Repo) ListAgents(ctx context.Context, f AgentFilters) ([]domain.AgentRegistration, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Cluster != "" {
		clauses = append(clauses, "cluster=?")
		args = append(args, f.Cluster)
	}
	query := `SELECT ` + agentColumns + ` FROM agent_registry`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY cluster, display_name`
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRegistration
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// UpsertAgent registers an agent or refreshes its descriptive fields. Runtime
// counters, status and the handler-owned config bag are left alone on update.
func (r Repo) UpsertAgent(ctx context.Context, a domain.AgentRegistration) error {
	cfg, err := encodeJSON(a.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	status := a.Status
	if status == "" {
		status = domain.AgentActive
	}
	_, err = r.exec(ctx, `INSERT INTO agent_registry(agent_id,display_name,cluster,description,status,schedule_cron,daily_token_budget,daily_tokens_used,budget_reset_at,config,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(agent_id) DO UPDATE SET display_name=excluded.display_name, cluster=excluded.cluster, description=excluded.description,
schedule_cron=excluded.schedule_cron, daily_token_budget=excluded.daily_token_budget`,
		a.AgentID, a.DisplayName, a.Cluster, nullable(a.Description), status, nullable(a.ScheduleCron),
		nullableInt64Ptr(a.DailyTokenBudget), a.DailyTokensUsed, nullableStringPtr(a.BudgetResetAt), cfg, a.CreatedAt)
	return err
}

// UpdateAgentStatus sets status; moving to active also clears the error counters.
func (r Repo) UpdateAgentStatus(ctx context.Context, agentID, status string) (bool, error) {
	query := `UPDATE agent_registry SET status=? WHERE agent_id=?`
	if status == domain.AgentActive {
		query = `UPDATE agent_registry SET status=?, consecutive_errors=0, last_error_message=NULL WHERE agent_id=?`
	}
	res, err := r.exec(ctx, query, status, agentID)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// RecordAgentLastRun stamps the last run fields and maintains the
// consecutive error counter.
func (r Repo) RecordAgentLastRun(ctx context.Context, agentID, runStatus, at string, durationMs int64, errMsg *string) error {
	if runStatus == domain.RunError {
		_, err := r.exec(ctx, `UPDATE agent_registry SET last_run_at=?, last_run_status=?, last_run_duration_ms=?,
consecutive_errors=consecutive_errors+1, last_error_message=? WHERE agent_id=?`,
			at, runStatus, durationMs, nullableStringPtr(errMsg), agentID)
		return err
	}
	_, err := r.exec(ctx, `UPDATE agent_registry SET last_run_at=?, last_run_status=?, last_run_duration_ms=?, consecutive_errors=0 WHERE agent_id=?`,
		at, runStatus, durationMs, agentID)
	return err
}

func (r Repo) UpdateAgentConfig(ctx context.Context, agentID string, cfg map[string]any) error {
	raw, err := encodeJSON(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	_, err = r.exec(ctx, `UPDATE agent_registry SET config=? WHERE agent_id=?`, raw, agentID)
	return err
}

// ResetAgentBudget zeroes the daily counter and moves the reset marker.
func (r Repo) ResetAgentBudget(ctx context.Context, agentID, resetAt string) error {
	_, err := r.exec(ctx, `UPDATE agent_registry SET daily_tokens_used=0, budget_reset_at=? WHERE agent_id=?`, resetAt, agentID)
	return err
}

// SetAgentTokensUsed writes an absolute daily token count.
func (r Repo) SetAgentTokensUsed(ctx context.Context, agentID string, used int64) error {
	_, err := r.exec(ctx, `UPDATE agent_registry SET daily_tokens_used=? WHERE agent_id=?`, used, agentID)
	return err
}
