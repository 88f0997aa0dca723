package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"vetfleet/internal/domain"
)

const runColumns = `id,agent_id,trigger_type,trigger_source,status,started_at,finished_at,error_message,proposals_created,proposals_auto_approved,tokens_used,cost_usd,metadata`

func scanRun(row scanner) (domain.AgentRun, error) {
	var run domain.AgentRun
	var source, finished, errMsg sql.NullString
	var meta string
	err := row.Scan(&run.ID, &run.AgentID, &run.TriggerType, &source, &run.Status, &run.StartedAt, &finished, &errMsg,
		&run.ProposalsCreated, &run.ProposalsAutoApproved, &run.TokensUsed, &run.CostUSD, &meta)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	run.TriggerSource = stringPtr(source)
	run.FinishedAt = stringPtr(finished)
	run.ErrorMessage = stringPtr(errMsg)
	run.Metadata = decodeJSONMap(meta)
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, run domain.AgentRun) error {
	meta, err := encodeJSON(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.exec(ctx, `INSERT INTO agent_runs(`+runColumns+`) VALUES (`+placeholders(13)+`)`,
		run.ID, run.AgentID, run.TriggerType, nullableStringPtr(run.TriggerSource), run.Status, run.StartedAt,
		nullableStringPtr(run.FinishedAt), nullableStringPtr(run.ErrorMessage), run.ProposalsCreated,
		run.ProposalsAutoApproved, run.TokensUsed, run.CostUSD, meta)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	return scanRun(r.queryRow(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id))
}

// FinishRun records the terminal state of a run.
func (r Repo) FinishRun(ctx context.Context, run domain.AgentRun) error {
	meta, err := encodeJSON(run.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	res, err := r.exec(ctx, `UPDATE agent_runs SET status=?, finished_at=?, error_message=?, proposals_created=?, proposals_auto_approved=?,
tokens_used=?, cost_usd=?, metadata=? WHERE id=?`,
		run.Status, nullableStringPtr(run.FinishedAt), nullableStringPtr(run.ErrorMessage), run.ProposalsCreated,
		run.ProposalsAutoApproved, run.TokensUsed, run.CostUSD, meta, run.ID)
	if err != nil {
		return err
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// ListStuckRuns returns running runs started strictly before cutoff.
func (r Repo) ListStuckRuns(ctx context.Context, cutoff string) ([]domain.AgentRun, error) {
	return r.listRuns(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE status=? AND started_at < ? ORDER BY started_at ASC`,
		domain.RunRunning, cutoff)
}

// KillRun marks a still-running run as errored. It reports false when the
// run already finished.
func (r Repo) KillRun(ctx context.Context, id, finishedAt, message string) (bool, error) {
	res, err := r.exec(ctx, `UPDATE agent_runs SET status=?, finished_at=?, error_message=? WHERE id=? AND status=?`,
		domain.RunError, finishedAt, message, id, domain.RunRunning)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// RecentRuns returns the newest runs across all agents.
func (r Repo) RecentRuns(ctx context.Context, limit int) ([]domain.AgentRun, error) {
	return r.listRuns(ctx, `SELECT `+runColumns+` FROM agent_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
}

type RunFilters struct {
	AgentID string
	Status  string
	Since   string
	Limit   int
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.AgentRun, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Since != "" {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, f.Since)
	}
	query := `SELECT ` + runColumns + ` FROM agent_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return r.listRuns(ctx, query, args...)
}

func (r Repo) listRuns(ctx context.Context, query string, args ...any) ([]domain.AgentRun, error) {
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
