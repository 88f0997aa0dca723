package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"vetfleet/internal/domain"
)

const proposalColumns = `id,agent_id,run_id,proposal_type,title,summary,detail,risk_level,status,target_employee_id,target_entity_type,target_entity_id,reviewed_by,reviewed_at,review_notes,applied_at,expires_at,created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProposal(row scanner) (domain.Proposal, error) {
	var p domain.Proposal
	var runID, targetEmp, targetType, targetID, reviewedBy, reviewedAt, notes, appliedAt, expiresAt sql.NullString
	var detail string
	err := row.Scan(&p.ID, &p.AgentID, &runID, &p.ProposalType, &p.Title, &p.Summary, &detail, &p.RiskLevel, &p.Status,
		&targetEmp, &targetType, &targetID, &reviewedBy, &reviewedAt, &notes, &appliedAt, &expiresAt, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.RunID = stringPtr(runID)
	p.Detail = decodeJSONMap(detail)
	p.TargetEmployeeID = stringPtr(targetEmp)
	p.TargetEntityType = stringPtr(targetType)
	p.TargetEntityID = stringPtr(targetID)
	p.ReviewedBy = stringPtr(reviewedBy)
	p.ReviewedAt = stringPtr(reviewedAt)
	p.ReviewNotes = stringPtr(notes)
	p.AppliedAt = stringPtr(appliedAt)
	p.ExpiresAt = stringPtr(expiresAt)
	return p, nil
}

func (r Repo) InsertProposal(ctx context.Context, p domain.Proposal) error {
	detail, err := encodeJSON(p.Detail)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}
	_, err = r.exec(ctx, `INSERT INTO agent_proposals(`+proposalColumns+`) VALUES (`+placeholders(18)+`)`,
		p.ID, p.AgentID, nullableStringPtr(p.RunID), p.ProposalType, p.Title, p.Summary, detail, p.RiskLevel, p.Status,
		nullableStringPtr(p.TargetEmployeeID), nullableStringPtr(p.TargetEntityType), nullableStringPtr(p.TargetEntityID),
		nullableStringPtr(p.ReviewedBy), nullableStringPtr(p.ReviewedAt), nullableStringPtr(p.ReviewNotes),
		nullableStringPtr(p.AppliedAt), nullableStringPtr(p.ExpiresAt), p.CreatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.queryRow(ctx, `SELECT `+proposalColumns+` FROM agent_proposals WHERE id=?`, id))
}

// ProposalTransition is a status change guarded on the current status.
type ProposalTransition struct {
	From        []string
	To          string
	ReviewedBy  *string
	ReviewedAt  *string
	ReviewNotes *string
	AppliedAt   *string
	// Unapplied additionally requires applied_at IS NULL.
	Unapplied bool
}

func (t ProposalTransition) set() (string, []any) {
	sets := []string{"status=?"}
	args := []any{t.To}
	if t.ReviewedBy != nil {
		sets = append(sets, "reviewed_by=?")
		args = append(args, *t.ReviewedBy)
	}
	if t.ReviewedAt != nil {
		sets = append(sets, "reviewed_at=?")
		args = append(args, *t.ReviewedAt)
	}
	if t.ReviewNotes != nil {
		sets = append(sets, "review_notes=?")
		args = append(args, *t.ReviewNotes)
	}
	if t.AppliedAt != nil {
		sets = append(sets, "applied_at=?")
		args = append(args, *t.AppliedAt)
	}
	return strings.Join(sets, ","), args
}

// TransitionProposal applies t to a single proposal. It reports false when
// the proposal is absent or no longer in one of t.From.
func (r Repo) TransitionProposal(ctx context.Context, id string, t ProposalTransition) (bool, error) {
	if len(t.From) == 0 {
		return false, fmt.Errorf("transition requires at least one source status")
	}
	set, args := t.set()
	query := `UPDATE agent_proposals SET ` + set + ` WHERE id=? AND status IN (` + placeholders(len(t.From)) + `)`
	args = append(args, id)
	for _, s := range t.From {
		args = append(args, s)
	}
	if t.Unapplied {
		query += ` AND applied_at IS NULL`
	}
	res, err := r.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

// BulkTransitionProposals applies t to every proposal in t.From, optionally
// restricted to one agent, and returns the number of rows changed.
func (r Repo) BulkTransitionProposals(ctx context.Context, agentID string, t ProposalTransition) (int64, error) {
	if len(t.From) == 0 {
		return 0, fmt.Errorf("transition requires at least one source status")
	}
	set, args := t.set()
	query := `UPDATE agent_proposals SET ` + set + ` WHERE status IN (` + placeholders(len(t.From)) + `)`
	for _, s := range t.From {
		args = append(args, s)
	}
	if agentID != "" {
		query += ` AND agent_id=?`
		args = append(args, agentID)
	}
	res, err := r.exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateProposalDetail replaces the detail payload without touching status.
func (r Repo) UpdateProposalDetail(ctx context.Context, id string, detail map[string]any) error {
	raw, err := encodeJSON(detail)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}
	res, err := r.exec(ctx, `UPDATE agent_proposals SET detail=? WHERE id=?`, raw, id)
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

type ProposalFilters struct {
	AgentID          string
	Status           string
	ProposalType     string
	TargetEmployeeID string
	// ActiveBefore, when set, drops rows whose expires_at is at or before it.
	ActiveBefore string
	Limit        int
	Offset       int
}

func (f ProposalFilters) where() (string, []any) {
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
	if f.ProposalType != "" {
		clauses = append(clauses, "proposal_type=?")
		args = append(args, f.ProposalType)
	}
	if f.TargetEmployeeID != "" {
		clauses = append(clauses, "target_employee_id=?")
		args = append(args, f.TargetEmployeeID)
	}
	if f.ActiveBefore != "" {
		clauses = append(clauses, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, f.ActiveBefore)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListProposals returns one page of proposals newest first plus the total
// number of rows matching the filters.
func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, int, error) {
	where, args := f.where()
	var total int
	if err := r.queryRow(ctx, `SELECT COUNT(*) FROM agent_proposals`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	pageArgs := append(append([]any{}, args...), limit, offset)
	rows, err := r.query(ctx, `SELECT `+proposalColumns+` FROM agent_proposals`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return res, total, nil
}

// ListProposalsByStatus returns up to limit proposals in the given statuses,
// oldest first. With unapplied set, rows with applied_at are skipped.
func (r Repo) ListProposalsByStatus(ctx context.Context, statuses []string, unapplied bool, limit int) ([]domain.Proposal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + proposalColumns + ` FROM agent_proposals WHERE status IN (` + placeholders(len(statuses)) + `)`
	var args []any
	for _, s := range statuses {
		args = append(args, s)
	}
	if unapplied {
		query += ` AND applied_at IS NULL`
	}
	query += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountProposalsByStatus(ctx context.Context, agentID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM agent_proposals`
	var args []any
	if agentID != "" {
		query += ` WHERE agent_id=?`
		args = append(args, agentID)
	}
	query += ` GROUP BY status`
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountProposalsWithStatus(ctx context.Context, status string) (int, error) {
	var n int
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM agent_proposals WHERE status=?`, status).Scan(&n)
	return n, err
}
