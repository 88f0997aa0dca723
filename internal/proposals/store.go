// Package proposals is the durable ledger of agent proposals. Every status
// change is a conditional update keyed on the current status, so the first
// writer wins and later attempts observe false rather than an error.
package proposals

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"vetfleet/internal/domain"
	"vetfleet/internal/repo"
)

const (
	AutoApproveNotes = "Auto-approved (low risk)"
	ResolveNotes     = "Resolved by admin"
	BulkResolveNotes = "Bulk resolved by admin"
	DefaultListLimit = 50
	TypeHealthReport = "health_report"
)

var (
	pendingOnly    = []string{domain.StatusPending}
	approvedStates = []string{domain.StatusApproved, domain.StatusAutoApproved}
	resolvable     = []string{domain.StatusPending, domain.StatusAutoApproved, domain.StatusApproved}
	bulkDefault    = []string{domain.StatusAutoApproved, domain.StatusPending}
)

// Store wraps the proposal table with lifecycle semantics.
type Store struct {
	Repo   repo.Repo
	Now    func() time.Time
	logger *slog.Logger
}

func New(r repo.Repo) *Store {
	return &Store{
		Repo:   r,
		Now:    time.Now,
		logger: slog.Default().With("component", "proposals"),
	}
}

func (s *Store) now() string {
	if s.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(s.Now())
}

func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

type CreateInput struct {
	AgentID          string
	RunID            string
	ProposalType     string
	Title            string
	Summary          string
	Detail           map[string]any
	RiskLevel        string
	TargetEmployeeID string
	TargetEntityType string
	TargetEntityID   string
	// ExpiresIn is optional; zero means the proposal never expires.
	ExpiresIn time.Duration
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// Create records a pending proposal and returns its id, or "" when the row
// could not be written. An empty id means nothing was recorded.
func (s *Store) Create(ctx context.Context, in CreateInput) string {
	if in.AgentID == "" || in.ProposalType == "" || in.Title == "" {
		s.log().WarnContext(ctx, "proposal rejected: agent, type and title are required",
			"agent_id", in.AgentID, "proposal_type", in.ProposalType)
		return ""
	}
	now := s.Now
	if now == nil {
		now = time.Now
	}
	ts := now()
	risk := in.RiskLevel
	if risk == "" {
		risk = domain.RiskLow
	}
	detail := in.Detail
	if detail == nil {
		detail = map[string]any{}
	}
	p := domain.Proposal{
		ID:               uuid.NewString(),
		AgentID:          in.AgentID,
		RunID:            optional(in.RunID),
		ProposalType:     in.ProposalType,
		Title:            in.Title,
		Summary:          in.Summary,
		Detail:           detail,
		RiskLevel:        risk,
		Status:           domain.StatusPending,
		TargetEmployeeID: optional(in.TargetEmployeeID),
		TargetEntityType: optional(in.TargetEntityType),
		TargetEntityID:   optional(in.TargetEntityID),
		CreatedAt:        domain.FormatTime(ts),
	}
	if in.ExpiresIn > 0 {
		exp := domain.FormatTime(ts.Add(in.ExpiresIn))
		p.ExpiresAt = &exp
	}
	if err := s.Repo.InsertProposal(ctx, p); err != nil {
		s.log().ErrorContext(ctx, "failed to create proposal",
			"agent_id", in.AgentID, "proposal_type", in.ProposalType, "error", err)
		return ""
	}
	s.log().InfoContext(ctx, "proposal created",
		"proposal_id", p.ID, "agent_id", p.AgentID, "proposal_type", p.ProposalType, "risk_level", p.RiskLevel)
	return p.ID
}

func (s *Store) transition(ctx context.Context, op, id string, t repo.ProposalTransition) bool {
	ok, err := s.Repo.TransitionProposal(ctx, id, t)
	if err != nil {
		s.log().WarnContext(ctx, "proposal transition failed", "op", op, "proposal_id", id, "error", err)
		return false
	}
	if !ok {
		s.log().DebugContext(ctx, "proposal transition not applicable", "op", op, "proposal_id", id)
	}
	return ok
}

// AutoApprove moves a pending proposal to auto_approved.
func (s *Store) AutoApprove(ctx context.Context, id string) bool {
	ts := s.now()
	notes := AutoApproveNotes
	return s.transition(ctx, "auto_approve", id, repo.ProposalTransition{
		From:        pendingOnly,
		To:          domain.StatusAutoApproved,
		ReviewedAt:  &ts,
		ReviewNotes: &notes,
	})
}

func (s *Store) review(ctx context.Context, op, to, id, reviewerID, notes string) bool {
	ts := s.now()
	t := repo.ProposalTransition{
		From:       pendingOnly,
		To:         to,
		ReviewedBy: &reviewerID,
		ReviewedAt: &ts,
	}
	if notes != "" {
		t.ReviewNotes = &notes
	}
	return s.transition(ctx, op, id, t)
}

// Approve records a human approval of a pending proposal.
func (s *Store) Approve(ctx context.Context, id, reviewerID, notes string) bool {
	return s.review(ctx, "approve", domain.StatusApproved, id, reviewerID, notes)
}

// Reject records a human rejection of a pending proposal.
func (s *Store) Reject(ctx context.Context, id, reviewerID, notes string) bool {
	return s.review(ctx, "reject", domain.StatusRejected, id, reviewerID, notes)
}

// MarkApplied moves an approved or auto-approved proposal to applied.
func (s *Store) MarkApplied(ctx context.Context, id string) bool {
	ok, err := s.MarkAppliedWith(ctx, s.Repo, id)
	if err != nil {
		s.log().WarnContext(ctx, "failed to mark proposal applied", "proposal_id", id, "error", err)
		return false
	}
	return ok
}

// MarkAppliedWith is MarkApplied against r, typically bound to a transaction.
func (s *Store) MarkAppliedWith(ctx context.Context, r repo.Repo, id string) (bool, error) {
	ts := s.now()
	return r.TransitionProposal(ctx, id, repo.ProposalTransition{
		From:      approvedStates,
		To:        domain.StatusApplied,
		AppliedAt: &ts,
		Unapplied: true,
	})
}

// Resolve closes out a proposal as applied without running any side effect.
func (s *Store) Resolve(ctx context.Context, id, reviewerID, notes string) bool {
	if notes == "" {
		notes = ResolveNotes
	}
	ts := s.now()
	return s.transition(ctx, "resolve", id, repo.ProposalTransition{
		From:        resolvable,
		To:          domain.StatusApplied,
		ReviewedBy:  &reviewerID,
		ReviewedAt:  &ts,
		ReviewNotes: &notes,
		AppliedAt:   &ts,
	})
}

type BulkFilter struct {
	AgentID string
	Status  string
}

// BulkResolve resolves every matching proposal and returns how many changed.
// Without a status filter it targets auto_approved and pending rows. A status
// outside pending, auto_approved and approved resolves nothing.
func (s *Store) BulkResolve(ctx context.Context, reviewerID string, f BulkFilter) int {
	from := bulkDefault
	if f.Status != "" {
		if !slices.Contains(resolvable, f.Status) {
			s.log().WarnContext(ctx, "bulk resolve refused: status is not resolvable",
				"agent_id", f.AgentID, "status", f.Status)
			return 0
		}
		from = []string{f.Status}
	}
	ts := s.now()
	notes := BulkResolveNotes
	n, err := s.Repo.BulkTransitionProposals(ctx, f.AgentID, repo.ProposalTransition{
		From:        from,
		To:          domain.StatusApplied,
		ReviewedBy:  &reviewerID,
		ReviewedAt:  &ts,
		ReviewNotes: &notes,
		AppliedAt:   &ts,
	})
	if err != nil {
		s.log().WarnContext(ctx, "bulk resolve failed", "agent_id", f.AgentID, "error", err)
		return 0
	}
	return int(n)
}

type ListFilter struct {
	AgentID          string
	Status           string
	ProposalType     string
	TargetEmployeeID string
	ActiveOnly       bool
	Limit            int
	Offset           int
}

type ListResult struct {
	Proposals []domain.Proposal `json:"proposals"`
	Total     int               `json:"total"`
}

// List pages through proposals newest first.
func (s *Store) List(ctx context.Context, f ListFilter) (ListResult, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rf := repo.ProposalFilters{
		AgentID:          f.AgentID,
		Status:           f.Status,
		ProposalType:     f.ProposalType,
		TargetEmployeeID: f.TargetEmployeeID,
		Limit:            limit,
		Offset:           f.Offset,
	}
	if f.ActiveOnly {
		rf.ActiveBefore = s.now()
	}
	items, total, err := s.Repo.ListProposals(ctx, rf)
	if err != nil {
		return ListResult{Proposals: []domain.Proposal{}}, err
	}
	if items == nil {
		items = []domain.Proposal{}
	}
	return ListResult{Proposals: items, Total: total}, nil
}

// Get returns the proposal or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*domain.Proposal, error) {
	p, err := s.Repo.GetProposal(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Stats counts proposals by status with every status present.
func (s *Store) Stats(ctx context.Context, agentID string) (map[string]int, error) {
	counts, err := s.Repo.CountProposalsByStatus(ctx, agentID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(domain.ProposalStatuses))
	for _, st := range domain.ProposalStatuses {
		out[st] = counts[st]
	}
	return out, nil
}
