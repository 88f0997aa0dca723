// Package appliers executes the side effect of approved proposals. Each
// proposal type maps to one Func; the side effect and the transition to
// applied commit together so a proposal is applied at most once.
package appliers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"vetfleet/internal/domain"
	"vetfleet/internal/notify"
	"vetfleet/internal/proposals"
	"vetfleet/internal/repo"
	"vetfleet/internal/telemetry"
)

// Func performs the side effect of p using r, which is bound to the
// transaction that also marks p applied.
type Func func(ctx context.Context, p domain.Proposal, r repo.Repo) error

type Registry struct {
	Repo     repo.Repo
	Store    *proposals.Store
	Notifier *notify.Notifier
	Metrics  *telemetry.Metrics
	Now      func() time.Time
	funcs    map[string]Func
	logger   *slog.Logger
}

// New returns a registry with every built-in applier registered.
func New(r repo.Repo, store *proposals.Store, n *notify.Notifier) *Registry {
	if n == nil {
		n = notify.New(r, 0)
	}
	reg := &Registry{
		Repo:     r,
		Store:    store,
		Notifier: n,
		Now:      time.Now,
		funcs:    map[string]Func{},
		logger:   slog.Default().With("component", "appliers"),
	}
	reg.registerBuiltins()
	return reg
}

// Register binds a proposal type to fn, replacing any earlier binding.
func (reg *Registry) Register(proposalType string, fn Func) {
	reg.funcs[proposalType] = fn
}

func (reg *Registry) Has(proposalType string) bool {
	_, ok := reg.funcs[proposalType]
	return ok
}

// Types lists the registered proposal types in sorted order.
func (reg *Registry) Types() []string {
	out := make([]string, 0, len(reg.funcs))
	for t := range reg.funcs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func noop(context.Context, domain.Proposal, repo.Repo) error { return nil }

// Apply executes the applier for an approved or auto-approved proposal and
// marks it applied. It reports false when the proposal is missing, not in an
// approved state, already applied, or its side effect failed. Types without
// an applier are marked applied with no side effect.
func (reg *Registry) Apply(ctx context.Context, proposalID string) bool {
	log := reg.logger.With("proposal_id", proposalID)
	p, err := reg.Store.Get(ctx, proposalID)
	if err != nil {
		log.WarnContext(ctx, "load proposal failed", "error", err)
		return false
	}
	if p == nil {
		log.WarnContext(ctx, "proposal not found")
		return false
	}
	if p.Status != domain.StatusApproved && p.Status != domain.StatusAutoApproved {
		log.WarnContext(ctx, "proposal not in an approved state", "status", p.Status)
		return false
	}
	fn, ok := reg.funcs[p.ProposalType]
	if !ok {
		log.WarnContext(ctx, "no applier for proposal type", "proposal_type", p.ProposalType)
		if !reg.Store.MarkApplied(ctx, proposalID) {
			return false
		}
		reg.Metrics.ProposalApplied(ctx, p.ProposalType, true)
		return true
	}
	err = reg.applyTx(ctx, *p, fn)
	if err != nil {
		log.ErrorContext(ctx, "apply failed", "proposal_type", p.ProposalType, "error", err)
		reg.Metrics.ProposalApplied(ctx, p.ProposalType, false)
		return false
	}
	log.InfoContext(ctx, "proposal applied", "proposal_type", p.ProposalType)
	reg.Metrics.ProposalApplied(ctx, p.ProposalType, true)
	return true
}

var errAlreadyApplied = fmt.Errorf("proposal already applied or no longer approved")

func (reg *Registry) applyTx(ctx context.Context, p domain.Proposal, fn Func) error {
	tx, err := reg.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	txRepo := reg.Repo.WithTx(tx)
	claimed, err := reg.Store.MarkAppliedWith(ctx, txRepo, p.ID)
	if err != nil {
		return fmt.Errorf("mark applied: %w", err)
	}
	if !claimed {
		return errAlreadyApplied
	}
	if err := fn(ctx, p, txRepo); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ProcessApproved applies up to limit approved, unapplied proposals oldest
// first and returns how many succeeded.
func (reg *Registry) ProcessApproved(ctx context.Context, limit int) int {
	if limit <= 0 {
		limit = 50
	}
	batch, err := reg.Repo.ListProposalsByStatus(ctx,
		[]string{domain.StatusApproved, domain.StatusAutoApproved}, true, limit)
	if err != nil {
		reg.logger.WarnContext(ctx, "list approved proposals failed", "error", err)
		return 0
	}
	applied := 0
	for _, p := range batch {
		if ctx.Err() != nil {
			break
		}
		if reg.Apply(ctx, p.ID) {
			applied++
		}
	}
	return applied
}
