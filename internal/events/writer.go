// Package events records the audit trail of human and administrative
// actions taken on proposals and agents.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"vetfleet/internal/domain"
	"vetfleet/internal/repo"
)

const (
	ProposalApprove   = "agent_proposal_approve"
	ProposalReject    = "agent_proposal_reject"
	ProposalResolve   = "agent_proposal_resolve"
	ProposalBulk      = "agent_proposal_bulk_resolve"
	AgentStatusChange = "agent_status_change"
	AgentTrigger      = "agent_manual_trigger"
)

type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

// Append writes one audit event. Pass a tx-bound repo as r to make the event
// part of a larger transaction; the zero Repo falls back to w.Repo.
func (w Writer) Append(ctx context.Context, r repo.Repo, action, entityType, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if r.DB == nil {
		r = w.Repo
	}
	if payload == nil {
		payload = EventPayload{}
	}
	var id *string
	if entityID != "" {
		id = &entityID
	}
	return r.InsertAuditEvent(ctx, domain.AuditEvent{
		ID:         uuid.NewString(),
		TS:         domain.FormatTime(w.Now()),
		Action:     action,
		EntityType: entityType,
		EntityID:   id,
		ActorID:    actorID,
		Metadata:   payload,
	})
}
