package supervisor

import "vetfleet/internal/domain"

// Route is the triage decision for one pending proposal.
type Route string

const (
	RouteAutoApprove Route = "auto_approve"
	RouteManager     Route = "manager"
	RouteAdmin       Route = "admin"
	RouteEvaluate    Route = "evaluate"
	RouteAdminAlert  Route = "admin_alert"
)

// AutoApproveTypes may be approved without review when their risk is low.
var AutoApproveTypes = map[string]bool{
	"nudge":                true,
	"engagement_alert":     true,
	"engagement_report":    true,
	"review_reminder":      true,
	"new_skill":            true,
	"skill_gap_report":     true,
	"course_draft":         true,
	"mentor_match":         true,
	"hr_audit_report":      true,
	"attendance_report":    true,
	"compliance_report":    true,
	"system_health_report": true,
}

// AlwaysHumanReviewTypes go to an admin whatever their risk.
var AlwaysHumanReviewTypes = map[string]bool{
	"schedule_draft":              true,
	"review_summary_draft":        true,
	"disciplinary_recommendation": true,
}

// Classify decides how a pending proposal is triaged. A missing risk level
// counts as medium; an unrecognised one is handled as high.
func Classify(p domain.Proposal) Route {
	risk := p.RiskLevel
	if risk == "" {
		risk = domain.RiskMedium
	}
	switch {
	case AlwaysHumanReviewTypes[p.ProposalType]:
		return RouteAdmin
	case risk == domain.RiskLow && AutoApproveTypes[p.ProposalType]:
		return RouteAutoApprove
	case risk == domain.RiskLow:
		return RouteManager
	case risk == domain.RiskMedium:
		return RouteEvaluate
	default:
		return RouteAdminAlert
	}
}

// RunStatus is the slice of a run the streak scan needs.
type RunStatus struct {
	AgentID string
	Status  string
}

// ErrorStreaks returns, per agent, the number of error runs at the head of
// runs, which must be ordered newest first. The first non-error run ends an
// agent's streak. The second result lists agents in first-seen order.
func ErrorStreaks(runs []RunStatus) (map[string]int, []string) {
	streaks := map[string]int{}
	closed := map[string]bool{}
	var order []string
	for _, r := range runs {
		if _, seen := streaks[r.AgentID]; !seen {
			order = append(order, r.AgentID)
			streaks[r.AgentID] = 0
		}
		if closed[r.AgentID] {
			continue
		}
		if r.Status == domain.RunError {
			streaks[r.AgentID]++
			continue
		}
		closed[r.AgentID] = true
	}
	return streaks, order
}
