package appliers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vetfleet/internal/domain"
	"vetfleet/internal/notify"
	"vetfleet/internal/repo"
)

// Informational proposal types carry their content in the proposal itself.
var informational = []string{
	"skill_gap_report",
	"schedule_draft",
	"disciplinary_recommendation",
	"hr_audit_report",
	"attendance_report",
	"compliance_report",
	"nudge",
	"review_reminder",
	"engagement_report",
	"referral_insight",
	"health_report",
	"access_review",
}

func (reg *Registry) registerBuiltins() {
	reg.Register("new_skill", reg.applyNewSkill)
	reg.Register("skill_role_mapping", reg.applySkillRoleMapping)
	reg.Register("course_draft", reg.applyCourseDraft)
	reg.Register("mentor_match", reg.applyMentorMatch)
	reg.Register("profile_update_request", reg.applyProfileUpdateRequest)
	reg.Register("attendance_flag", reg.applyAttendanceFlag)
	reg.Register("payroll_anomaly", reg.applyPayrollAnomaly)
	reg.Register("compliance_alert", reg.applyComplianceAlert)
	reg.Register("review_summary_draft", reg.applyReviewSummaryDraft)
	reg.Register("engagement_alert", reg.applyEngagementAlert)
	for _, t := range informational {
		reg.Register(t, noop)
	}
}

func (reg *Registry) now() string {
	if reg.Now == nil {
		return domain.FormatTime(time.Now())
	}
	return domain.FormatTime(reg.Now())
}

func str(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

func intPtr(d map[string]any, key string) *int64 {
	switch v := d[key].(type) {
	case float64:
		n := int64(v)
		return &n
	case int:
		n := int64(v)
		return &n
	case int64:
		return &v
	}
	return nil
}

func floatPtr(d map[string]any, key string) *float64 {
	switch v := d[key].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func (reg *Registry) applyNewSkill(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	d := p.Detail
	if str(d, "name") == "" {
		return fmt.Errorf("insert skill: name is required")
	}
	err := r.InsertSkill(ctx, repo.Skill{
		ID:              uuid.NewString(),
		Name:            str(d, "name"),
		Category:        str(d, "category"),
		Description:     str(d, "description"),
		Source:          "agent",
		AgentProposalID: p.ID,
		CreatedAt:       reg.now(),
	})
	if err != nil {
		return fmt.Errorf("insert skill: %w", err)
	}
	return nil
}

func (reg *Registry) applySkillRoleMapping(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	d := p.Detail
	mappings, _ := d["mappings"].([]any)
	position := str(d, "job_position_id")
	for _, raw := range mappings {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		err := r.UpsertRoleSkillExpectation(ctx, repo.RoleSkillExpectation{
			JobPositionID:   position,
			SkillID:         str(m, "skill_id"),
			ExpectedLevel:   intPtr(m, "expected_level"),
			Importance:      str(m, "importance"),
			Source:          "agent",
			AgentProposalID: p.ID,
			Notes:           str(m, "reasoning"),
		})
		if err != nil {
			return fmt.Errorf("upsert role mappings: %w", err)
		}
	}
	return nil
}

func (reg *Registry) applyCourseDraft(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	d := p.Detail
	courseID := uuid.NewString()
	err := r.InsertCourse(ctx, repo.Course{
		ID:              courseID,
		Title:           firstNonEmpty(str(d, "title"), p.Title),
		Description:     str(d, "description"),
		SkillID:         str(d, "skill_id"),
		TargetLevel:     intPtr(d, "target_level"),
		EstimatedHours:  floatPtr(d, "estimated_hours"),
		Status:          "draft",
		Source:          "agent",
		AgentProposalID: p.ID,
		CreatedAt:       reg.now(),
	})
	if err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	lessons, _ := d["lessons"].([]any)
	for i, raw := range lessons {
		l, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		order := i + 1
		if o := intPtr(l, "order"); o != nil {
			order = int(*o)
		}
		err := r.InsertLesson(ctx, repo.Lesson{
			ID:        uuid.NewString(),
			CourseID:  courseID,
			Title:     str(l, "title"),
			Content:   str(l, "content_outline"),
			SortOrder: order,
		})
		if err != nil {
			return fmt.Errorf("create lesson: %w", err)
		}
	}
	return nil
}

func (reg *Registry) applyMentorMatch(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	d := p.Detail
	err := r.InsertMentorship(ctx, repo.Mentorship{
		ID:               uuid.NewString(),
		MentorEmployeeID: str(d, "mentor_employee_id"),
		MenteeEmployeeID: str(d, "mentee_employee_id"),
		SkillID:          str(d, "skill_id"),
		Status:           "proposed",
		MatchScore:       floatPtr(d, "match_score"),
		Source:           "agent",
		CreatedAt:        reg.now(),
	})
	if err != nil {
		return fmt.Errorf("create mentorship: %w", err)
	}
	return nil
}

// employeeProfile resolves an employee's profile id; "" when either link is
// missing.
func employeeProfile(ctx context.Context, r repo.Repo, employeeID string) (string, error) {
	if employeeID == "" {
		return "", nil
	}
	e, err := r.GetEmployee(ctx, employeeID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if e.ProfileID == nil {
		return "", nil
	}
	return *e.ProfileID, nil
}

// managerProfile follows employee -> manager -> profile.
func managerProfile(ctx context.Context, r repo.Repo, employeeID string) (string, error) {
	if employeeID == "" {
		return "", nil
	}
	e, err := r.GetEmployee(ctx, employeeID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if e.ManagerEmployeeID == nil {
		return "", nil
	}
	return employeeProfile(ctx, r, *e.ManagerEmployeeID)
}

func (reg *Registry) notifyProfile(ctx context.Context, r repo.Repo, profileID string, msg notify.InApp) error {
	if profileID == "" {
		return nil
	}
	msg.ProfileID = profileID
	if err := reg.Notifier.SendInApp(ctx, r, msg); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (reg *Registry) applyProfileUpdateRequest(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	d := p.Detail
	profileID := str(d, "employee_profile_id")
	if profileID == "" {
		var err error
		if profileID, err = employeeProfile(ctx, r, str(d, "employee_id")); err != nil {
			return err
		}
	}
	return reg.notifyProfile(ctx, r, profileID, notify.InApp{
		Type:     "profile_incomplete",
		Category: "profile",
		Title:    "Profile Update Needed",
		Body:     firstNonEmpty(str(d, "summary"), p.Summary, "Please update your profile with missing information."),
		Data: map[string]any{
			"proposal_id":    p.ID,
			"missing_fields": d["missing_fields"],
			"url":            "/profile",
			"action_label":   "Update Profile",
		},
	})
}

func (reg *Registry) managerAlert(ctx context.Context, p domain.Proposal, r repo.Repo, kind, title string) error {
	d := p.Detail
	profileID := str(d, "manager_profile_id")
	if profileID == "" {
		var err error
		if profileID, err = managerProfile(ctx, r, str(d, "employee_id")); err != nil {
			return err
		}
	}
	return reg.notifyProfile(ctx, r, profileID, notify.InApp{
		Type:     kind,
		Category: "hr",
		Title:    title,
		Body:     p.Summary,
		Data: map[string]any{
			"proposal_id":  p.ID,
			"employee_id":  d["employee_id"],
			"url":          "/roster",
			"action_label": "Review",
		},
	})
}

func (reg *Registry) applyAttendanceFlag(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	title := "Attendance Alert: " + firstNonEmpty(str(p.Detail, "employee_name"), "Employee")
	return reg.managerAlert(ctx, p, r, "attendance_alert", title)
}

func (reg *Registry) applyPayrollAnomaly(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	title := "Payroll Alert: " + firstNonEmpty(str(p.Detail, "employee_name"), "Time Entry Issue")
	return reg.managerAlert(ctx, p, r, "payroll_alert", title)
}

func (reg *Registry) applyComplianceAlert(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	d := p.Detail
	profileID := str(d, "employee_profile_id")
	if profileID == "" {
		var err error
		if profileID, err = employeeProfile(ctx, r, str(d, "employee_id")); err != nil {
			return err
		}
	}
	data := map[string]any{"proposal_id": p.ID}
	for k, v := range d {
		data[k] = v
	}
	data["url"] = "/profile"
	data["action_label"] = "Review"
	return reg.notifyProfile(ctx, r, profileID, notify.InApp{
		Type:     "compliance_alert",
		Category: "hr",
		Title:    "Compliance: " + firstNonEmpty(str(d, "credential_type"), str(d, "entity_name"), "Action Required"),
		Body:     p.Summary,
		Data:     data,
	})
}

func (reg *Registry) applyReviewSummaryDraft(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	reviewID, draft := str(p.Detail, "review_id"), str(p.Detail, "draft_summary")
	if reviewID == "" || draft == "" {
		return nil
	}
	if err := r.UpdateReviewSummary(ctx, reviewID, draft); err != nil {
		return fmt.Errorf("update review summary: %w", err)
	}
	return nil
}

func (reg *Registry) applyEngagementAlert(ctx context.Context, p domain.Proposal, r repo.Repo) error {
	d := p.Detail
	profileID, err := employeeProfile(ctx, r, str(d, "manager_employee_id"))
	if err != nil {
		return err
	}
	return reg.notifyProfile(ctx, r, profileID, notify.InApp{
		Type:     "engagement_alert",
		Category: "hr",
		Title:    "Engagement Drop: " + str(d, "employee_name"),
		Body:     p.Summary,
		Data: map[string]any{
			"proposal_id":  p.ID,
			"employee_id":  d["employee_id"],
			"score":        d["score_this_week"],
			"url":          "/roster",
			"action_label": "Review",
		},
	})
}
