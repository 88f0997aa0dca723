package appliers_test

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"vetfleet/internal/appliers"
	"vetfleet/internal/db"
	"vetfleet/internal/dbtest"
	"vetfleet/internal/domain"
	"vetfleet/internal/notify"
	"vetfleet/internal/proposals"
	"vetfleet/internal/repo"
	"vetfleet/internal/telemetry"
)

type env struct {
	ctx   context.Context
	repo  repo.Repo
	store *proposals.Store
	reg   *appliers.Registry
}

func newEnv(t *testing.T) env {
	t.Helper()
	r := dbtest.Open(t)
	store := proposals.New(r)
	store.Now = dbtest.Clock(dbtest.Epoch)
	n := notify.New(r, 3)
	n.Now = dbtest.Clock(dbtest.Epoch)
	reg := appliers.New(r, store, n)
	reg.Now = dbtest.Clock(dbtest.Epoch)
	return env{ctx: context.Background(), repo: r, store: store, reg: reg}
}

func (e env) approved(t *testing.T, proposalType string, detail map[string]any) string {
	t.Helper()
	id := e.store.Create(e.ctx, proposals.CreateInput{
		AgentID: "hr_auditor", ProposalType: proposalType, Title: "t", Summary: "summary text", Detail: detail,
	})
	require.NotEmpty(t, id)
	require.True(t, e.store.Approve(e.ctx, id, "admin-1", ""))
	return id
}

func (e env) status(t *testing.T, id string) domain.Proposal {
	t.Helper()
	p, err := e.store.Get(e.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return *p
}

func TestApplyRunsSideEffectOnce(t *testing.T) {
	e := newEnv(t)
	var calls int32
	e.reg.Register("counter", func(context.Context, domain.Proposal, repo.Repo) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	id := e.approved(t, "counter", nil)

	assert.True(t, e.reg.Apply(e.ctx, id))
	assert.False(t, e.reg.Apply(e.ctx, id))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	p := e.status(t, id)
	assert.Equal(t, domain.StatusApplied, p.Status)
	assert.NotNil(t, p.AppliedAt)
}

func TestApplyConcurrentCallersApplyOnce(t *testing.T) {
	e := newEnv(t)
	var calls int32
	e.reg.Register("counter", func(context.Context, domain.Proposal, repo.Repo) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	id := e.approved(t, "counter", nil)

	var wg sync.WaitGroup
	var wins int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.reg.Apply(e.ctx, id) {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins)
	assert.EqualValues(t, 1, calls)
}

func TestApplyFailureLeavesProposalApproved(t *testing.T) {
	e := newEnv(t)
	e.reg.Register("broken", func(ctx context.Context, p domain.Proposal, r repo.Repo) error {
		if err := r.InsertEmployee(ctx, domain.Employee{ID: "ghost", FirstName: "g"}); err != nil {
			return err
		}
		return errors.New("downstream unavailable")
	})
	id := e.approved(t, "broken", nil)

	assert.False(t, e.reg.Apply(e.ctx, id))
	p := e.status(t, id)
	assert.Equal(t, domain.StatusApproved, p.Status)
	assert.Nil(t, p.AppliedAt)

	_, err := e.repo.GetEmployee(e.ctx, "ghost")
	assert.ErrorIs(t, err, repo.ErrNotFound, "side effect must roll back with the failed apply")
}

func TestApplyRejectsUnapprovedAndMissing(t *testing.T) {
	e := newEnv(t)
	id := e.store.Create(e.ctx, proposals.CreateInput{AgentID: "a", ProposalType: "new_skill", Title: "t"})
	require.NotEmpty(t, id)
	assert.False(t, e.reg.Apply(e.ctx, id))
	assert.False(t, e.reg.Apply(e.ctx, "missing"))
}

func TestApplyUnregisteredTypeIsInformational(t *testing.T) {
	e := newEnv(t)
	id := e.approved(t, "brand_new_type", nil)
	assert.True(t, e.reg.Apply(e.ctx, id))
	assert.Equal(t, domain.StatusApplied, e.status(t, id).Status)
}

func TestProcessApprovedCountsUnregisteredAsApplied(t *testing.T) {
	e := newEnv(t)
	a := e.approved(t, "nudge", nil)
	b := e.approved(t, "unknown_kind", nil)
	c := e.store.Create(e.ctx, proposals.CreateInput{AgentID: "a", ProposalType: "health_report", Title: "h"})
	require.True(t, e.store.AutoApprove(e.ctx, c))
	pending := e.store.Create(e.ctx, proposals.CreateInput{AgentID: "a", ProposalType: "nudge", Title: "p"})

	assert.Equal(t, 3, e.reg.ProcessApproved(e.ctx, 50))
	for _, id := range []string{a, b, c} {
		assert.Equal(t, domain.StatusApplied, e.status(t, id).Status)
	}
	assert.Equal(t, domain.StatusPending, e.status(t, pending).Status)
	assert.Zero(t, e.reg.ProcessApproved(e.ctx, 50))
}

func TestNewSkillInsertsLibraryRow(t *testing.T) {
	e := newEnv(t)
	id := e.approved(t, "new_skill", map[string]any{"name": "Dental radiography", "category": "clinical"})
	require.True(t, e.reg.Apply(e.ctx, id))

	var source, proposalID string
	err := e.repo.DB.QueryRow(`SELECT source, agent_proposal_id FROM skill_library WHERE name=?`, "Dental radiography").
		Scan(&source, &proposalID)
	require.NoError(t, err)
	assert.Equal(t, "agent", source)
	assert.Equal(t, id, proposalID)
}

func TestNewSkillWithoutNameFails(t *testing.T) {
	e := newEnv(t)
	id := e.approved(t, "new_skill", map[string]any{})
	assert.False(t, e.reg.Apply(e.ctx, id))
	assert.Equal(t, domain.StatusApproved, e.status(t, id).Status)
}

func TestSkillRoleMappingUpserts(t *testing.T) {
	e := newEnv(t)
	detail := map[string]any{
		"job_position_id": "pos-1",
		"mappings": []any{
			map[string]any{"skill_id": "s-1", "expected_level": float64(3), "importance": "required", "reasoning": "core"},
			map[string]any{"skill_id": "s-2", "expected_level": float64(2), "importance": "nice"},
		},
	}
	require.True(t, e.reg.Apply(e.ctx, e.approved(t, "skill_role_mapping", detail)))
	detail["mappings"] = []any{map[string]any{"skill_id": "s-1", "expected_level": float64(4), "reasoning": "raised"}}
	require.True(t, e.reg.Apply(e.ctx, e.approved(t, "skill_role_mapping", detail)))

	var n int
	require.NoError(t, e.repo.DB.QueryRow(`SELECT COUNT(*) FROM role_skill_expectations`).Scan(&n))
	assert.Equal(t, 2, n)
	var level int
	var notes string
	require.NoError(t, e.repo.DB.QueryRow(`SELECT expected_level, notes FROM role_skill_expectations WHERE skill_id='s-1'`).Scan(&level, &notes))
	assert.Equal(t, 4, level)
	assert.Equal(t, "raised", notes)
}

func TestCourseDraftInsertsCourseAndLessons(t *testing.T) {
	e := newEnv(t)
	id := e.approved(t, "course_draft", map[string]any{
		"title": "Anesthesia basics",
		"lessons": []any{
			map[string]any{"title": "Intro", "content_outline": "why", "order": float64(1)},
			map[string]any{"title": "Monitoring", "content_outline": "how", "order": float64(2)},
		},
	})
	require.True(t, e.reg.Apply(e.ctx, id))

	var courseID, status string
	require.NoError(t, e.repo.DB.QueryRow(`SELECT id, status FROM training_courses WHERE agent_proposal_id=?`, id).Scan(&courseID, &status))
	assert.Equal(t, "draft", status)
	var lessons int
	require.NoError(t, e.repo.DB.QueryRow(`SELECT COUNT(*) FROM training_lessons WHERE course_id=?`, courseID).Scan(&lessons))
	assert.Equal(t, 2, lessons)
}

func TestMentorMatchCreatesProposedMentorship(t *testing.T) {
	e := newEnv(t)
	id := e.approved(t, "mentor_match", map[string]any{
		"mentor_employee_id": "e-1", "mentee_employee_id": "e-2", "match_score": 0.9,
	})
	require.True(t, e.reg.Apply(e.ctx, id))
	var status string
	require.NoError(t, e.repo.DB.QueryRow(`SELECT status FROM mentorships WHERE mentee_employee_id='e-2'`).Scan(&status))
	assert.Equal(t, "proposed", status)
}

func TestAttendanceFlagNotifiesManager(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedEmployee(t, e.repo, "mgr", "profile-mgr", "")
	dbtest.SeedEmployee(t, e.repo, "emp", "profile-emp", "mgr")
	id := e.approved(t, "attendance_flag", map[string]any{"employee_id": "emp", "employee_name": "Dana"})
	require.True(t, e.reg.Apply(e.ctx, id))

	notes, err := e.repo.ListNotifications(e.ctx, "profile-mgr")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "attendance_alert", notes[0].Type)
	assert.Equal(t, "Attendance Alert: Dana", notes[0].Title)
	assert.Equal(t, "summary text", notes[0].Body)
	assert.Equal(t, id, notes[0].Data["proposal_id"])
}

func TestFKChainGapsAreSkipped(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedEmployee(t, e.repo, "orphan", "profile-orphan", "")
	cases := []struct {
		kind   string
		detail map[string]any
	}{
		{"payroll_anomaly", map[string]any{"employee_id": "orphan"}},
		{"attendance_flag", map[string]any{"employee_id": "does-not-exist"}},
		{"engagement_alert", map[string]any{"manager_employee_id": "does-not-exist"}},
		{"compliance_alert", map[string]any{}},
		{"profile_update_request", map[string]any{"employee_id": "does-not-exist"}},
	}
	for _, tc := range cases {
		t.Run(tc.kind, func(t *testing.T) {
			id := e.approved(t, tc.kind, tc.detail)
			assert.True(t, e.reg.Apply(e.ctx, id))
			assert.Equal(t, domain.StatusApplied, e.status(t, id).Status)
		})
	}
	var n int
	require.NoError(t, e.repo.DB.QueryRow(`SELECT COUNT(*) FROM notifications`).Scan(&n))
	assert.Zero(t, n)
}

func TestProfileUpdateRequestResolvesProfile(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedEmployee(t, e.repo, "emp", "profile-emp", "")
	id := e.approved(t, "profile_update_request", map[string]any{
		"employee_id": "emp", "missing_fields": []any{"phone"},
	})
	require.True(t, e.reg.Apply(e.ctx, id))

	notes, err := e.repo.ListNotifications(e.ctx, "profile-emp")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "profile_incomplete", notes[0].Type)
	assert.Equal(t, "Profile Update Needed", notes[0].Title)
	assert.Equal(t, "summary text", notes[0].Body)
	assert.Equal(t, "/profile", notes[0].Data["url"])
}

func TestComplianceAlertTitleFallback(t *testing.T) {
	e := newEnv(t)
	id := e.approved(t, "compliance_alert", map[string]any{"employee_profile_id": "p-9", "entity_name": "DEA license"})
	require.True(t, e.reg.Apply(e.ctx, id))
	notes, err := e.repo.ListNotifications(e.ctx, "p-9")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Compliance: DEA license", notes[0].Title)
	assert.Equal(t, "DEA license", notes[0].Data["entity_name"])
}

func TestEngagementAlertNotifiesManagerProfile(t *testing.T) {
	e := newEnv(t)
	dbtest.SeedEmployee(t, e.repo, "mgr", "profile-mgr", "")
	id := e.approved(t, "engagement_alert", map[string]any{
		"manager_employee_id": "mgr", "employee_name": "Sam", "score_this_week": float64(41),
	})
	require.True(t, e.reg.Apply(e.ctx, id))
	notes, err := e.repo.ListNotifications(e.ctx, "profile-mgr")
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "Engagement Drop: Sam", notes[0].Title)
	assert.EqualValues(t, 41, notes[0].Data["score"])
}

func TestReviewSummaryDraftWritesBack(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.repo.InsertPerformanceReview(e.ctx, "rev-1", "emp"))
	id := e.approved(t, "review_summary_draft", map[string]any{"review_id": "rev-1", "draft_summary": "Strong quarter."})
	require.True(t, e.reg.Apply(e.ctx, id))

	summary, err := e.repo.GetReviewSummary(e.ctx, "rev-1")
	require.NoError(t, err)
	assert.Equal(t, "Strong quarter.", summary)
}

func TestApplyEmitsMetrics(t *testing.T) {
	e := newEnv(t)
	reader := sdkmetric.NewManualReader()
	m, err := telemetry.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)
	e.reg.Metrics = m

	require.True(t, e.reg.Apply(e.ctx, e.approved(t, "nudge", nil)))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(e.ctx, &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "vetfleet.proposals.applied" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
		}
	}
	assert.EqualValues(t, 1, total)
}

func TestRegistryListsBuiltins(t *testing.T) {
	e := newEnv(t)
	for _, kind := range []string{"new_skill", "course_draft", "health_report", "access_review", "engagement_alert"} {
		assert.True(t, e.reg.Has(kind), kind)
	}
	assert.False(t, e.reg.Has("unknown_kind"))
}

func TestApplyUnregisteredTypeLosingRaceReportsFalse(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.New(conn, db.DriverSQLite)
	reg := appliers.New(r, proposals.New(r), nil)

	cols := []string{"id", "agent_id", "run_id", "proposal_type", "title", "summary", "detail", "risk_level", "status",
		"target_employee_id", "target_entity_type", "target_entity_id", "reviewed_by", "reviewed_at", "review_notes",
		"applied_at", "expires_at", "created_at"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_proposals WHERE id=?")).WithArgs("p-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p-1", "hr_auditor", nil, "mystery_type", "t", "", "{}", "low",
			domain.StatusApproved, nil, nil, nil, "admin-1", "2025-03-10T09:00:00.000000Z", nil, nil, nil,
			"2025-03-10T08:00:00.000000Z"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agent_proposals SET")).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.False(t, reg.Apply(context.Background(), "p-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
