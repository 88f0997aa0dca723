package proposals_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vetfleet/internal/db"
	"vetfleet/internal/dbtest"
	"vetfleet/internal/domain"
	"vetfleet/internal/proposals"
	"vetfleet/internal/repo"
)

func newStore(t *testing.T) (*proposals.Store, context.Context) {
	t.Helper()
	s := proposals.New(dbtest.Open(t))
	s.Now = dbtest.Clock(dbtest.Epoch)
	return s, context.Background()
}

func create(t *testing.T, s *proposals.Store, ctx context.Context, in proposals.CreateInput) string {
	t.Helper()
	if in.AgentID == "" {
		in.AgentID = "gap_analyzer"
	}
	if in.ProposalType == "" {
		in.ProposalType = "nudge"
	}
	if in.Title == "" {
		in.Title = "Practice dental charting"
	}
	id := s.Create(ctx, in)
	require.NotEmpty(t, id)
	return id
}

func TestCreateDefaults(t *testing.T) {
	s, ctx := newStore(t)
	id := create(t, s, ctx, proposals.CreateInput{Summary: "s", ExpiresIn: 2 * time.Hour})

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Equal(t, domain.RiskLow, p.RiskLevel)
	assert.Equal(t, map[string]any{}, p.Detail)
	require.NotNil(t, p.ExpiresAt)
	assert.Equal(t, domain.FormatTime(dbtest.Epoch.Add(2*time.Hour)), *p.ExpiresAt)
	assert.Nil(t, p.AppliedAt)
}

func TestCreateWithoutExpiry(t *testing.T) {
	s, ctx := newStore(t)
	id := create(t, s, ctx, proposals.CreateInput{RiskLevel: domain.RiskHigh})
	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, p.ExpiresAt)
	assert.Equal(t, domain.RiskHigh, p.RiskLevel)
}

func TestCreateRequiresTitle(t *testing.T) {
	s, ctx := newStore(t)
	assert.Empty(t, s.Create(ctx, proposals.CreateInput{AgentID: "a", ProposalType: "nudge"}))
}

func TestGetMissingReturnsNil(t *testing.T) {
	s, ctx := newStore(t)
	p, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAutoApproveSetsNotes(t *testing.T) {
	s, ctx := newStore(t)
	id := create(t, s, ctx, proposals.CreateInput{})
	require.True(t, s.AutoApprove(ctx, id))

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAutoApproved, p.Status)
	require.NotNil(t, p.ReviewNotes)
	assert.Equal(t, "Auto-approved (low risk)", *p.ReviewNotes)
	require.NotNil(t, p.ReviewedAt)
	assert.Nil(t, p.ReviewedBy)
}

func TestFirstReviewWins(t *testing.T) {
	s, ctx := newStore(t)
	id := create(t, s, ctx, proposals.CreateInput{})

	require.True(t, s.Reject(ctx, id, "admin-1", "not needed"))
	assert.False(t, s.Approve(ctx, id, "admin-2", ""))
	assert.False(t, s.AutoApprove(ctx, id))
	assert.False(t, s.Reject(ctx, id, "admin-2", ""))

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, p.Status)
	assert.Equal(t, "admin-1", *p.ReviewedBy)
	assert.Equal(t, "not needed", *p.ReviewNotes)
}

func TestMarkAppliedRequiresApproval(t *testing.T) {
	s, ctx := newStore(t)
	id := create(t, s, ctx, proposals.CreateInput{})
	assert.False(t, s.MarkApplied(ctx, id))

	require.True(t, s.Approve(ctx, id, "admin-1", ""))
	require.True(t, s.MarkApplied(ctx, id))
	assert.False(t, s.MarkApplied(ctx, id))

	p, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, p.Status)
	require.NotNil(t, p.AppliedAt)
}

func TestResolve(t *testing.T) {
	s, ctx := newStore(t)
	pending := create(t, s, ctx, proposals.CreateInput{})
	rejected := create(t, s, ctx, proposals.CreateInput{})
	require.True(t, s.Reject(ctx, rejected, "admin-1", ""))

	require.True(t, s.Resolve(ctx, pending, "admin-1", ""))
	assert.False(t, s.Resolve(ctx, rejected, "admin-1", ""))

	p, err := s.Get(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApplied, p.Status)
	assert.Equal(t, "Resolved by admin", *p.ReviewNotes)
	assert.NotNil(t, p.AppliedAt)
}

func TestBulkResolve(t *testing.T) {
	s, ctx := newStore(t)
	a := create(t, s, ctx, proposals.CreateInput{AgentID: "a"})
	b := create(t, s, ctx, proposals.CreateInput{AgentID: "a"})
	other := create(t, s, ctx, proposals.CreateInput{AgentID: "b"})
	approved := create(t, s, ctx, proposals.CreateInput{AgentID: "a"})
	require.True(t, s.AutoApprove(ctx, b))
	require.True(t, s.Approve(ctx, approved, "admin", ""))

	n := s.BulkResolve(ctx, "admin-1", proposals.BulkFilter{AgentID: "a"})
	assert.Equal(t, 2, n)

	for id, want := range map[string]string{
		a:        domain.StatusApplied,
		b:        domain.StatusApplied,
		other:    domain.StatusPending,
		approved: domain.StatusApproved,
	} {
		p, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, p.Status, id)
	}

	n = s.BulkResolve(ctx, "admin-1", proposals.BulkFilter{Status: domain.StatusApproved})
	assert.Equal(t, 1, n)
}

func TestListFiltersAndTotal(t *testing.T) {
	s, ctx := newStore(t)
	for i := 0; i < 3; i++ {
		create(t, s, ctx, proposals.CreateInput{AgentID: "a", ProposalType: "nudge"})
	}
	create(t, s, ctx, proposals.CreateInput{AgentID: "b", ProposalType: "new_skill"})

	res, err := s.List(ctx, proposals.ListFilter{AgentID: "a", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Len(t, res.Proposals, 2)

	res, err = s.List(ctx, proposals.ListFilter{ProposalType: "new_skill"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, "b", res.Proposals[0].AgentID)
}

func TestListActiveOnlyHidesExpired(t *testing.T) {
	s, ctx := newStore(t)
	live := create(t, s, ctx, proposals.CreateInput{ExpiresIn: time.Hour})
	create(t, s, ctx, proposals.CreateInput{ExpiresIn: time.Minute})
	s.Now = dbtest.Clock(dbtest.Epoch.Add(10 * time.Minute))

	res, err := s.List(ctx, proposals.ListFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	assert.Equal(t, live, res.Proposals[0].ID)
}

func TestStatsZeroFilled(t *testing.T) {
	s, ctx := newStore(t)
	id := create(t, s, ctx, proposals.CreateInput{AgentID: "a"})
	create(t, s, ctx, proposals.CreateInput{AgentID: "a"})
	create(t, s, ctx, proposals.CreateInput{AgentID: "b"})
	require.True(t, s.AutoApprove(ctx, id))

	stats, err := s.Stats(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"pending": 1, "auto_approved": 1, "approved": 0, "rejected": 0, "applied": 0, "expired": 0,
	}, stats)
}

func mockStore(t *testing.T) (*proposals.Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	s := proposals.New(repo.New(conn, db.DriverSQLite))
	s.Now = dbtest.Clock(dbtest.Epoch)
	return s, mock
}

func TestCreateReturnsEmptyOnWriteFailure(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_proposals")).WillReturnError(errors.New("disk full"))

	id := s.Create(context.Background(), proposals.CreateInput{AgentID: "a", ProposalType: "nudge", Title: "t"})
	assert.Empty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionFailureReportsFalse(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agent_proposals SET")).WillReturnError(errors.New("connection reset"))

	assert.False(t, s.AutoApprove(context.Background(), "p-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkResolveFailureReportsZero(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE agent_proposals SET")).WillReturnError(errors.New("locked"))

	assert.Zero(t, s.BulkResolve(context.Background(), "admin", proposals.BulkFilter{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBulkResolveRefusesTerminalStatuses(t *testing.T) {
	s, ctx := newStore(t)
	rejected := create(t, s, ctx, proposals.CreateInput{AgentID: "a"})
	require.True(t, s.Reject(ctx, rejected, "admin", "no"))
	applied := create(t, s, ctx, proposals.CreateInput{AgentID: "a"})
	require.True(t, s.Resolve(ctx, applied, "admin", ""))

	assert.Zero(t, s.BulkResolve(ctx, "admin-1", proposals.BulkFilter{Status: domain.StatusRejected}))
	assert.Zero(t, s.BulkResolve(ctx, "admin-1", proposals.BulkFilter{Status: domain.StatusApplied}))
	assert.Zero(t, s.BulkResolve(ctx, "admin-1", proposals.BulkFilter{Status: "bogus"}))

	p, err := s.Get(ctx, rejected)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, p.Status)
	assert.Nil(t, p.AppliedAt)
	assert.Equal(t, "no", *p.ReviewNotes)
}
