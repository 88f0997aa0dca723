package repo

import (
	"context"
	"database/sql"

	"vetfleet/internal/domain"
)

func (r Repo) GetEmployee(ctx context.Context, id string) (domain.Employee, error) {
	var e domain.Employee
	var profile, manager, position sql.NullString
	err := r.queryRow(ctx, `SELECT id,profile_id,manager_employee_id,first_name,last_name,job_position_id FROM employees WHERE id=?`, id).
		Scan(&e.ID, &profile, &manager, &e.FirstName, &e.LastName, &position)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.ProfileID = stringPtr(profile)
	e.ManagerEmployeeID = stringPtr(manager)
	e.JobPositionID = stringPtr(position)
	return e, nil
}

func (r Repo) InsertEmployee(ctx context.Context, e domain.Employee) error {
	_, err := r.exec(ctx, `INSERT INTO employees(id,profile_id,manager_employee_id,first_name,last_name,job_position_id) VALUES (?,?,?,?,?,?)`,
		e.ID, nullableStringPtr(e.ProfileID), nullableStringPtr(e.ManagerEmployeeID), e.FirstName, e.LastName, nullableStringPtr(e.JobPositionID))
	return err
}

type Skill struct {
	ID              string
	Name            string
	Category        string
	Description     string
	Source          string
	AgentProposalID string
	CreatedAt       string
}

func (r Repo) InsertSkill(ctx context.Context, s Skill) error {
	_, err := r.exec(ctx, `INSERT INTO skill_library(id,name,category,description,source,agent_proposal_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.Name, nullable(s.Category), nullable(s.Description), s.Source, nullable(s.AgentProposalID), s.CreatedAt)
	return err
}

type RoleSkillExpectation struct {
	JobPositionID   string
	SkillID         string
	ExpectedLevel   *int64
	Importance      string
	Source          string
	AgentProposalID string
	Notes           string
}

// UpsertRoleSkillExpectation writes one mapping keyed by (job_position_id, skill_id).
func (r Repo) UpsertRoleSkillExpectation(ctx context.Context, e RoleSkillExpectation) error {
	_, err := r.exec(ctx, `INSERT INTO role_skill_expectations(job_position_id,skill_id,expected_level,importance,source,agent_proposal_id,notes)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(job_position_id, skill_id) DO UPDATE SET expected_level=excluded.expected_level, importance=excluded.importance,
source=excluded.source, agent_proposal_id=excluded.agent_proposal_id, notes=excluded.notes`,
		e.JobPositionID, e.SkillID, nullableInt64Ptr(e.ExpectedLevel), nullable(e.Importance), e.Source, nullable(e.AgentProposalID), nullable(e.Notes))
	return err
}

type Course struct {
	ID              string
	Title           string
	Description     string
	SkillID         string
	TargetLevel     *int64
	EstimatedHours  *float64
	Status          string
	Source          string
	AgentProposalID string
	CreatedAt       string
}

func (r Repo) InsertCourse(ctx context.Context, c Course) error {
	var hours any
	if c.EstimatedHours != nil {
		hours = *c.EstimatedHours
	}
	_, err := r.exec(ctx, `INSERT INTO training_courses(id,title,description,skill_id,target_level,estimated_hours,status,source,agent_proposal_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, nullable(c.Description), nullable(c.SkillID), nullableInt64Ptr(c.TargetLevel), hours, c.Status, c.Source,
		nullable(c.AgentProposalID), c.CreatedAt)
	return err
}

type Lesson struct {
	ID        string
	CourseID  string
	Title     string
	Content   string
	SortOrder int
}

func (r Repo) InsertLesson(ctx context.Context, l Lesson) error {
	_, err := r.exec(ctx, `INSERT INTO training_lessons(id,course_id,title,content,sort_order) VALUES (?,?,?,?,?)`,
		l.ID, l.CourseID, l.Title, nullable(l.Content), l.SortOrder)
	return err
}

type Mentorship struct {
	ID               string
	MentorEmployeeID string
	MenteeEmployeeID string
	SkillID          string
	Status           string
	MatchScore       *float64
	Source           string
	CreatedAt        string
}

func (r Repo) InsertMentorship(ctx context.Context, m Mentorship) error {
	var score any
	if m.MatchScore != nil {
		score = *m.MatchScore
	}
	_, err := r.exec(ctx, `INSERT INTO mentorships(id,mentor_employee_id,mentee_employee_id,skill_id,status,match_score,source,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.MentorEmployeeID, m.MenteeEmployeeID, nullable(m.SkillID), m.Status, score, m.Source, m.CreatedAt)
	return err
}

func (r Repo) InsertPerformanceReview(ctx context.Context, id, employeeID string) error {
	_, err := r.exec(ctx, `INSERT INTO performance_reviews(id,employee_id) VALUES (?,?)`, id, employeeID)
	return err
}

// UpdateReviewSummary writes the summary comment onto a performance review.
func (r Repo) UpdateReviewSummary(ctx context.Context, reviewID, summary string) error {
	_, err := r.exec(ctx, `UPDATE performance_reviews SET summary_comment=? WHERE id=?`, summary, reviewID)
	return err
}

func (r Repo) GetReviewSummary(ctx context.Context, reviewID string) (string, error) {
	var summary sql.NullString
	err := r.queryRow(ctx, `SELECT summary_comment FROM performance_reviews WHERE id=?`, reviewID).Scan(&summary)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return summary.String, err
}
