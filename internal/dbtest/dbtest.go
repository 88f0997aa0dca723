// Package dbtest opens migrated throwaway databases for tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"vetfleet/internal/db"
	"vetfleet/internal/domain"
	"vetfleet/internal/migrate"
	"vetfleet/internal/repo"
)

// Epoch is the fixed "now" used across package tests.
var Epoch = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// Clock returns a func reporting t.
func Clock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// Open returns a repo over a fresh SQLite database in a temp dir.
func Open(t testing.TB) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn, db.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.New(conn, db.DriverSQLite)
}

// SeedAgent registers an active agent.
func SeedAgent(t testing.TB, r repo.Repo, agentID, name string, budget *int64) {
	t.Helper()
	err := r.UpsertAgent(context.Background(), domain.AgentRegistration{
		AgentID:          agentID,
		DisplayName:      name,
		Cluster:          "test",
		Status:           domain.AgentActive,
		DailyTokenBudget: budget,
		Config:           map[string]any{},
		CreatedAt:        domain.FormatTime(Epoch),
	})
	if err != nil {
		t.Fatalf("seed agent %s: %v", agentID, err)
	}
}

// SeedEmployee inserts an employee with optional profile and manager.
func SeedEmployee(t testing.TB, r repo.Repo, id, profileID, managerID string) {
	t.Helper()
	e := domain.Employee{ID: id, FirstName: id}
	if profileID != "" {
		e.ProfileID = &profileID
	}
	if managerID != "" {
		e.ManagerEmployeeID = &managerID
	}
	if err := r.InsertEmployee(context.Background(), e); err != nil {
		t.Fatalf("seed employee %s: %v", id, err)
	}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
