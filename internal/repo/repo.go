package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"vetfleet/internal/db"
)

// Queryer is the subset of *sql.DB and *sql.Tx the repository needs.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repo runs hand-written SQL against either the pool or a bound transaction.
type Repo struct {
	DB     *sql.DB
	Driver string
	tx     *sql.Tx
}

var ErrNotFound = errors.New("not found")

func New(conn *sql.DB, driver string) Repo {
	return Repo{DB: conn, Driver: driver}
}

// WithTx returns a copy of the repo whose statements run inside tx.
func (r Repo) WithTx(tx *sql.Tx) Repo {
	r.tx = tx
	return r
}

// InTx reports whether the repo is bound to a transaction.
func (r Repo) InTx() bool {
	return r.tx != nil
}

func (r Repo) conn() Queryer {
	if r.tx != nil {
		return r.tx
	}
	return r.DB
}

func (r Repo) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return r.conn().ExecContext(ctx, db.Rebind(r.Driver, query), args...)
}

func (r Repo) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.conn().QueryContext(ctx, db.Rebind(r.Driver, query), args...)
}

func (r Repo) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return r.conn().QueryRowContext(ctx, db.Rebind(r.Driver, query), args...)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "{}", nil
	}
	return string(b), nil
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
