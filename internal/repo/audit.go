package repo

import (
	"context"
	"database/sql"
	"fmt"

	"vetfleet/internal/domain"
)

func (r Repo) InsertAuditEvent(ctx context.Context, e domain.AuditEvent) error {
	meta, err := encodeJSON(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = r.exec(ctx, `INSERT INTO audit_events(id,ts,action,entity_type,entity_id,actor_id,metadata) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.TS, e.Action, e.EntityType, nullableStringPtr(e.EntityID), e.ActorID, meta)
	return err
}

// LatestAuditEvents returns the newest events, optionally for one entity.
func (r Repo) LatestAuditEvents(ctx context.Context, limit int, entityType, entityID string) ([]domain.AuditEvent, error) {
	query := `SELECT id,ts,action,entity_type,entity_id,actor_id,metadata FROM audit_events`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type=?`
		args = append(args, entityType)
		if entityID != "" {
			query += ` AND entity_id=?`
			args = append(args, entityID)
		}
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var entityIDCol sql.NullString
		var meta string
		if err := rows.Scan(&e.ID, &e.TS, &e.Action, &e.EntityType, &entityIDCol, &e.ActorID, &meta); err != nil {
			return nil, err
		}
		e.EntityID = stringPtr(entityIDCol)
		e.Metadata = decodeJSONMap(meta)
		res = append(res, e)
	}
	return res, rows.Err()
}
