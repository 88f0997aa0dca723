package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"vetfleet/internal/domain"
)

func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) error {
	data, err := encodeJSON(n.Data)
	if err != nil {
		return fmt.Errorf("encode data: %w", err)
	}
	_, err = r.exec(ctx, `INSERT INTO notifications(id,profile_id,type,category,title,body,data,is_read,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		n.ID, n.ProfileID, n.Type, n.Category, n.Title, n.Body, data, boolInt(n.IsRead), n.CreatedAt)
	return err
}

func (r Repo) ListNotifications(ctx context.Context, profileID string) ([]domain.Notification, error) {
	rows, err := r.query(ctx, `SELECT id,profile_id,type,category,title,body,data,is_read,created_at FROM notifications WHERE profile_id=? ORDER BY created_at DESC`, profileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var data string
		var isRead int
		if err := rows.Scan(&n.ID, &n.ProfileID, &n.Type, &n.Category, &n.Title, &n.Body, &data, &isRead, &n.CreatedAt); err != nil {
			return nil, err
		}
		n.Data = decodeJSONMap(data)
		n.IsRead = isRead != 0
		res = append(res, n)
	}
	return res, rows.Err()
}

const queueColumns = `id,channel,slack_user_id,message,blocks,payload,priority,status,scheduled_for,retry_count,max_retries,error_message,sent_at,created_at`

func scanQueued(row scanner) (domain.QueuedNotification, error) {
	var q domain.QueuedNotification
	var channel, slackUser, blocks, errMsg, sentAt sql.NullString
	var payload string
	err := row.Scan(&q.ID, &channel, &slackUser, &q.Message, &blocks, &payload, &q.Priority, &q.Status, &q.ScheduledFor,
		&q.RetryCount, &q.MaxRetries, &errMsg, &sentAt, &q.CreatedAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	if err != nil {
		return q, err
	}
	q.Channel = stringPtr(channel)
	q.SlackUserID = stringPtr(slackUser)
	if blocks.Valid && blocks.String != "" {
		_ = json.Unmarshal([]byte(blocks.String), &q.Blocks)
	}
	q.Payload = decodeJSONMap(payload)
	q.ErrorMessage = stringPtr(errMsg)
	q.SentAt = stringPtr(sentAt)
	return q, nil
}

func (r Repo) EnqueueNotification(ctx context.Context, q domain.QueuedNotification) error {
	payload, err := encodeJSON(q.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	var blocks any
	if len(q.Blocks) > 0 {
		b, err := json.Marshal(q.Blocks)
		if err != nil {
			return fmt.Errorf("encode blocks: %w", err)
		}
		blocks = string(b)
	}
	_, err = r.exec(ctx, `INSERT INTO notification_queue(`+queueColumns+`) VALUES (`+placeholders(14)+`)`,
		q.ID, nullableStringPtr(q.Channel), nullableStringPtr(q.SlackUserID), q.Message, blocks, payload, q.Priority, q.Status,
		q.ScheduledFor, q.RetryCount, q.MaxRetries, nullableStringPtr(q.ErrorMessage), nullableStringPtr(q.SentAt), q.CreatedAt)
	return err
}

// ListDueNotifications returns pending queue rows scheduled at or before now,
// most urgent first then oldest first.
func (r Repo) ListDueNotifications(ctx context.Context, now string, limit int) ([]domain.QueuedNotification, error) {
	rows, err := r.query(ctx, `SELECT `+queueColumns+` FROM notification_queue WHERE status='pending' AND scheduled_for <= ?
ORDER BY CASE priority WHEN 'urgent' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC, created_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueuedNotification
	for rows.Next() {
		q, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) ListQueuedNotifications(ctx context.Context, status string) ([]domain.QueuedNotification, error) {
	rows, err := r.query(ctx, `SELECT `+queueColumns+` FROM notification_queue WHERE status=? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QueuedNotification
	for rows.Next() {
		q, err := scanQueued(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationSent(ctx context.Context, id, sentAt string) error {
	_, err := r.exec(ctx, `UPDATE notification_queue SET status='sent', sent_at=? WHERE id=?`, sentAt, id)
	return err
}

// MarkNotificationAttemptFailed records a failed delivery attempt; status is
// either pending (retry later) or failed (given up).
func (r Repo) MarkNotificationAttemptFailed(ctx context.Context, id, status string, retryCount int, message string) error {
	_, err := r.exec(ctx, `UPDATE notification_queue SET status=?, retry_count=?, error_message=? WHERE id=?`, status, retryCount, message, id)
	return err
}
