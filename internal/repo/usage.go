package repo

import (
	"context"
	"fmt"

	"vetfleet/internal/domain"
)

func (r Repo) InsertUsageLog(ctx context.Context, u domain.UsageLog) error {
	meta, err := encodeJSON(u.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.exec(ctx, `INSERT INTO ai_usage_log(id,feature,model,tokens_used,prompt_tokens,completion_tokens,cost_usd,duration_ms,success,error_message,metadata,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Feature, u.Model, u.TokensUsed, u.PromptTokens, u.CompletionTokens, u.CostUSD, u.DurationMs,
		boolInt(u.Success), nullableStringPtr(u.ErrorMessage), meta, u.CreatedAt)
	return err
}

// ListUsageLogs returns usage rows for a feature tag, newest first.
func (r Repo) ListUsageLogs(ctx context.Context, feature string, limit int) ([]domain.UsageLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.query(ctx, `SELECT id,feature,model,tokens_used,prompt_tokens,completion_tokens,cost_usd,duration_ms,success,COALESCE(error_message,''),metadata,created_at
FROM ai_usage_log WHERE feature=? ORDER BY created_at DESC LIMIT ?`, feature, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UsageLog
	for rows.Next() {
		var u domain.UsageLog
		var success int
		var errMsg, meta string
		if err := rows.Scan(&u.ID, &u.Feature, &u.Model, &u.TokensUsed, &u.PromptTokens, &u.CompletionTokens, &u.CostUSD,
			&u.DurationMs, &success, &errMsg, &meta, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Success = success != 0
		if errMsg != "" {
			u.ErrorMessage = &errMsg
		}
		u.Metadata = decodeJSONMap(meta)
		res = append(res, u)
	}
	return res, rows.Err()
}
