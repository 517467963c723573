package store

import (
	"context"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Request log — persists the flow monitor's completed-request records.
// ---------------------------------------------------------------------------

func (s *SQLiteStore) InsertRequestLog(ctx context.Context, l *RequestLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_log (identity_id, dialect, model, input_tokens, output_tokens,
			cache_read_tokens, cache_create_tokens, cost_usd, status, duration_ms, archive_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.IdentityID, l.Dialect, l.Model, l.InputTokens, l.OutputTokens,
		l.CacheReadTokens, l.CacheCreateTokens, l.CostUSD, l.Status, l.DurationMs, l.ArchiveKey, l.CreatedAt.Unix())
	return err
}

func (s *SQLiteStore) QueryRequestLogs(ctx context.Context, opts RequestLogQuery) ([]*RequestLog, int, error) {
	where, args := buildLogWhere(opts.IdentityID)

	var total int
	_ = s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM request_log WHERE %s", where), args...).Scan(&total)

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	fetchArgs := make([]interface{}, len(args))
	copy(fetchArgs, args)
	fetchArgs = append(fetchArgs, limit, opts.Offset)

	query := fmt.Sprintf(`SELECT id, identity_id, dialect, model, input_tokens, output_tokens,
		cache_read_tokens, cache_create_tokens, cost_usd, status, duration_ms, archive_key, created_at
		FROM request_log WHERE %s ORDER BY created_at DESC LIMIT ? OFFSET ?`, where)

	rows, err := s.db.QueryContext(ctx, query, fetchArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var logs []*RequestLog
	for rows.Next() {
		l := &RequestLog{}
		var ts int64
		if err := rows.Scan(&l.ID, &l.IdentityID, &l.Dialect, &l.Model,
			&l.InputTokens, &l.OutputTokens, &l.CacheReadTokens, &l.CacheCreateTokens,
			&l.CostUSD, &l.Status, &l.DurationMs, &l.ArchiveKey, &ts); err != nil {
			return nil, 0, err
		}
		l.CreatedAt = time.Unix(ts, 0).UTC()
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM request_log WHERE created_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func buildLogWhere(identityID string) (string, []interface{}) {
	where := "1=1"
	var args []interface{}
	if identityID != "" {
		where += " AND identity_id = ?"
		args = append(args, identityID)
	}
	return where, args
}

// QueryUsagePeriods returns request/token/cost totals for today, yesterday,
// 3d, 7d, and 30d windows.
func (s *SQLiteStore) QueryUsagePeriods(ctx context.Context) ([]UsagePeriod, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterdayStart := todayStart.Add(-24 * time.Hour)

	periods := []struct {
		label string
		since time.Time
		until time.Time
	}{
		{"today", todayStart, now},
		{"yesterday", yesterdayStart, todayStart},
		{"3 days", now.Add(-3 * 24 * time.Hour), now},
		{"7 days", now.Add(-7 * 24 * time.Hour), now},
		{"30 days", now.Add(-30 * 24 * time.Hour), now},
	}

	result := make([]UsagePeriod, 0, len(periods))
	for _, p := range periods {
		row := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(COUNT(*),0), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0),
			COALESCE(SUM(cache_read_tokens),0), COALESCE(SUM(cost_usd),0)
			FROM request_log WHERE created_at >= ? AND created_at < ?`, p.since.Unix(), p.until.Unix())
		up := UsagePeriod{Label: p.label}
		row.Scan(&up.Requests, &up.InputTokens, &up.OutputTokens, &up.CacheReadTokens, &up.CostUSD)
		result = append(result, up)
	}
	return result, nil
}
