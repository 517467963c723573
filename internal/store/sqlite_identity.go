package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Identity operations
// ---------------------------------------------------------------------------

const identityCols = `id, name, status, schedulable, priority, error_message,
	refresh_token_enc, access_token_enc, expires_at, created_at,
	last_used_at, last_refresh_at, proxy_json, ext_info_json,
	five_hour_status, five_hour_auto_stopped, five_hour_stopped_at,
	session_window_start, session_window_end, auto_stop_on_warning,
	opus_rate_limit_end_at, overloaded_at, overloaded_until, rate_limited_at`

func scanIdentityRow(scanner interface{ Scan(...any) error }) (map[string]string, error) {
	var (
		id, name, status, errMsg      string
		refreshEnc, accessEnc         string
		proxyJSON, extInfoJSON        string
		fhStatus                      string
		sched, prio, fhAutoStop, asow int
		expiresAt, createdAt          int64
		lastUsedAt, lastRefreshAt     sql.NullInt64
		fhStoppedAt                   sql.NullInt64
		sessWinStart, sessWinEnd      sql.NullInt64
		opusEnd                       sql.NullInt64
		olAt, olUntil, rlAt           sql.NullInt64
	)
	err := scanner.Scan(
		&id, &name, &status, &sched, &prio, &errMsg,
		&refreshEnc, &accessEnc, &expiresAt, &createdAt,
		&lastUsedAt, &lastRefreshAt, &proxyJSON, &extInfoJSON,
		&fhStatus, &fhAutoStop, &fhStoppedAt,
		&sessWinStart, &sessWinEnd, &asow,
		&opusEnd, &olAt, &olUntil, &rlAt,
	)
	if err != nil {
		return nil, err
	}

	m := map[string]string{
		"id":                  id,
		"name":                name,
		"status":              status,
		"schedulable":         boolStr(sched),
		"priority":            strconv.Itoa(prio),
		"errorMessage":        errMsg,
		"refreshToken":        refreshEnc,
		"accessToken":         accessEnc,
		"expiresAt":           strconv.FormatInt(expiresAt, 10),
		"createdAt":           time.Unix(createdAt, 0).UTC().Format(time.RFC3339),
		"proxy":               proxyJSON,
		"extInfo":             extInfoJSON,
		"fiveHourStatus":      fhStatus,
		"fiveHourAutoStopped": boolStr(fhAutoStop),
		"autoStopOnWarning":   boolStr(asow),
	}
	setTimeField(m, "lastUsedAt", lastUsedAt)
	setTimeField(m, "lastRefreshAt", lastRefreshAt)
	setTimeField(m, "fiveHourStoppedAt", fhStoppedAt)
	setTimeField(m, "sessionWindowStart", sessWinStart)
	setTimeField(m, "sessionWindowEnd", sessWinEnd)
	setTimeField(m, "opusRateLimitEndAt", opusEnd)
	setTimeField(m, "overloadedAt", olAt)
	setTimeField(m, "overloadedUntil", olUntil)
	setTimeField(m, "rateLimitedAt", rlAt)
	return m, nil
}

func setTimeField(m map[string]string, key string, v sql.NullInt64) {
	if v.Valid && v.Int64 > 0 {
		m[key] = time.Unix(v.Int64, 0).UTC().Format(time.RFC3339)
	}
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (map[string]string, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+identityCols+" FROM identities WHERE id = ?", id)
	m, err := scanIdentityRow(row)
	if err == sql.ErrNoRows {
		return map[string]string{}, nil
	}
	return m, err
}

func (s *SQLiteStore) SetIdentity(ctx context.Context, id string, fields map[string]string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM identities WHERE id = ?", id).Scan(&exists)
	if err == sql.ErrNoRows {
		return s.insertIdentity(ctx, id, fields)
	}
	if err != nil {
		return err
	}
	return s.SetIdentityFields(ctx, id, fields)
}

func (s *SQLiteStore) insertIdentity(ctx context.Context, id string, fields map[string]string) error {
	cols := []string{"id"}
	vals := []interface{}{id}

	for key, val := range fields {
		if key == "id" {
			continue
		}
		info, ok := fieldMap[key]
		if !ok {
			continue
		}
		cols = append(cols, info.col)
		vals = append(vals, info.conv(val))
	}

	hasCreatedAt := false
	for _, c := range cols {
		if c == "created_at" {
			hasCreatedAt = true
			break
		}
	}
	if !hasCreatedAt {
		cols = append(cols, "created_at")
		vals = append(vals, time.Now().Unix())
	}

	placeholders := strings.Repeat("?,", len(cols))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf("INSERT INTO identities (%s) VALUES (%s)", strings.Join(cols, ", "), placeholders)
	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

func (s *SQLiteStore) SetIdentityField(ctx context.Context, id, field, value string) error {
	return s.SetIdentityFields(ctx, id, map[string]string{field: value})
}

func (s *SQLiteStore) SetIdentityFields(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	var sets []string
	var vals []interface{}
	for key, val := range fields {
		info, ok := fieldMap[key]
		if !ok {
			continue
		}
		sets = append(sets, info.col+" = ?")
		vals = append(vals, info.conv(val))
	}
	if len(sets) == 0 {
		return nil
	}
	vals = append(vals, id)
	query := fmt.Sprintf("UPDATE identities SET %s WHERE id = ?", strings.Join(sets, ", "))
	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

func (s *SQLiteStore) DeleteIdentity(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM identities WHERE id = ?", id)
	return err
}

func (s *SQLiteStore) ListIdentityIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id FROM identities")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
