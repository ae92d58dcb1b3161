package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"territoria.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

func (s *Store) InsertEntry(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errNoDB
	}
	details := []byte("{}")
	if len(e.Details) > 0 {
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
		details = raw
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_logs (id, user_id, action, module, entity_id, details, ip_address, user_agent, request_id, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.ID, nullInt64(e.UserID), e.Action, e.Module, nullIfEmpty(e.EntityID), details,
		nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent), nullIfEmpty(e.RequestID), e.CreatedAt)
	return err
}

// QueryEntries returns a page of entries, newest first, plus the total number of matches.
func (s *Store) QueryEntries(ctx context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	var (
		where []string
		args  []any
		idx   = 1
	)
	add := func(cond string, value any) {
		where = append(where, fmt.Sprintf(cond, idx))
		args = append(args, value)
		idx++
	}
	if m := strings.ToUpper(strings.TrimSpace(f.Module)); m != "" && m != audit.ModuleAll {
		add("module = $%d", m)
	}
	if a := strings.ToUpper(strings.TrimSpace(f.Action)); a != "" {
		add("action = $%d", a)
	}
	if f.UserID > 0 {
		add("user_id = $%d", f.UserID)
	}
	if q := strings.TrimSpace(f.Search); q != "" {
		add("(action ilike $%[1]d or module ilike $%[1]d or entity_id ilike $%[1]d or details::text ilike $%[1]d)", "%"+q+"%")
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from audit_logs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := pageBounds(f.Limit, f.Offset)
	query := fmt.Sprintf(`
		select id, user_id, action, module, coalesce(entity_id, ''), details,
			coalesce(ip_address, ''), coalesce(user_agent, ''), coalesce(request_id, ''), created_at
		from audit_logs%s
		order by created_at desc, id desc
		limit $%d offset $%d`, clause, idx, idx+1)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e      audit.Entry
			userID sql.NullInt64
			raw    []byte
		)
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.Module, &e.EntityID, &raw,
			&e.IP, &e.UserAgent, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		e.UserID = int64Ptr(userID)
		e.Details = map[string]any{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, 0, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}
