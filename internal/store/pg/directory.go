package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"territoria.org/internal/access"
	"territoria.org/internal/users"
)

var _ users.Directory = (*Store)(nil)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

func pageBounds(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListUsers returns a page of users plus the total number of matches.
func (s *Store) ListUsers(ctx context.Context, f users.Filter) ([]access.User, int, error) {
	if s.db == nil {
		return nil, 0, errNoDB
	}
	var (
		where []string
		args  []any
		idx   = 1
	)
	if search := strings.TrimSpace(f.Search); search != "" {
		where = append(where, fmt.Sprintf(`(u.email ilike $%[1]d or u.username ilike $%[1]d or
			(u.first_name || ' ' || u.last_name || ' ' || coalesce(u.second_last_name, '')) ilike $%[1]d)`, idx))
		args = append(args, "%"+search+"%")
		idx++
	}
	if f.Active != nil {
		where = append(where, fmt.Sprintf("u.active = $%d", idx))
		args = append(args, *f.Active)
		idx++
	}
	if f.JobTitleID > 0 {
		where = append(where, fmt.Sprintf("u.job_title_id = $%d", idx))
		args = append(args, f.JobTitleID)
		idx++
	}
	if f.RoleID > 0 {
		where = append(where, fmt.Sprintf("exists (select 1 from user_roles ur where ur.user_id = u.id and ur.active and ur.role_id = $%d)", idx))
		args = append(args, f.RoleID)
		idx++
	}
	if f.MunicipalityID > 0 {
		where = append(where, fmt.Sprintf("exists (select 1 from user_municipality_permissions g where g.user_id = u.id and g.active and g.municipality_id = $%d)", idx))
		args = append(args, f.MunicipalityID)
		idx++
	}
	clause := ""
	if len(where) > 0 {
		clause = " where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from users u`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := pageBounds(f.Limit, f.Offset)
	query := fmt.Sprintf(`select %s from users u%s order by u.last_name, u.first_name, u.id limit $%d offset $%d`,
		userColumns, clause, idx, idx+1)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []access.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Credentials loads a user by email or username together with its hash and role names.
func (s *Store) Credentials(ctx context.Context, login string) (users.Credentials, error) {
	if s.db == nil {
		return users.Credentials{}, errNoDB
	}
	login = strings.ToLower(strings.TrimSpace(login))
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`, password_hash
		from users
		where lower(email) = $1 or lower(username) = $1
		limit 1
	`, login)

	var (
		c                          users.Credentials
		jobTitle, createdBy, updBy sql.NullInt64
		deletedAt                  sql.NullTime
	)
	u := &c.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.SecondLastName,
		&u.Phone, &jobTitle, &u.Active, &createdBy, &updBy, &u.CreatedAt, &u.UpdatedAt, &deletedAt, &c.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return users.Credentials{}, fmt.Errorf("%w: user %q", access.ErrNotFound, login)
	}
	if err != nil {
		return users.Credentials{}, err
	}
	u.JobTitleID = int64Ptr(jobTitle)
	u.CreatedBy = int64Ptr(createdBy)
	u.UpdatedBy = int64Ptr(updBy)
	u.DeletedAt = timePtr(deletedAt)

	roles, err := s.UserRoleDetails(ctx, u.ID)
	if err != nil {
		return users.Credentials{}, err
	}
	for _, r := range roles {
		if r.Active {
			c.Roles = append(c.Roles, r.Name)
		}
	}
	return c, nil
}

// UserRoleDetails lists the roles currently associated with the user.
func (s *Store) UserRoleDetails(ctx context.Context, userID int64) ([]access.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, coalesce(r.description, ''), r.active, r.created_at, r.updated_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1 and ur.active
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
