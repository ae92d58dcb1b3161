package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"territoria.org/internal/access"
)

const userColumns = `id, coalesce(username, ''), email, first_name, last_name, coalesce(second_last_name, ''),
	coalesce(phone, ''), job_title_id, active, created_by, updated_by, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (access.User, error) {
	var (
		u                          access.User
		jobTitle, createdBy, updBy sql.NullInt64
		deletedAt                  sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &u.SecondLastName,
		&u.Phone, &jobTitle, &u.Active, &createdBy, &updBy, &u.CreatedAt, &u.UpdatedAt, &deletedAt); err != nil {
		return access.User{}, err
	}
	u.JobTitleID = int64Ptr(jobTitle)
	u.CreatedBy = int64Ptr(createdBy)
	u.UpdatedBy = int64Ptr(updBy)
	u.DeletedAt = timePtr(deletedAt)
	return u, nil
}

func (t *pgTx) CreateUser(ctx context.Context, nu access.NewUser, actorID *int64) (access.User, error) {
	row := t.tx.QueryRowContext(ctx, `
		insert into users (username, email, first_name, last_name, second_last_name, phone,
			job_title_id, password_hash, active, created_by, updated_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		returning `+userColumns,
		nullIfEmpty(nu.Username), strings.ToLower(strings.TrimSpace(nu.Email)), nu.FirstName, nu.LastName,
		nullIfEmpty(nu.SecondLastName), nullIfEmpty(nu.Phone), nullInt64(nu.JobTitleID), nu.PasswordHash,
		nu.Active, nullInt64(actorID))
	u, err := scanUser(row)
	if err != nil {
		return access.User{}, mapPgError(err, "user")
	}
	return u, nil
}

func (t *pgTx) UpdateUser(ctx context.Context, userID int64, upd access.UserUpdate, actorID *int64) (access.User, error) {
	var (
		sets []string
		args []any
		idx  = 1
	)
	add := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, idx))
		args = append(args, value)
		idx++
	}
	if upd.Username != nil {
		add("username", nullIfEmpty(*upd.Username))
	}
	if upd.Email != nil {
		add("email", strings.ToLower(strings.TrimSpace(*upd.Email)))
	}
	if upd.FirstName != nil {
		add("first_name", *upd.FirstName)
	}
	if upd.LastName != nil {
		add("last_name", *upd.LastName)
	}
	if upd.SecondLastName != nil {
		add("second_last_name", nullIfEmpty(*upd.SecondLastName))
	}
	if upd.Phone != nil {
		add("phone", nullIfEmpty(*upd.Phone))
	}
	if upd.JobTitleID != nil {
		var jt *int64
		if *upd.JobTitleID > 0 {
			jt = upd.JobTitleID
		}
		add("job_title_id", nullInt64(jt))
	}
	if upd.PasswordHash != nil {
		add("password_hash", *upd.PasswordHash)
	}
	if upd.Active != nil {
		add("active", *upd.Active)
		sets = append(sets, fmt.Sprintf("deleted_at = case when $%d then null else coalesce(deleted_at, now()) end", idx-1))
	}
	if len(sets) == 0 {
		return t.GetUser(ctx, userID)
	}
	add("updated_by", nullInt64(actorID))
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update users set %s where id = $%d returning %s`, strings.Join(sets, ", "), idx, userColumns)
	args = append(args, userID)

	u, err := scanUser(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return access.User{}, fmt.Errorf("%w: user %d", access.ErrNotFound, userID)
	}
	if err != nil {
		return access.User{}, mapPgError(err, "user")
	}
	return u, nil
}

func (t *pgTx) GetUser(ctx context.Context, userID int64) (access.User, error) {
	return t.loadUser(ctx, userID, "")
}

func (t *pgTx) LockUser(ctx context.Context, userID int64) (access.User, error) {
	return t.loadUser(ctx, userID, " for update")
}

func (t *pgTx) loadUser(ctx context.Context, userID int64, suffix string) (access.User, error) {
	u, err := scanUser(t.tx.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`+suffix, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return access.User{}, fmt.Errorf("%w: user %d", access.ErrNotFound, userID)
	}
	return u, err
}

func (t *pgTx) SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	if len(roleIDs) == 0 {
		return t.RevokeUserRoles(ctx, userID)
	}
	args := append([]any{userID}, int64Args(roleIDs)...)
	if _, err := t.tx.ExecContext(ctx, fmt.Sprintf(`
		update user_roles set active = false, deleted_at = now()
		where user_id = $1 and active and role_id not in (%s)
	`, placeholders(2, len(roleIDs))), args...); err != nil {
		return err
	}

	values := make([]string, len(roleIDs))
	for i := range roleIDs {
		values[i] = fmt.Sprintf("($1, $%d, true)", i+2)
	}
	if _, err := t.tx.ExecContext(ctx, `
		insert into user_roles (user_id, role_id, active)
		values `+strings.Join(values, ", ")+`
		on conflict (user_id, role_id) do update
		set active = true, deleted_at = null
	`, args...); err != nil {
		return mapPgError(err, "user role")
	}
	return nil
}

func (t *pgTx) GetUserRoles(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select role_id from user_roles
		where user_id = $1 and active
		order by role_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (t *pgTx) RevokeUserRoles(ctx context.Context, userID int64) error {
	_, err := t.tx.ExecContext(ctx, `
		update user_roles set active = false, deleted_at = now()
		where user_id = $1 and active
	`, userID)
	return err
}

func (t *pgTx) SetUserActive(ctx context.Context, userID int64, active bool, actorID *int64) error {
	res, err := t.tx.ExecContext(ctx, `
		update users
		set active = $2, updated_by = $3, updated_at = now(),
			deleted_at = case when $2 then null else now() end
		where id = $1
	`, userID, active, nullInt64(actorID))
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: user %d", access.ErrNotFound, userID)
	}
	return nil
}
