package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"territoria.org/internal/access"
	"territoria.org/internal/catalog"
)

var _ catalog.Store = (*Store)(nil)

// --- transaction-scoped lookups used by the access engine ---

func (t *pgTx) ExpandRolesToPermissions(ctx context.Context, roleIDs []int64, activeOnly bool) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		select distinct rp.permission_id
		from role_permissions rp
		join roles r on r.id = rp.role_id
		join permissions p on p.id = rp.permission_id
		where rp.role_id in (%s)`, placeholders(1, len(roleIDs)))
	if activeOnly {
		query += ` and r.active and p.active`
	}
	query += ` order by rp.permission_id`
	rows, err := t.tx.QueryContext(ctx, query, int64Args(roleIDs)...)
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

func (t *pgTx) PermissionByName(ctx context.Context, name string) (access.Permission, error) {
	var p access.Permission
	err := t.tx.QueryRowContext(ctx, `
		select id, name, coalesce(description, ''), active
		from permissions where name = $1
	`, name).Scan(&p.ID, &p.Name, &p.Description, &p.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Permission{}, fmt.Errorf("%w: permission %q", access.ErrNotFound, name)
	}
	return p, err
}

func (t *pgTx) MissingRoles(ctx context.Context, ids []int64) ([]int64, error) {
	return t.missing(ctx, `select id from roles where id in (%s)`, ids)
}

func (t *pgTx) MissingMunicipalities(ctx context.Context, ids []int64) ([]int64, error) {
	return t.missing(ctx, `select id from municipalities where id in (%s)`, ids)
}

func (t *pgTx) MissingPermissions(ctx context.Context, ids []int64) ([]int64, error) {
	return t.missing(ctx, `select id from permissions where id in (%s)`, ids)
}

func (t *pgTx) missing(ctx context.Context, query string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	found, err := existingIDs(ctx, t.tx, query, ids)
	if err != nil {
		return nil, err
	}
	return missingFrom(ids, found), nil
}

func (t *pgTx) Municipalities(ctx context.Context, ids []int64) ([]access.Municipality, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		select id, num, name, active from municipalities
		where id in (%s) order by num
	`, placeholders(1, len(ids))), int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	return scanMunicipalities(rows)
}

func (t *pgTx) Permissions(ctx context.Context, ids []int64) ([]access.Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, fmt.Sprintf(`
		select id, name, coalesce(description, ''), active from permissions
		where id in (%s) order by id
	`, placeholders(1, len(ids))), int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	return scanPermissions(rows)
}

func scanMunicipalities(rows *sql.Rows) ([]access.Municipality, error) {
	defer rows.Close()
	var out []access.Municipality
	for rows.Next() {
		var m access.Municipality
		if err := rows.Scan(&m.ID, &m.Num, &m.Name, &m.Active); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanPermissions(rows *sql.Rows) ([]access.Permission, error) {
	defer rows.Close()
	var out []access.Permission
	for rows.Next() {
		var p access.Permission
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Active); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- catalog administration ---

const roleColumns = `id, name, coalesce(description, ''), active, created_at, updated_at`

func scanRole(row rowScanner) (access.Role, error) {
	var r access.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (s *Store) ListRoles(ctx context.Context, includeInactive bool) ([]access.Role, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	query := `select ` + roleColumns + ` from roles`
	if !includeInactive {
		query += ` where active`
	}
	query += ` order by name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []access.Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *Store) GetRole(ctx context.Context, id int64) (access.Role, error) {
	if s.db == nil {
		return access.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `select `+roleColumns+` from roles where id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return access.Role{}, fmt.Errorf("%w: role %d", access.ErrNotFound, id)
	}
	return r, err
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (access.Role, error) {
	if s.db == nil {
		return access.Role{}, errNoDB
	}
	r, err := scanRole(s.db.QueryRowContext(ctx, `
		insert into roles (name, description, active)
		values ($1, $2, true)
		returning `+roleColumns, name, nullIfEmpty(description)))
	if err != nil {
		return access.Role{}, mapPgError(err, "role")
	}
	return r, nil
}

func (s *Store) UpdateRole(ctx context.Context, id int64, upd catalog.RoleUpdate) (access.Role, error) {
	if s.db == nil {
		return access.Role{}, errNoDB
	}
	var (
		sets []string
		args []any
		idx  = 1
	)
	if upd.Name != nil {
		sets = append(sets, fmt.Sprintf("name = $%d", idx))
		args = append(args, *upd.Name)
		idx++
	}
	if upd.Description != nil {
		sets = append(sets, fmt.Sprintf("description = $%d", idx))
		args = append(args, nullIfEmpty(*upd.Description))
		idx++
	}
	if upd.Active != nil {
		sets = append(sets, fmt.Sprintf("active = $%d", idx))
		args = append(args, *upd.Active)
		idx++
	}
	if len(sets) == 0 {
		return s.GetRole(ctx, id)
	}
	sets = append(sets, "updated_at = now()")
	query := fmt.Sprintf(`update roles set %s where id = $%d returning %s`, strings.Join(sets, ", "), idx, roleColumns)
	args = append(args, id)
	r, err := scanRole(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return access.Role{}, fmt.Errorf("%w: role %d", access.ErrNotFound, id)
	}
	if err != nil {
		return access.Role{}, mapPgError(err, "role")
	}
	return r, nil
}

func (s *Store) RolePermissions(ctx context.Context, roleID int64) ([]access.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.name, coalesce(p.description, ''), p.active
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.id
	`, roleID)
	if err != nil {
		return nil, err
	}
	return scanPermissions(rows)
}

// SetRolePermissions replaces the base permissions of a role.
func (s *Store) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `select exists(select 1 from roles where id = $1)`, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: role %d", access.ErrNotFound, roleID)
	}
	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	if len(permissionIDs) > 0 {
		values := make([]string, len(permissionIDs))
		for i := range permissionIDs {
			values[i] = fmt.Sprintf("($1, $%d)", i+2)
		}
		args := append([]any{roleID}, int64Args(permissionIDs)...)
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values `+strings.Join(values, ", ")+`
			on conflict do nothing
		`, args...); err != nil {
			return mapPgError(err, "role permission")
		}
	}
	if _, err := tx.ExecContext(ctx, `update roles set updated_at = now() where id = $1`, roleID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RoleUserCounts(ctx context.Context) ([]catalog.RoleCount, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, count(u.id)
		from roles r
		left join user_roles ur on ur.role_id = r.id and ur.active
		left join users u on u.id = ur.user_id and u.active
		group by r.id, r.name
		order by r.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []catalog.RoleCount
	for rows.Next() {
		var c catalog.RoleCount
		if err := rows.Scan(&c.RoleID, &c.Name, &c.Users); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListPermissions(ctx context.Context) ([]access.Permission, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, coalesce(description, ''), active
		from permissions order by id
	`)
	if err != nil {
		return nil, err
	}
	return scanPermissions(rows)
}

func (s *Store) ListMunicipalities(ctx context.Context, search string) ([]access.Municipality, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	query := `select id, num, name, active from municipalities`
	var args []any
	if search = strings.TrimSpace(search); search != "" {
		query += ` where name ilike $1`
		args = append(args, "%"+search+"%")
	}
	query += ` order by num`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMunicipalities(rows)
}

func (s *Store) GetMunicipality(ctx context.Context, id int64) (access.Municipality, error) {
	if s.db == nil {
		return access.Municipality{}, errNoDB
	}
	var m access.Municipality
	err := s.db.QueryRowContext(ctx, `
		select id, num, name, active from municipalities where id = $1
	`, id).Scan(&m.ID, &m.Num, &m.Name, &m.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Municipality{}, fmt.Errorf("%w: municipality %d", access.ErrNotFound, id)
	}
	return m, err
}

func (s *Store) ListJobTitles(ctx context.Context) ([]access.JobTitle, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `select id, name from job_titles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.JobTitle
	for rows.Next() {
		var j access.JobTitle
		if err := rows.Scan(&j.ID, &j.Name); err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) CreateJobTitle(ctx context.Context, name string) (access.JobTitle, error) {
	if s.db == nil {
		return access.JobTitle{}, errNoDB
	}
	var j access.JobTitle
	err := s.db.QueryRowContext(ctx, `
		insert into job_titles (name) values ($1) returning id, name
	`, name).Scan(&j.ID, &j.Name)
	if err != nil {
		return access.JobTitle{}, mapPgError(err, "job title")
	}
	return j, nil
}

func (s *Store) RenameJobTitle(ctx context.Context, id int64, name string) (access.JobTitle, error) {
	if s.db == nil {
		return access.JobTitle{}, errNoDB
	}
	var j access.JobTitle
	err := s.db.QueryRowContext(ctx, `
		update job_titles set name = $2, updated_at = now() where id = $1 returning id, name
	`, id, name).Scan(&j.ID, &j.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return access.JobTitle{}, fmt.Errorf("%w: job title %d", access.ErrNotFound, id)
	}
	if err != nil {
		return access.JobTitle{}, mapPgError(err, "job title")
	}
	return j, nil
}

// DeleteJobTitle removes the title; users referencing it keep a null job title.
func (s *Store) DeleteJobTitle(ctx context.Context, id int64) error {
	if s.db == nil {
		return errNoDB
	}
	res, err := s.db.ExecContext(ctx, `delete from job_titles where id = $1`, id)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return fmt.Errorf("%w: job title %d is assigned to users", access.ErrConflict, id)
	}
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: job title %d", access.ErrNotFound, id)
	}
	return nil
}
