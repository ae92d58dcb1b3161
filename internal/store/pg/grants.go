package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"territoria.org/internal/access"
)

const grantColumns = `user_id, municipality_id, permission_id, is_exception, active, created_at, updated_at, deleted_at`

func (t *pgTx) Grants(ctx context.Context, userID int64, activeOnly bool) ([]access.Grant, error) {
	query := `select ` + grantColumns + ` from user_municipality_permissions where user_id = $1`
	if activeOnly {
		query += ` and active`
	}
	query += ` order by municipality_id, permission_id`
	rows, err := t.tx.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.Grant
	for rows.Next() {
		var (
			g       access.Grant
			deleted sql.NullTime
		)
		if err := rows.Scan(&g.UserID, &g.MunicipalityID, &g.PermissionID, &g.IsException, &g.Active,
			&g.CreatedAt, &g.UpdatedAt, &deleted); err != nil {
			return nil, err
		}
		g.DeletedAt = timePtr(deleted)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (t *pgTx) DerivedMunicipalities(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, `
		select distinct municipality_id from user_municipality_permissions
		where user_id = $1 and active and not is_exception
		order by municipality_id
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

// UpsertGrants inserts or reactivates rows. The conflict clause leaves an active
// exception alone when the incoming row is derived.
func (t *pgTx) UpsertGrants(ctx context.Context, userID int64, keys []access.GrantKey, exception bool) error {
	for _, chunk := range chunkKeys(keys) {
		values := make([]string, len(chunk))
		args := make([]any, 0, 2+2*len(chunk))
		args = append(args, userID, exception)
		for i, k := range chunk {
			values[i] = fmt.Sprintf("($1, $%d, $%d, $2, true)", 3+2*i, 4+2*i)
			args = append(args, k.MunicipalityID, k.PermissionID)
		}
		_, err := t.tx.ExecContext(ctx, `
			insert into user_municipality_permissions (user_id, municipality_id, permission_id, is_exception, active)
			values `+strings.Join(values, ", ")+`
			on conflict (user_id, municipality_id, permission_id) do update
			set is_exception = excluded.is_exception, active = true, deleted_at = null, updated_at = now()
			where not (user_municipality_permissions.active and user_municipality_permissions.is_exception
				and not excluded.is_exception)
		`, args...)
		if err != nil {
			return mapPgError(err, "grant")
		}
	}
	return nil
}

func (t *pgTx) RevokeGrants(ctx context.Context, userID int64, keys []access.GrantKey) (int64, error) {
	var total int64
	for _, chunk := range chunkKeys(keys) {
		pairs := make([]string, len(chunk))
		args := make([]any, 0, 1+2*len(chunk))
		args = append(args, userID)
		for i, k := range chunk {
			pairs[i] = fmt.Sprintf("($%d, $%d)", 2+2*i, 3+2*i)
			args = append(args, k.MunicipalityID, k.PermissionID)
		}
		n, err := t.revoke(ctx, `user_id = $1 and active and (municipality_id, permission_id) in (`+strings.Join(pairs, ", ")+`)`, args...)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

func (t *pgTx) RevokeDerived(ctx context.Context, userID int64) (int64, error) {
	return t.revoke(ctx, `user_id = $1 and active and not is_exception`, userID)
}

func (t *pgTx) RevokeAllGrants(ctx context.Context, userID int64) (int64, error) {
	return t.revoke(ctx, `user_id = $1 and active`, userID)
}

// revoke is the single state transition for removing access.
func (t *pgTx) revoke(ctx context.Context, where string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		update user_municipality_permissions
		set active = false, deleted_at = now(), updated_at = now()
		where `+where, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		delete from user_municipality_permissions
		where not active and deleted_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *pgTx) HasGrant(ctx context.Context, userID, municipalityID int64, permission string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx, `
		select exists (
			select 1 from user_municipality_permissions g
			join permissions p on p.id = g.permission_id
			where g.user_id = $1 and g.municipality_id = $2 and p.name = $3 and g.active and p.active
		)
	`, userID, municipalityID, permission).Scan(&ok)
	return ok, err
}
