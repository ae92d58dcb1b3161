package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"territoria.org/internal/access"
	"territoria.org/internal/audit"
	"territoria.org/internal/catalog"
	"territoria.org/internal/users"
)

func TestCreateRoleConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("insert into roles").WithArgs("administrador", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	if _, err := s.CreateRole(context.Background(), "administrador", ""); !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateRoleBuildsSetClause(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	name := "operador"
	active := false
	mock.ExpectQuery(regexp.QuoteMeta("update roles set name = $1, active = $2, updated_at = now() where id = $3")).
		WithArgs("operador", false, int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "active", "created_at", "updated_at"}).
			AddRow(int64(2), "operador", "", false, now, now))

	r, err := s.UpdateRole(context.Background(), 2, catalog.RoleUpdate{Name: &name, Active: &active})
	if err != nil {
		t.Fatalf("UpdateRole: %v", err)
	}
	if r.Name != "operador" || r.Active {
		t.Fatalf("unexpected role %+v", r)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetRolePermissions(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs(int64(1)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("delete from role_permissions").WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("values ($1, $2), ($1, $3)")).WithArgs(int64(1), int64(1), int64(2)).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("update roles set updated_at").WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.SetRolePermissions(context.Background(), 1, []int64{1, 2}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetRolePermissionsUnknownRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("select exists").WithArgs(int64(8)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	if err := s.SetRolePermissions(context.Background(), 8, []int64{1}); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListUsersFiltersAndPages(t *testing.T) {
	s, mock := newMock(t)
	active := true
	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from users u where")).
		WithArgs("%ana%", true, int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("limit $4 offset $5")).
		WithArgs("%ana%", true, int64(10), 20, 40).
		WillReturnRows(userRow(3, "ana@example.org"))

	list, total, err := s.ListUsers(context.Background(), users.Filter{Search: " ana ", Active: &active, MunicipalityID: 10, Limit: 20, Offset: 40})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if total != 1 || len(list) != 1 || list[0].ID != 3 {
		t.Fatalf("unexpected result total=%d list=%+v", total, list)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryEntriesIgnoresModuleAll(t *testing.T) {
	s, mock := newMock(t)
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from audit_logs where action = $1 and created_at >= $2")).
		WithArgs("UPDATE", from).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("from audit_logs").
		WithArgs("UPDATE", from, 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "action", "module", "entity_id", "details", "ip", "ua", "rid", "created_at"}).
			AddRow("01J", int64(1), "UPDATE", "USERS", "5", []byte(`{"email":"a@b.c"}`), "", "", "", from))

	entries, total, err := s.QueryEntries(context.Background(), audit.Filter{Module: "all", Action: "update", From: from})
	if err != nil {
		t.Fatalf("QueryEntries: %v", err)
	}
	if total != 1 || len(entries) != 1 || entries[0].Details["email"] != "a@b.c" || *entries[0].UserID != 1 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
