package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"territoria.org/internal/access"
	"territoria.org/internal/audit"
)

type memCatalog struct {
	roles     map[int64]access.Role
	rolePerms map[int64][]int64
	perms     map[int64]access.Permission
	titles    map[int64]access.JobTitle
	inUse     map[int64]bool
	next      int64
}

func newMemCatalog() *memCatalog {
	return &memCatalog{
		roles:     map[int64]access.Role{},
		rolePerms: map[int64][]int64{},
		perms: map[int64]access.Permission{
			1: {ID: 1, Name: "view", Active: true},
			2: {ID: 2, Name: "edit", Active: true},
		},
		titles: map[int64]access.JobTitle{},
		inUse:  map[int64]bool{},
	}
}

func (m *memCatalog) ListRoles(ctx context.Context, includeInactive bool) ([]access.Role, error) {
	var out []access.Role
	for _, r := range m.roles {
		if r.Active || includeInactive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memCatalog) GetRole(ctx context.Context, id int64) (access.Role, error) {
	r, ok := m.roles[id]
	if !ok {
		return access.Role{}, fmt.Errorf("%w: role %d", access.ErrNotFound, id)
	}
	return r, nil
}

func (m *memCatalog) CreateRole(ctx context.Context, name, description string) (access.Role, error) {
	for _, r := range m.roles {
		if strings.EqualFold(r.Name, name) {
			return access.Role{}, access.ErrConflict
		}
	}
	m.next++
	r := access.Role{ID: m.next, Name: name, Description: description, Active: true}
	m.roles[r.ID] = r
	return r, nil
}

func (m *memCatalog) UpdateRole(ctx context.Context, id int64, upd RoleUpdate) (access.Role, error) {
	r, err := m.GetRole(ctx, id)
	if err != nil {
		return r, err
	}
	if upd.Name != nil {
		r.Name = *upd.Name
	}
	if upd.Description != nil {
		r.Description = *upd.Description
	}
	if upd.Active != nil {
		r.Active = *upd.Active
	}
	m.roles[id] = r
	return r, nil
}

func (m *memCatalog) RolePermissions(ctx context.Context, roleID int64) ([]access.Permission, error) {
	var out []access.Permission
	for _, id := range m.rolePerms[roleID] {
		out = append(out, m.perms[id])
	}
	return out, nil
}

func (m *memCatalog) SetRolePermissions(ctx context.Context, roleID int64, ids []int64) error {
	if _, ok := m.roles[roleID]; !ok {
		return access.ErrNotFound
	}
	for _, id := range ids {
		if _, ok := m.perms[id]; !ok {
			return access.ErrNotFound
		}
	}
	m.rolePerms[roleID] = append([]int64(nil), ids...)
	return nil
}

func (m *memCatalog) RoleUserCounts(ctx context.Context) ([]RoleCount, error) { return nil, nil }

func (m *memCatalog) ListPermissions(ctx context.Context) ([]access.Permission, error) {
	return []access.Permission{m.perms[1], m.perms[2]}, nil
}

func (m *memCatalog) ListMunicipalities(ctx context.Context, search string) ([]access.Municipality, error) {
	return nil, nil
}

func (m *memCatalog) GetMunicipality(ctx context.Context, id int64) (access.Municipality, error) {
	return access.Municipality{}, access.ErrNotFound
}

func (m *memCatalog) ListJobTitles(ctx context.Context) ([]access.JobTitle, error) { return nil, nil }

func (m *memCatalog) CreateJobTitle(ctx context.Context, name string) (access.JobTitle, error) {
	m.next++
	jt := access.JobTitle{ID: m.next, Name: name}
	m.titles[jt.ID] = jt
	return jt, nil
}

func (m *memCatalog) RenameJobTitle(ctx context.Context, id int64, name string) (access.JobTitle, error) {
	if _, ok := m.titles[id]; !ok {
		return access.JobTitle{}, access.ErrNotFound
	}
	m.titles[id] = access.JobTitle{ID: id, Name: name}
	return m.titles[id], nil
}

func (m *memCatalog) DeleteJobTitle(ctx context.Context, id int64) error {
	if m.inUse[id] {
		return access.ErrConflict
	}
	if _, ok := m.titles[id]; !ok {
		return access.ErrNotFound
	}
	delete(m.titles, id)
	return nil
}

type entries []audit.Entry

func (e *entries) Record(ctx context.Context, entry audit.Entry) { *e = append(*e, entry) }

func TestCreateRoleWithPermissions(t *testing.T) {
	store := newMemCatalog()
	var log entries
	svc, err := NewService(store, &log)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	rd, err := svc.CreateRole(context.Background(), "  operador ", "captura", []int64{1, 2})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if rd.Name != "operador" || len(rd.Permissions) != 2 {
		t.Fatalf("unexpected role: %+v", rd)
	}
	if len(log) != 1 || log[0].Module != ModuleRoles || log[0].Action != "CREATE" {
		t.Fatalf("unexpected audit: %+v", log)
	}

	if _, err := svc.CreateRole(context.Background(), "OPERADOR", "", nil); !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCreateRoleValidation(t *testing.T) {
	svc, _ := NewService(newMemCatalog(), nil)
	cases := []struct {
		name  string
		role  string
		perms []int64
	}{
		{"empty name", " ", nil},
		{"long name", strings.Repeat("x", maxNameLength+1), nil},
		{"bad permission", "ok", []int64{0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateRole(context.Background(), tc.role, "", tc.perms); !errors.Is(err, access.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestDeleteRoleDeactivates(t *testing.T) {
	store := newMemCatalog()
	svc, _ := NewService(store, nil)
	rd, err := svc.CreateRole(context.Background(), "consulta", "", []int64{1})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := svc.DeleteRole(context.Background(), rd.ID); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	r, err := store.GetRole(context.Background(), rd.ID)
	if err != nil {
		t.Fatalf("role row removed: %v", err)
	}
	if r.Active {
		t.Fatal("role still active")
	}
	active, _ := svc.ListRoles(context.Background(), false)
	if len(active) != 0 {
		t.Fatalf("inactive role listed: %+v", active)
	}
	if err := svc.DeleteRole(context.Background(), 999); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetRolePermissions(t *testing.T) {
	store := newMemCatalog()
	svc, _ := NewService(store, nil)
	rd, err := svc.CreateRole(context.Background(), "operador", "", []int64{1, 2})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	rd, err = svc.SetRolePermissions(context.Background(), rd.ID, nil)
	if err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	if rd.Permissions == nil || len(rd.Permissions) != 0 {
		t.Fatalf("expected empty permission list, got %v", rd.Permissions)
	}
	if _, err := svc.SetRolePermissions(context.Background(), rd.ID, []int64{42}); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobTitles(t *testing.T) {
	store := newMemCatalog()
	var log entries
	svc, _ := NewService(store, &log)
	ctx := context.Background()

	jt, err := svc.CreateJobTitle(ctx, " Director ")
	if err != nil {
		t.Fatalf("CreateJobTitle: %v", err)
	}
	if jt.Name != "Director" {
		t.Fatalf("name not trimmed: %q", jt.Name)
	}
	if _, err := svc.RenameJobTitle(ctx, jt.ID, ""); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.RenameJobTitle(ctx, jt.ID, "Directora"); err != nil {
		t.Fatalf("RenameJobTitle: %v", err)
	}
	store.inUse[jt.ID] = true
	if err := svc.DeleteJobTitle(ctx, jt.ID); !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	store.inUse[jt.ID] = false
	if err := svc.DeleteJobTitle(ctx, jt.ID); err != nil {
		t.Fatalf("DeleteJobTitle: %v", err)
	}
	if len(log) != 3 || log[2].Action != "DELETE" || log[2].Module != ModuleJobTitles {
		t.Fatalf("unexpected audit trail: %+v", log)
	}
}

func TestMunicipalityRequiresPositiveID(t *testing.T) {
	svc, _ := NewService(newMemCatalog(), nil)
	if _, err := svc.Municipality(context.Background(), 0); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}
