package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"territoria.org/internal/access"
	"territoria.org/internal/audit"
	"territoria.org/internal/auth"
)

// Audit modules for catalog changes.
const (
	ModuleRoles     = "ROLES"
	ModuleJobTitles = "JOB_TITLES"
)

const maxNameLength = 100

// Auditor receives catalog change records.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Entry) {}

// Service validates catalog edits before handing them to the store.
type Service struct {
	store Store
	audit Auditor
}

// NewService wires the catalog service. A nil auditor disables auditing.
func NewService(store Store, auditor Auditor) (*Service, error) {
	if store == nil {
		return nil, errors.New("catalog: store is required")
	}
	if auditor == nil {
		auditor = nopAuditor{}
	}
	return &Service{store: store, audit: auditor}, nil
}

// ListRoles returns the roles, optionally including deactivated ones.
func (s *Service) ListRoles(ctx context.Context, includeInactive bool) ([]access.Role, error) {
	return s.store.ListRoles(ctx, includeInactive)
}

// Role returns a role together with its base permissions.
func (s *Service) Role(ctx context.Context, id int64) (RoleDetail, error) {
	if err := positive("role_id", id); err != nil {
		return RoleDetail{}, err
	}
	r, err := s.store.GetRole(ctx, id)
	if err != nil {
		return RoleDetail{}, err
	}
	perms, err := s.store.RolePermissions(ctx, id)
	if err != nil {
		return RoleDetail{}, err
	}
	if perms == nil {
		perms = []access.Permission{}
	}
	return RoleDetail{Role: r, Permissions: perms}, nil
}

// CreateRole adds a role with an optional initial set of base permissions.
func (s *Service) CreateRole(ctx context.Context, name, description string, permissionIDs []int64) (RoleDetail, error) {
	name, err := cleanName("name", name)
	if err != nil {
		return RoleDetail{}, err
	}
	if err := positiveAll("permission_ids", permissionIDs); err != nil {
		return RoleDetail{}, err
	}
	r, err := s.store.CreateRole(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return RoleDetail{}, err
	}
	if len(permissionIDs) > 0 {
		if err := s.store.SetRolePermissions(ctx, r.ID, permissionIDs); err != nil {
			return RoleDetail{}, err
		}
	}
	s.record(ctx, "CREATE", ModuleRoles, r.ID, map[string]any{"name": r.Name, "permission_ids": permissionIDs})
	return s.Role(ctx, r.ID)
}

// UpdateRole applies a partial update.
func (s *Service) UpdateRole(ctx context.Context, id int64, upd RoleUpdate) (access.Role, error) {
	if err := positive("role_id", id); err != nil {
		return access.Role{}, err
	}
	details := map[string]any{}
	if upd.Name != nil {
		name, err := cleanName("name", *upd.Name)
		if err != nil {
			return access.Role{}, err
		}
		upd.Name = &name
		details["name"] = name
	}
	if upd.Description != nil {
		d := strings.TrimSpace(*upd.Description)
		upd.Description = &d
		details["description"] = d
	}
	if upd.Active != nil {
		details["active"] = *upd.Active
	}
	r, err := s.store.UpdateRole(ctx, id, upd)
	if err != nil {
		return access.Role{}, err
	}
	if len(details) > 0 {
		s.record(ctx, "UPDATE", ModuleRoles, id, details)
	}
	return r, nil
}

// DeleteRole deactivates a role. Existing grants stay until the holders are
// resynchronized; inactive roles contribute no base permissions from then on.
func (s *Service) DeleteRole(ctx context.Context, id int64) error {
	inactive := false
	if _, err := s.UpdateRole(ctx, id, RoleUpdate{Active: &inactive}); err != nil {
		return err
	}
	return nil
}

// SetRolePermissions replaces the base permissions of a role.
func (s *Service) SetRolePermissions(ctx context.Context, id int64, permissionIDs []int64) (RoleDetail, error) {
	if err := positive("role_id", id); err != nil {
		return RoleDetail{}, err
	}
	if err := positiveAll("permission_ids", permissionIDs); err != nil {
		return RoleDetail{}, err
	}
	if err := s.store.SetRolePermissions(ctx, id, permissionIDs); err != nil {
		return RoleDetail{}, err
	}
	s.record(ctx, "UPDATE", ModuleRoles, id, map[string]any{"permission_ids": permissionIDs})
	return s.Role(ctx, id)
}

// RoleUserCounts reports how many active users hold each role.
func (s *Service) RoleUserCounts(ctx context.Context) ([]RoleCount, error) {
	return s.store.RoleUserCounts(ctx)
}

// Permissions lists the permission catalog.
func (s *Service) Permissions(ctx context.Context) ([]access.Permission, error) {
	return s.store.ListPermissions(ctx)
}

// Municipalities lists municipalities ordered by their official number.
func (s *Service) Municipalities(ctx context.Context, search string) ([]access.Municipality, error) {
	return s.store.ListMunicipalities(ctx, strings.TrimSpace(search))
}

// Municipality returns one municipality.
func (s *Service) Municipality(ctx context.Context, id int64) (access.Municipality, error) {
	if err := positive("municipality_id", id); err != nil {
		return access.Municipality{}, err
	}
	return s.store.GetMunicipality(ctx, id)
}

// JobTitles lists the job title catalog.
func (s *Service) JobTitles(ctx context.Context) ([]access.JobTitle, error) {
	return s.store.ListJobTitles(ctx)
}

// CreateJobTitle adds a job title.
func (s *Service) CreateJobTitle(ctx context.Context, name string) (access.JobTitle, error) {
	name, err := cleanName("name", name)
	if err != nil {
		return access.JobTitle{}, err
	}
	jt, err := s.store.CreateJobTitle(ctx, name)
	if err != nil {
		return access.JobTitle{}, err
	}
	s.record(ctx, "CREATE", ModuleJobTitles, jt.ID, map[string]any{"name": jt.Name})
	return jt, nil
}

// RenameJobTitle changes the name of a job title.
func (s *Service) RenameJobTitle(ctx context.Context, id int64, name string) (access.JobTitle, error) {
	if err := positive("job_title_id", id); err != nil {
		return access.JobTitle{}, err
	}
	name, err := cleanName("name", name)
	if err != nil {
		return access.JobTitle{}, err
	}
	jt, err := s.store.RenameJobTitle(ctx, id, name)
	if err != nil {
		return access.JobTitle{}, err
	}
	s.record(ctx, "UPDATE", ModuleJobTitles, id, map[string]any{"name": name})
	return jt, nil
}

// DeleteJobTitle removes a job title that no user references.
func (s *Service) DeleteJobTitle(ctx context.Context, id int64) error {
	if err := positive("job_title_id", id); err != nil {
		return err
	}
	if err := s.store.DeleteJobTitle(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "DELETE", ModuleJobTitles, id, nil)
	return nil
}

func (s *Service) record(ctx context.Context, action, module string, id int64, details map[string]any) {
	s.audit.Record(ctx, audit.Entry{
		UserID:   auth.ActorFromContext(ctx),
		Action:   action,
		Module:   module,
		EntityID: strconv.FormatInt(id, 10),
		Details:  details,
	})
}

func cleanName(field, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("%w: %s is required", access.ErrInvalidInput, field)
	}
	if len([]rune(v)) > maxNameLength {
		return "", fmt.Errorf("%w: %s exceeds %d characters", access.ErrInvalidInput, field, maxNameLength)
	}
	return v, nil
}

func positive(field string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s must be positive", access.ErrInvalidInput, field)
	}
	return nil
}

func positiveAll(field string, ids []int64) error {
	for _, id := range ids {
		if id <= 0 {
			return fmt.Errorf("%w: %s must be positive", access.ErrInvalidInput, field)
		}
	}
	return nil
}
