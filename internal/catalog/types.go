package catalog

import (
	"context"

	"territoria.org/internal/access"
)

// RoleUpdate is a partial role update.
type RoleUpdate struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Active      *bool   `json:"active"`
}

// Store persists the reference catalogs.
type Store interface {
	ListRoles(ctx context.Context, includeInactive bool) ([]access.Role, error)
	GetRole(ctx context.Context, id int64) (access.Role, error)
	CreateRole(ctx context.Context, name, description string) (access.Role, error)
	UpdateRole(ctx context.Context, id int64, upd RoleUpdate) (access.Role, error)
	RolePermissions(ctx context.Context, roleID int64) ([]access.Permission, error)
	SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
	RoleUserCounts(ctx context.Context) ([]RoleCount, error)

	ListPermissions(ctx context.Context) ([]access.Permission, error)
	ListMunicipalities(ctx context.Context, search string) ([]access.Municipality, error)
	GetMunicipality(ctx context.Context, id int64) (access.Municipality, error)

	ListJobTitles(ctx context.Context) ([]access.JobTitle, error)
	CreateJobTitle(ctx context.Context, name string) (access.JobTitle, error)
	RenameJobTitle(ctx context.Context, id int64, name string) (access.JobTitle, error)
	DeleteJobTitle(ctx context.Context, id int64) error
}

// RoleDetail is a role with its base permissions.
type RoleDetail struct {
	access.Role
	Permissions []access.Permission `json:"permissions"`
}

// RoleCount is the number of active users currently holding a role.
type RoleCount struct {
	RoleID int64  `json:"role_id"`
	Name   string `json:"name"`
	Users  int    `json:"users"`
}
