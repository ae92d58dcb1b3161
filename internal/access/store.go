package access

import (
	"context"
	"time"
)

// Store opens transaction-scoped handles. Every handle commits or rolls back on
// every exit path of fn; a non-nil error from fn rolls the transaction back.
type Store interface {
	// InTx runs fn inside a read-write transaction at read-committed isolation or stricter.
	InTx(ctx context.Context, fn func(Tx) error) error
	// Snapshot runs fn inside a read-only transaction.
	Snapshot(ctx context.Context, fn func(Tx) error) error
}

// Tx is a transaction-scoped handle over every collaborator the engine touches.
type Tx interface {
	IdentityStore
	RoleCatalog
	GrantStore

	// AfterCommit registers fn to run once the transaction has committed.
	// Hooks never run when the transaction rolls back.
	AfterCommit(fn func())
}

// IdentityStore owns user records and their role associations.
type IdentityStore interface {
	CreateUser(ctx context.Context, u NewUser, actorID *int64) (User, error)
	UpdateUser(ctx context.Context, userID int64, upd UserUpdate, actorID *int64) (User, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	// LockUser loads the user and holds a row lock until the transaction ends.
	LockUser(ctx context.Context, userID int64) (User, error)
	// SetUserRoles replaces the user's active role associations.
	SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error
	GetUserRoles(ctx context.Context, userID int64) ([]int64, error)
	// RevokeUserRoles logically removes every role association of the user.
	RevokeUserRoles(ctx context.Context, userID int64) error
	// SetUserActive flips the active flag; deactivation stamps deleted_at.
	SetUserActive(ctx context.Context, userID int64, active bool, actorID *int64) error
}

// RoleCatalog is consulted read-only to expand roles into base permissions.
type RoleCatalog interface {
	// ExpandRolesToPermissions returns the deduplicated base permission ids of roleIDs.
	// With activeOnly, inactive roles and inactive permissions contribute nothing.
	ExpandRolesToPermissions(ctx context.Context, roleIDs []int64, activeOnly bool) ([]int64, error)
	PermissionByName(ctx context.Context, name string) (Permission, error)
	MissingRoles(ctx context.Context, ids []int64) ([]int64, error)
	MissingMunicipalities(ctx context.Context, ids []int64) ([]int64, error)
	MissingPermissions(ctx context.Context, ids []int64) ([]int64, error)
	Municipalities(ctx context.Context, ids []int64) ([]Municipality, error)
	Permissions(ctx context.Context, ids []int64) ([]Permission, error)
}

// GrantStore persists the user_municipality_permissions table. Only the engine writes it.
type GrantStore interface {
	// Grants lists the user's grants ordered by municipality and permission.
	Grants(ctx context.Context, userID int64, activeOnly bool) ([]Grant, error)
	// DerivedMunicipalities lists municipalities holding at least one active non-exception grant.
	DerivedMunicipalities(ctx context.Context, userID int64) ([]int64, error)
	// UpsertGrants activates rows for keys. Derived upserts never overwrite an active
	// exception; exception upserts always mark the row as an exception.
	UpsertGrants(ctx context.Context, userID int64, keys []GrantKey, exception bool) error
	// RevokeGrants marks the rows for keys inactive, whatever their provenance.
	RevokeGrants(ctx context.Context, userID int64, keys []GrantKey) (int64, error)
	// RevokeDerived marks every active non-exception row of the user inactive.
	RevokeDerived(ctx context.Context, userID int64) (int64, error)
	// RevokeAllGrants marks every active row of the user inactive.
	RevokeAllGrants(ctx context.Context, userID int64) (int64, error)
	// PurgeRevoked hard-deletes rows revoked before cutoff.
	PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error)
	// HasGrant reports whether an active grant exists for the named permission.
	HasGrant(ctx context.Context, userID, municipalityID int64, permission string) (bool, error)
}
