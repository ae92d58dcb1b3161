package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Policy selects how default grants are computed for a user's territories.
type Policy string

const (
	// PolicyDefault defers to the engine's configured policy.
	PolicyDefault Policy = ""
	// PolicyRoleExpansion grants the cross product of the roles' active base permissions.
	PolicyRoleExpansion Policy = "role_expansion"
	// PolicyViewOnly grants exactly the view permission on each municipality.
	PolicyViewOnly Policy = "view_only"
)

// fallbackViewPermissionID is used when no permission carries the view name.
const fallbackViewPermissionID int64 = 1

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.TrimSpace(strings.ToLower(s))); p {
	case PolicyRoleExpansion, PolicyViewOnly:
		return p, nil
	case PolicyDefault:
		return PolicyRoleExpansion, nil
	default:
		return "", fmt.Errorf("%w: unknown provisioning policy %q", ErrInvalidInput, s)
	}
}

func (e *Engine) resolvePolicy(p Policy) Policy {
	if p == PolicyDefault {
		return e.policy
	}
	return p
}

// basePermissions returns the permission ids granted on every target municipality.
func (e *Engine) basePermissions(ctx context.Context, tx Tx, policy Policy, roleIDs []int64) ([]int64, error) {
	switch e.resolvePolicy(policy) {
	case PolicyViewOnly:
		perm, err := tx.PermissionByName(ctx, e.viewPermission)
		if err == nil {
			if !perm.Active {
				return nil, nil
			}
			return []int64{perm.ID}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		missing, err := tx.MissingPermissions(ctx, []int64{fallbackViewPermissionID})
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: permission %q is not configured", ErrNotFound, e.viewPermission)
		}
		return []int64{fallbackViewPermissionID}, nil
	case PolicyRoleExpansion:
		if len(roleIDs) == 0 {
			return nil, nil
		}
		return tx.ExpandRolesToPermissions(ctx, roleIDs, true)
	default:
		return nil, fmt.Errorf("%w: unknown provisioning policy %q", ErrInvalidInput, policy)
	}
}
