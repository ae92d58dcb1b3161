package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"territoria.org/internal/obs"
)

const defaultViewPermission = "view"

// Engine reconciles the (user, municipality, permission) grant matrix from role
// and territory assignments, with a manual exception overlay.
type Engine struct {
	store          Store
	policy         Policy
	viewPermission string
	listeners      []Listener
	now            func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine) error

// WithPolicy sets the provisioning policy used when a request does not pick one.
func WithPolicy(p Policy) Option {
	return func(e *Engine) error {
		parsed, err := ParsePolicy(string(p))
		if err != nil {
			return err
		}
		e.policy = parsed
		return nil
	}
}

// WithViewPermission overrides the permission name granted by PolicyViewOnly.
func WithViewPermission(name string) Option {
	return func(e *Engine) error {
		name = strings.TrimSpace(name)
		if name != "" {
			e.viewPermission = name
		}
		return nil
	}
}

// WithListener subscribes l to committed matrix events.
func WithListener(l Listener) Option {
	return func(e *Engine) error {
		if l == nil {
			return errors.New("access: nil listener")
		}
		e.listeners = append(e.listeners, l)
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) error {
		if fn != nil {
			e.now = fn
		}
		return nil
	}
}

// NewEngine constructs an Engine over store.
func NewEngine(store Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	e := &Engine{
		store:          store,
		policy:         PolicyRoleExpansion,
		viewPermission: defaultViewPermission,
		now:            time.Now,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ProvisionRequest assigns roles and territories to a freshly created user.
type ProvisionRequest struct {
	UserID          int64
	RoleIDs         []int64
	MunicipalityIDs []int64
	Policy          Policy
	ActorID         *int64
}

// ResyncRequest recomputes derived grants. A nil list means "unchanged"; a
// non-nil empty MunicipalityIDs revokes all municipality access.
type ResyncRequest struct {
	UserID          int64
	RoleIDs         *[]int64
	MunicipalityIDs *[]int64
	Policy          Policy
	ActorID         *int64
}

// ExceptionRequest grants or revokes one grant by direct administrative action.
type ExceptionRequest struct {
	UserID         int64
	MunicipalityID int64
	PermissionID   int64
	Grant          bool
	ActorID        *int64
}

// BatchRequest toggles many grants of one user atomically.
type BatchRequest struct {
	UserID  int64
	Changes []GrantChange
	ActorID *int64
}

// RevokeRequest deactivates a user and cascades to roles and grants.
type RevokeRequest struct {
	UserID  int64
	ActorID *int64
}

// IDs is a convenience for building the optional lists of ResyncRequest.
func IDs(ids ...int64) *[]int64 {
	if ids == nil {
		ids = []int64{}
	}
	return &ids
}

// Provision runs ProvisionTx in its own transaction.
func (e *Engine) Provision(ctx context.Context, req ProvisionRequest) (m Matrix, err error) {
	defer func(start time.Time) { obs.ObserveMatrixOp(string(OpProvision), err, start) }(time.Now())
	err = e.store.InTx(ctx, func(tx Tx) error {
		var txErr error
		m, txErr = e.ProvisionTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, StorageError(err)
	}
	return m, nil
}

// ProvisionTx associates the user with req.RoleIDs and inserts one derived grant
// per (municipality, base permission) pair, inside the caller's transaction.
func (e *Engine) ProvisionTx(ctx context.Context, tx Tx, req ProvisionRequest) (Matrix, error) {
	if err := requireID("user_id", req.UserID); err != nil {
		return nil, err
	}
	roleIDs, err := normalizeIDs("role_ids", req.RoleIDs)
	if err != nil {
		return nil, err
	}
	muniIDs, err := normalizeIDs("municipality_ids", req.MunicipalityIDs)
	if err != nil {
		return nil, err
	}
	if len(muniIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one territory required", ErrInvalidInput)
	}

	if _, err := tx.LockUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := checkRefs(ctx, tx, roleIDs, muniIDs, nil); err != nil {
		return nil, err
	}
	before, err := tx.Grants(ctx, req.UserID, true)
	if err != nil {
		return nil, err
	}

	if err := tx.SetUserRoles(ctx, req.UserID, roleIDs); err != nil {
		return nil, err
	}
	if _, err := tx.RevokeDerived(ctx, req.UserID); err != nil {
		return nil, err
	}
	perms, err := e.basePermissions(ctx, tx, req.Policy, roleIDs)
	if err != nil {
		return nil, err
	}
	if err := tx.UpsertGrants(ctx, req.UserID, crossProduct(muniIDs, perms), false); err != nil {
		return nil, err
	}
	return e.finish(ctx, tx, OpProvision, req.UserID, req.ActorID, muniIDs, before)
}

// Resync runs ResyncTx in its own transaction.
func (e *Engine) Resync(ctx context.Context, req ResyncRequest) (m Matrix, err error) {
	defer func(start time.Time) { obs.ObserveMatrixOp(string(OpResync), err, start) }(time.Now())
	err = e.store.InTx(ctx, func(tx Tx) error {
		var txErr error
		m, txErr = e.ResyncTx(ctx, tx, req)
		return txErr
	})
	if err != nil {
		return nil, StorageError(err)
	}
	return m, nil
}

// ResyncTx replaces every derived grant of the user. Exception grants survive
// unless MunicipalityIDs is explicitly empty, which revokes all access.
func (e *Engine) ResyncTx(ctx context.Context, tx Tx, req ResyncRequest) (Matrix, error) {
	if err := requireID("user_id", req.UserID); err != nil {
		return nil, err
	}
	var roleIDs, muniIDs []int64
	var err error
	if req.RoleIDs != nil {
		if roleIDs, err = normalizeIDs("role_ids", *req.RoleIDs); err != nil {
			return nil, err
		}
	}
	if req.MunicipalityIDs != nil {
		if muniIDs, err = normalizeIDs("municipality_ids", *req.MunicipalityIDs); err != nil {
			return nil, err
		}
	}

	if _, err := tx.LockUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := checkRefs(ctx, tx, roleIDs, muniIDs, nil); err != nil {
		return nil, err
	}
	before, err := tx.Grants(ctx, req.UserID, true)
	if err != nil {
		return nil, err
	}

	revokeAll := req.MunicipalityIDs != nil && len(muniIDs) == 0
	if req.MunicipalityIDs == nil {
		// Target territories are derived from the grants about to be replaced.
		if muniIDs, err = tx.DerivedMunicipalities(ctx, req.UserID); err != nil {
			return nil, err
		}
	}

	if req.RoleIDs != nil {
		if err := tx.SetUserRoles(ctx, req.UserID, roleIDs); err != nil {
			return nil, err
		}
	} else if roleIDs, err = tx.GetUserRoles(ctx, req.UserID); err != nil {
		return nil, err
	}

	if _, err := tx.RevokeDerived(ctx, req.UserID); err != nil {
		return nil, err
	}
	switch {
	case revokeAll:
		if _, err := tx.RevokeAllGrants(ctx, req.UserID); err != nil {
			return nil, err
		}
	case len(muniIDs) > 0:
		perms, err := e.basePermissions(ctx, tx, req.Policy, roleIDs)
		if err != nil {
			return nil, err
		}
		if err := tx.UpsertGrants(ctx, req.UserID, crossProduct(muniIDs, perms), false); err != nil {
			return nil, err
		}
	}
	return e.finish(ctx, tx, OpResync, req.UserID, req.ActorID, muniIDs, before)
}

// SetException grants (upsert as exception) or revokes a single grant.
func (e *Engine) SetException(ctx context.Context, req ExceptionRequest) (m Matrix, err error) {
	defer func(start time.Time) { obs.ObserveMatrixOp(string(OpSetException), err, start) }(time.Now())
	if err := requireID("user_id", req.UserID); err != nil {
		return nil, err
	}
	if err := requireID("municipality_id", req.MunicipalityID); err != nil {
		return nil, err
	}
	if err := requireID("permission_id", req.PermissionID); err != nil {
		return nil, err
	}
	key := GrantKey{MunicipalityID: req.MunicipalityID, PermissionID: req.PermissionID}
	err = e.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockUser(ctx, req.UserID); err != nil {
			return err
		}
		if err := checkRefs(ctx, tx, nil, []int64{key.MunicipalityID}, []int64{key.PermissionID}); err != nil {
			return err
		}
		before, err := tx.Grants(ctx, req.UserID, true)
		if err != nil {
			return err
		}
		if req.Grant {
			err = tx.UpsertGrants(ctx, req.UserID, []GrantKey{key}, true)
		} else {
			_, err = tx.RevokeGrants(ctx, req.UserID, []GrantKey{key})
		}
		if err != nil {
			return err
		}
		m, err = e.finish(ctx, tx, OpSetException, req.UserID, req.ActorID, []int64{key.MunicipalityID}, before)
		return err
	})
	if err != nil {
		return nil, StorageError(err)
	}
	return m, nil
}

// ApplyBatch applies grant toggles with at most one bulk revoke and one bulk
// upsert. When a key appears more than once the last change wins.
func (e *Engine) ApplyBatch(ctx context.Context, req BatchRequest) (m Matrix, err error) {
	defer func(start time.Time) { obs.ObserveMatrixOp(string(OpApplyBatch), err, start) }(time.Now())
	if err := requireID("user_id", req.UserID); err != nil {
		return nil, err
	}
	grants, revokes, err := partitionChanges(req.Changes)
	if err != nil {
		return nil, err
	}
	muniIDs, permIDs := changeRefs(req.Changes)

	err = e.store.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockUser(ctx, req.UserID); err != nil {
			return err
		}
		if len(req.Changes) == 0 {
			m, err = matrixOf(ctx, tx, req.UserID)
			return err
		}
		if err := checkRefs(ctx, tx, nil, muniIDs, permIDs); err != nil {
			return err
		}
		before, err := tx.Grants(ctx, req.UserID, true)
		if err != nil {
			return err
		}
		if len(revokes) > 0 {
			if _, err := tx.RevokeGrants(ctx, req.UserID, revokes); err != nil {
				return err
			}
		}
		if len(grants) > 0 {
			if err := tx.UpsertGrants(ctx, req.UserID, grants, true); err != nil {
				return err
			}
		}
		m, err = e.finish(ctx, tx, OpApplyBatch, req.UserID, req.ActorID, muniIDs, before)
		return err
	})
	if err != nil {
		return nil, StorageError(err)
	}
	return m, nil
}

// RevokeAll runs RevokeAllTx in its own transaction.
func (e *Engine) RevokeAll(ctx context.Context, req RevokeRequest) (err error) {
	defer func(start time.Time) { obs.ObserveMatrixOp(string(OpRevokeAll), err, start) }(time.Now())
	err = e.store.InTx(ctx, func(tx Tx) error {
		return e.RevokeAllTx(ctx, tx, req)
	})
	return StorageError(err)
}

// RevokeAllTx deactivates the user, logically removes its role associations and
// revokes every grant, inside the caller's transaction.
func (e *Engine) RevokeAllTx(ctx context.Context, tx Tx, req RevokeRequest) error {
	if err := requireID("user_id", req.UserID); err != nil {
		return err
	}
	if _, err := tx.LockUser(ctx, req.UserID); err != nil {
		return err
	}
	before, err := tx.Grants(ctx, req.UserID, true)
	if err != nil {
		return err
	}
	if err := tx.SetUserActive(ctx, req.UserID, false, req.ActorID); err != nil {
		return err
	}
	if err := tx.RevokeUserRoles(ctx, req.UserID); err != nil {
		return err
	}
	if _, err := tx.RevokeAllGrants(ctx, req.UserID); err != nil {
		return err
	}
	_, err = e.finish(ctx, tx, OpRevokeAll, req.UserID, req.ActorID, nil, before)
	return err
}

// Matrix returns the active grants of a user.
func (e *Engine) Matrix(ctx context.Context, userID int64) (Matrix, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	var m Matrix
	err := e.store.Snapshot(ctx, func(tx Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		var err error
		m, err = matrixOf(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, StorageError(err)
	}
	return m, nil
}

// Territories groups the user's active grants per municipality, with permission names.
func (e *Engine) Territories(ctx context.Context, userID int64) ([]Territory, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	var out []Territory
	err := e.store.Snapshot(ctx, func(tx Tx) error {
		if _, err := tx.GetUser(ctx, userID); err != nil {
			return err
		}
		grants, err := tx.Grants(ctx, userID, true)
		if err != nil {
			return err
		}
		if len(grants) == 0 {
			return nil
		}
		muniIDs, permIDs := grantRefs(grants)
		munis, err := tx.Municipalities(ctx, muniIDs)
		if err != nil {
			return err
		}
		perms, err := tx.Permissions(ctx, permIDs)
		if err != nil {
			return err
		}
		out = groupTerritories(grants, munis, perms)
		return nil
	})
	if err != nil {
		return nil, StorageError(err)
	}
	return out, nil
}

// HasAccess reports whether the user holds an active grant for the named
// permission on the municipality.
func (e *Engine) HasAccess(ctx context.Context, userID, municipalityID int64, permission string) (bool, error) {
	if err := requireID("user_id", userID); err != nil {
		return false, err
	}
	if err := requireID("municipality_id", municipalityID); err != nil {
		return false, err
	}
	permission = strings.TrimSpace(permission)
	if permission == "" {
		return false, fmt.Errorf("%w: permission is required", ErrInvalidInput)
	}
	var ok bool
	err := e.store.Snapshot(ctx, func(tx Tx) error {
		var err error
		ok, err = tx.HasGrant(ctx, userID, municipalityID, permission)
		return err
	})
	if err != nil {
		return false, StorageError(err)
	}
	return ok, nil
}

// PurgeRevoked hard-deletes grant rows that were revoked more than olderThan ago.
func (e *Engine) PurgeRevoked(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidInput)
	}
	cutoff := e.now().UTC().Add(-olderThan)
	var n int64
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		n, err = tx.PurgeRevoked(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, StorageError(err)
	}
	return n, nil
}

// finish reads the reconciled matrix, registers the post-commit event and returns the matrix.
func (e *Engine) finish(ctx context.Context, tx Tx, op Op, userID int64, actorID *int64, muniIDs []int64, before []Grant) (Matrix, error) {
	after, err := matrixOf(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	added, removed := diffKeys(before, after)
	tx.AfterCommit(func() { obs.AddGrantChanges(string(op), len(added), len(removed)) })
	e.emitAfterCommit(ctx, tx, Event{
		Op:             op,
		UserID:         userID,
		ActorID:        actorID,
		Added:          added,
		Removed:        removed,
		Municipalities: muniIDs,
		At:             e.now().UTC(),
	})
	return after, nil
}

func matrixOf(ctx context.Context, tx Tx, userID int64) (Matrix, error) {
	grants, err := tx.Grants(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	m := Matrix(grants)
	sortGrants(m)
	return m, nil
}

func checkRefs(ctx context.Context, tx Tx, roleIDs, muniIDs, permIDs []int64) error {
	if len(roleIDs) > 0 {
		missing, err := tx.MissingRoles(ctx, roleIDs)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: roles %v", ErrNotFound, missing)
		}
	}
	if len(muniIDs) > 0 {
		missing, err := tx.MissingMunicipalities(ctx, muniIDs)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: municipalities %v", ErrNotFound, missing)
		}
	}
	if len(permIDs) > 0 {
		missing, err := tx.MissingPermissions(ctx, permIDs)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: permissions %v", ErrNotFound, missing)
		}
	}
	return nil
}

func requireID(field string, id int64) error {
	if id <= 0 {
		return fmt.Errorf("%w: %s is required", ErrInvalidInput, field)
	}
	return nil
}

// normalizeIDs rejects non-positive ids and returns the sorted distinct set.
func normalizeIDs(field string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return nil, fmt.Errorf("%w: %s contains invalid id %d", ErrInvalidInput, field, id)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func crossProduct(muniIDs, permIDs []int64) []GrantKey {
	if len(muniIDs) == 0 || len(permIDs) == 0 {
		return nil
	}
	keys := make([]GrantKey, 0, len(muniIDs)*len(permIDs))
	for _, m := range muniIDs {
		for _, p := range permIDs {
			keys = append(keys, GrantKey{MunicipalityID: m, PermissionID: p})
		}
	}
	sortKeys(keys)
	return dedupeKeys(keys)
}

func partitionChanges(changes []GrantChange) (grants, revokes []GrantKey, err error) {
	last := make(map[GrantKey]bool, len(changes))
	for _, c := range changes {
		if err := requireID("municipality_id", c.MunicipalityID); err != nil {
			return nil, nil, err
		}
		if err := requireID("permission_id", c.PermissionID); err != nil {
			return nil, nil, err
		}
		last[GrantKey{MunicipalityID: c.MunicipalityID, PermissionID: c.PermissionID}] = c.Grant
	}
	for k, grant := range last {
		if grant {
			grants = append(grants, k)
		} else {
			revokes = append(revokes, k)
		}
	}
	sortKeys(grants)
	sortKeys(revokes)
	return grants, revokes, nil
}

func changeRefs(changes []GrantChange) (muniIDs, permIDs []int64) {
	keys := make([]GrantKey, 0, len(changes))
	for _, c := range changes {
		keys = append(keys, GrantKey{MunicipalityID: c.MunicipalityID, PermissionID: c.PermissionID})
	}
	return keyRefs(keys)
}

func grantRefs(grants []Grant) (muniIDs, permIDs []int64) {
	keys := make([]GrantKey, 0, len(grants))
	for _, g := range grants {
		keys = append(keys, g.Key())
	}
	return keyRefs(keys)
}

func keyRefs(keys []GrantKey) (muniIDs, permIDs []int64) {
	munis := make([]int64, 0, len(keys))
	perms := make([]int64, 0, len(keys))
	for _, k := range keys {
		munis = append(munis, k.MunicipalityID)
		perms = append(perms, k.PermissionID)
	}
	muniIDs, _ = normalizeIDs("", munis)
	permIDs, _ = normalizeIDs("", perms)
	return muniIDs, permIDs
}

func diffKeys(before, after []Grant) (added, removed []GrantKey) {
	prev := make(map[GrantKey]struct{}, len(before))
	for _, g := range before {
		prev[g.Key()] = struct{}{}
	}
	next := make(map[GrantKey]struct{}, len(after))
	for _, g := range after {
		k := g.Key()
		next[k] = struct{}{}
		if _, ok := prev[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range prev {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	sortKeys(added)
	sortKeys(removed)
	return added, removed
}

func groupTerritories(grants []Grant, munis []Municipality, perms []Permission) []Territory {
	permNames := make(map[int64]string, len(perms))
	for _, p := range perms {
		permNames[p.ID] = p.Name
	}
	byID := make(map[int64]*Territory, len(munis))
	for _, m := range munis {
		byID[m.ID] = &Territory{Municipality: m, Permissions: []string{}}
	}
	for _, g := range grants {
		t, ok := byID[g.MunicipalityID]
		if !ok {
			continue
		}
		if name, ok := permNames[g.PermissionID]; ok {
			t.Permissions = append(t.Permissions, name)
		}
	}
	out := make([]Territory, 0, len(byID))
	for _, t := range byID {
		sort.Strings(t.Permissions)
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Num != out[j].Num {
			return out[i].Num < out[j].Num
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func sortKeys(keys []GrantKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].MunicipalityID != keys[j].MunicipalityID {
			return keys[i].MunicipalityID < keys[j].MunicipalityID
		}
		return keys[i].PermissionID < keys[j].PermissionID
	})
}

func sortGrants(grants []Grant) {
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].MunicipalityID != grants[j].MunicipalityID {
			return grants[i].MunicipalityID < grants[j].MunicipalityID
		}
		return grants[i].PermissionID < grants[j].PermissionID
	})
}

// dedupeKeys removes adjacent duplicates from sorted keys.
func dedupeKeys(keys []GrantKey) []GrantKey {
	if len(keys) < 2 {
		return keys
	}
	out := keys[:1]
	for _, k := range keys[1:] {
		if k != out[len(out)-1] {
			out = append(out, k)
		}
	}
	return out
}
