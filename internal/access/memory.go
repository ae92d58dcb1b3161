package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Transactions are serialized and work on a
// copy of the state that replaces the live state only when fn succeeds.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time

	// faults makes the named Tx method fail after it has applied its writes.
	faults map[string]error
}

type memState struct {
	users     map[int64]User
	userRoles map[int64][]int64
	roles     map[int64]Role
	rolePerms map[int64][]int64
	munis     map[int64]Municipality
	perms     map[int64]Permission
	grants    map[grantRow]Grant
	nextUser  int64
}

type grantRow struct {
	userID int64
	key    GrantKey
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			users:     make(map[int64]User),
			userRoles: make(map[int64][]int64),
			roles:     make(map[int64]Role),
			rolePerms: make(map[int64][]int64),
			munis:     make(map[int64]Municipality),
			perms:     make(map[int64]Permission),
			grants:    make(map[grantRow]Grant),
		},
		now:    func() time.Time { return time.Now().UTC() },
		faults: make(map[string]error),
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		users:     make(map[int64]User, len(s.users)),
		userRoles: make(map[int64][]int64, len(s.userRoles)),
		roles:     make(map[int64]Role, len(s.roles)),
		rolePerms: make(map[int64][]int64, len(s.rolePerms)),
		munis:     make(map[int64]Municipality, len(s.munis)),
		perms:     make(map[int64]Permission, len(s.perms)),
		grants:    make(map[grantRow]Grant, len(s.grants)),
		nextUser:  s.nextUser,
	}
	for k, v := range s.users {
		out.users[k] = v
	}
	for k, v := range s.userRoles {
		out.userRoles[k] = append([]int64(nil), v...)
	}
	for k, v := range s.roles {
		out.roles[k] = v
	}
	for k, v := range s.rolePerms {
		out.rolePerms[k] = append([]int64(nil), v...)
	}
	for k, v := range s.munis {
		out.munis[k] = v
	}
	for k, v := range s.perms {
		out.perms[k] = v
	}
	for k, v := range s.grants {
		out.grants[k] = v
	}
	return out
}

// AddPermission seeds a permission.
func (s *MemoryStore) AddPermission(p Permission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.perms[p.ID] = p
}

// AddMunicipality seeds a municipality.
func (s *MemoryStore) AddMunicipality(m Municipality) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.munis[m.ID] = m
}

// AddRole seeds a role with its base permissions.
func (s *MemoryStore) AddRole(r Role, permIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.roles[r.ID] = r
	s.state.rolePerms[r.ID] = append([]int64(nil), permIDs...)
}

// AddUser seeds a user and returns it with its assigned id.
func (s *MemoryStore) AddUser(u User) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == 0 {
		s.state.nextUser++
		u.ID = s.state.nextUser
	} else if u.ID > s.state.nextUser {
		s.state.nextUser = u.ID
	}
	now := s.now()
	u.CreatedAt, u.UpdatedAt = now, now
	s.state.users[u.ID] = u
	return u
}

// User returns the committed state of a user.
func (s *MemoryStore) User(id int64) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.state.users[id]
	return u, ok
}

// AllGrants returns every committed grant row of the user, active or not.
func (s *MemoryStore) AllGrants(userID int64) []Grant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := &memTx{state: s.state}
	grants, _ := tx.Grants(context.Background(), userID, false)
	return grants
}

// UserRoles returns the committed active role ids of the user.
func (s *MemoryStore) UserRoles(userID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int64(nil), s.state.userRoles[userID]...)
}

func (s *MemoryStore) failAfter(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.faults, method)
		return
	}
	s.faults[method] = err
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := s.commit(fn)
	if err != nil {
		return err
	}
	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

// commit runs fn against a clone of the state and swaps it in on success.
// Hooks run after the lock is released.
func (s *MemoryStore) commit(fn func(Tx) error) (*memTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{state: s.state.clone(), now: s.now, faults: s.faults}
	if err := fn(tx); err != nil {
		return nil, err
	}
	s.state = tx.state
	return tx, nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	tx := &memTx{state: s.state.clone(), now: s.now, faults: s.faults}
	s.mu.RUnlock()
	return fn(tx)
}

type memTx struct {
	state  *memState
	now    func() time.Time
	faults map[string]error
	hooks  []func()
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Tx    = (*memTx)(nil)
)

func (t *memTx) fault(method string) error {
	if err := t.faults[method]; err != nil {
		return err
	}
	return nil
}

func (t *memTx) AfterCommit(fn func()) { t.hooks = append(t.hooks, fn) }

func (t *memTx) CreateUser(ctx context.Context, nu NewUser, actorID *int64) (User, error) {
	email := strings.ToLower(strings.TrimSpace(nu.Email))
	for _, u := range t.state.users {
		if strings.EqualFold(u.Email, email) {
			return User{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		if nu.Username != "" && u.Username == nu.Username {
			return User{}, fmt.Errorf("%w: username already registered", ErrConflict)
		}
	}
	t.state.nextUser++
	now := t.now()
	u := User{
		ID:             t.state.nextUser,
		Username:       nu.Username,
		Email:          email,
		FirstName:      nu.FirstName,
		LastName:       nu.LastName,
		SecondLastName: nu.SecondLastName,
		Phone:          nu.Phone,
		JobTitleID:     nu.JobTitleID,
		Active:         nu.Active,
		CreatedBy:      actorID,
		UpdatedBy:      actorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.state.users[u.ID] = u
	return u, t.fault("CreateUser")
}

func (t *memTx) UpdateUser(ctx context.Context, userID int64, upd UserUpdate, actorID *int64) (User, error) {
	u, err := t.GetUser(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if upd.Email != nil {
		u.Email = strings.ToLower(strings.TrimSpace(*upd.Email))
	}
	if upd.Username != nil {
		u.Username = *upd.Username
	}
	if upd.FirstName != nil {
		u.FirstName = *upd.FirstName
	}
	if upd.LastName != nil {
		u.LastName = *upd.LastName
	}
	if upd.SecondLastName != nil {
		u.SecondLastName = *upd.SecondLastName
	}
	if upd.Phone != nil {
		u.Phone = *upd.Phone
	}
	if upd.JobTitleID != nil {
		u.JobTitleID = nil
		if *upd.JobTitleID > 0 {
			jt := *upd.JobTitleID
			u.JobTitleID = &jt
		}
	}
	if upd.Active != nil && u.Active != *upd.Active {
		u.Active = *upd.Active
		if u.Active {
			u.DeletedAt = nil
		} else {
			now := t.now()
			u.DeletedAt = &now
		}
	}
	for id, other := range t.state.users {
		if id != userID && strings.EqualFold(other.Email, u.Email) {
			return User{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
	}
	u.UpdatedBy = actorID
	u.UpdatedAt = t.now()
	t.state.users[userID] = u
	return u, t.fault("UpdateUser")
}

func (t *memTx) GetUser(ctx context.Context, userID int64) (User, error) {
	u, ok := t.state.users[userID]
	if !ok {
		return User{}, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	}
	return u, nil
}

func (t *memTx) LockUser(ctx context.Context, userID int64) (User, error) {
	return t.GetUser(ctx, userID)
}

func (t *memTx) SetUserRoles(ctx context.Context, userID int64, roleIDs []int64) error {
	t.state.userRoles[userID] = append([]int64(nil), roleIDs...)
	return t.fault("SetUserRoles")
}

func (t *memTx) GetUserRoles(ctx context.Context, userID int64) ([]int64, error) {
	return append([]int64(nil), t.state.userRoles[userID]...), nil
}

func (t *memTx) RevokeUserRoles(ctx context.Context, userID int64) error {
	delete(t.state.userRoles, userID)
	return t.fault("RevokeUserRoles")
}

func (t *memTx) SetUserActive(ctx context.Context, userID int64, active bool, actorID *int64) error {
	u, err := t.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	now := t.now()
	u.Active = active
	u.UpdatedBy = actorID
	u.UpdatedAt = now
	if active {
		u.DeletedAt = nil
	} else {
		u.DeletedAt = &now
	}
	t.state.users[userID] = u
	return t.fault("SetUserActive")
}

func (t *memTx) ExpandRolesToPermissions(ctx context.Context, roleIDs []int64, activeOnly bool) ([]int64, error) {
	seen := make(map[int64]struct{})
	var out []int64
	for _, rid := range roleIDs {
		role, ok := t.state.roles[rid]
		if !ok || (activeOnly && !role.Active) {
			continue
		}
		for _, pid := range t.state.rolePerms[rid] {
			perm, ok := t.state.perms[pid]
			if !ok || (activeOnly && !perm.Active) {
				continue
			}
			if _, dup := seen[pid]; dup {
				continue
			}
			seen[pid] = struct{}{}
			out = append(out, pid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *memTx) PermissionByName(ctx context.Context, name string) (Permission, error) {
	for _, p := range t.state.perms {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, fmt.Errorf("%w: permission %q", ErrNotFound, name)
}

func (t *memTx) MissingRoles(ctx context.Context, ids []int64) ([]int64, error) {
	return missing(ids, func(id int64) bool { _, ok := t.state.roles[id]; return ok }), nil
}

func (t *memTx) MissingMunicipalities(ctx context.Context, ids []int64) ([]int64, error) {
	return missing(ids, func(id int64) bool { _, ok := t.state.munis[id]; return ok }), nil
}

func (t *memTx) MissingPermissions(ctx context.Context, ids []int64) ([]int64, error) {
	return missing(ids, func(id int64) bool { _, ok := t.state.perms[id]; return ok }), nil
}

func missing(ids []int64, exists func(int64) bool) []int64 {
	var out []int64
	for _, id := range ids {
		if !exists(id) {
			out = append(out, id)
		}
	}
	return out
}

func (t *memTx) Municipalities(ctx context.Context, ids []int64) ([]Municipality, error) {
	out := make([]Municipality, 0, len(ids))
	for _, id := range ids {
		if m, ok := t.state.munis[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (t *memTx) Permissions(ctx context.Context, ids []int64) ([]Permission, error) {
	out := make([]Permission, 0, len(ids))
	for _, id := range ids {
		if p, ok := t.state.perms[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) Grants(ctx context.Context, userID int64, activeOnly bool) ([]Grant, error) {
	var out []Grant
	for row, g := range t.state.grants {
		if row.userID != userID || (activeOnly && !g.Active) {
			continue
		}
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

func (t *memTx) DerivedMunicipalities(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	for row, g := range t.state.grants {
		if row.userID == userID && g.Active && !g.IsException {
			ids = append(ids, row.key.MunicipalityID)
		}
	}
	return normalizeIDs("municipality_ids", ids)
}

func (t *memTx) UpsertGrants(ctx context.Context, userID int64, keys []GrantKey, exception bool) error {
	now := t.now()
	for _, k := range keys {
		row := grantRow{userID: userID, key: k}
		g, ok := t.state.grants[row]
		switch {
		case !ok:
			g = Grant{UserID: userID, MunicipalityID: k.MunicipalityID, PermissionID: k.PermissionID, CreatedAt: now}
		case !exception && g.Active && g.IsException:
			continue
		}
		g.IsException = exception
		g.Active = true
		g.DeletedAt = nil
		g.UpdatedAt = now
		t.state.grants[row] = g
	}
	return t.fault("UpsertGrants")
}

func (t *memTx) revokeWhere(userID int64, match func(Grant) bool) int64 {
	now := t.now()
	var n int64
	for row, g := range t.state.grants {
		if row.userID != userID || !g.Active || !match(g) {
			continue
		}
		g.Active = false
		g.UpdatedAt = now
		g.DeletedAt = &now
		t.state.grants[row] = g
		n++
	}
	return n
}

func (t *memTx) RevokeGrants(ctx context.Context, userID int64, keys []GrantKey) (int64, error) {
	set := make(map[GrantKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	n := t.revokeWhere(userID, func(g Grant) bool { _, ok := set[g.Key()]; return ok })
	return n, t.fault("RevokeGrants")
}

func (t *memTx) RevokeDerived(ctx context.Context, userID int64) (int64, error) {
	n := t.revokeWhere(userID, func(g Grant) bool { return !g.IsException })
	return n, t.fault("RevokeDerived")
}

func (t *memTx) RevokeAllGrants(ctx context.Context, userID int64) (int64, error) {
	n := t.revokeWhere(userID, func(Grant) bool { return true })
	return n, t.fault("RevokeAllGrants")
}

func (t *memTx) PurgeRevoked(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for row, g := range t.state.grants {
		if !g.Active && g.DeletedAt != nil && g.DeletedAt.Before(cutoff) {
			delete(t.state.grants, row)
			n++
		}
	}
	return n, t.fault("PurgeRevoked")
}

func (t *memTx) HasGrant(ctx context.Context, userID, municipalityID int64, permission string) (bool, error) {
	perm, err := t.PermissionByName(ctx, permission)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !perm.Active {
		return false, nil
	}
	g, ok := t.state.grants[grantRow{userID: userID, key: GrantKey{MunicipalityID: municipalityID, PermissionID: perm.ID}}]
	return ok && g.Active, nil
}
