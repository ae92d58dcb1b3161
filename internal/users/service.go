package users

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"territoria.org/internal/access"
	"territoria.org/internal/audit"
	"territoria.org/internal/auth"
	"territoria.org/internal/obs"
)

// ModuleUsers tags audit entries for profile changes.
const ModuleUsers = "USERS"

const (
	defaultTokenTTL = 12 * time.Hour
	maxPageSize     = 500
)

// Auditor receives profile change records. Implementations must not block.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Entry) {}

// Service manages user identities and drives the access engine inside the same
// transaction as the identity change.
type Service struct {
	store    access.Store
	engine   *access.Engine
	dir      Directory
	audit    Auditor
	tokenTTL time.Duration
}

// Option configures Service.
type Option func(*Service)

// WithAuditor sets the audit sink for profile changes.
func WithAuditor(a Auditor) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithTokenTTL sets the lifetime of tokens issued by Authenticate.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// NewService wires the user service.
func NewService(store access.Store, engine *access.Engine, dir Directory, opts ...Option) (*Service, error) {
	if store == nil || engine == nil || dir == nil {
		return nil, errors.New("users: store, engine and directory are required")
	}
	s := &Service{store: store, engine: engine, dir: dir, audit: nopAuditor{}, tokenTTL: defaultTokenTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoginResult is returned by a successful Authenticate.
type LoginResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      access.User `json:"user"`
	Roles     []string    `json:"roles"`
}

// Create inserts a user and provisions its initial grants in one transaction.
func (s *Service) Create(ctx context.Context, in CreateInput) (Detail, error) {
	in.Email = strings.TrimSpace(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if err := validateEmail(in.Email); err != nil {
		return Detail{}, err
	}
	if in.FirstName == "" || in.LastName == "" {
		return Detail{}, fmt.Errorf("%w: first_name and last_name are required", access.ErrInvalidInput)
	}
	if err := validatePassword(in.Password); err != nil {
		return Detail{}, err
	}
	policy, err := parsePolicy(in.Policy)
	if err != nil {
		return Detail{}, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return Detail{}, err
	}

	actor := auth.ActorFromContext(ctx)
	var d Detail
	err = s.store.InTx(ctx, func(tx access.Tx) error {
		u, err := tx.CreateUser(ctx, access.NewUser{
			Username:       strings.TrimSpace(in.Username),
			Email:          in.Email,
			FirstName:      in.FirstName,
			LastName:       in.LastName,
			SecondLastName: strings.TrimSpace(in.SecondLastName),
			Phone:          strings.TrimSpace(in.Phone),
			JobTitleID:     in.JobTitleID,
			PasswordHash:   hash,
			Active:         true,
		}, actor)
		if err != nil {
			return err
		}
		m, err := s.engine.ProvisionTx(ctx, tx, access.ProvisionRequest{
			UserID:          u.ID,
			RoleIDs:         in.RoleIDs,
			MunicipalityIDs: in.MunicipalityIDs,
			Policy:          policy,
			ActorID:         actor,
		})
		if err != nil {
			return err
		}
		d = Detail{User: u, Matrix: m}
		return nil
	})
	if err != nil {
		return Detail{}, access.StorageError(err)
	}

	s.audit.Record(ctx, audit.Entry{
		UserID:   actor,
		Action:   "CREATE",
		Module:   ModuleUsers,
		EntityID: strconv.FormatInt(d.ID, 10),
		Details: map[string]any{
			"email":            d.Email,
			"username":         d.Username,
			"first_name":       d.FirstName,
			"last_name":        d.LastName,
			"password":         in.Password,
			"role_ids":         in.RoleIDs,
			"municipality_ids": in.MunicipalityIDs,
		},
	})
	return s.withRoles(ctx, d)
}

// Update applies a partial profile update. When roles or municipalities are
// present the user's derived grants are resynchronized in the same transaction.
// Setting active to false runs the full revoke cascade; setting it to true
// clears the deletion stamp but restores no grants by itself.
func (s *Service) Update(ctx context.Context, userID int64, in UpdateInput) (Detail, error) {
	if userID <= 0 {
		return Detail{}, fmt.Errorf("%w: user_id must be positive", access.ErrInvalidInput)
	}
	upd, changes, err := profileUpdate(in)
	if err != nil {
		return Detail{}, err
	}
	policy, err := parsePolicy(in.Policy)
	if err != nil {
		return Detail{}, err
	}
	resync := in.RoleIDs != nil || in.MunicipalityIDs != nil
	deactivate := in.Active != nil && !*in.Active
	if deactivate && resync {
		return Detail{}, fmt.Errorf("%w: role_ids and municipality_ids cannot be set while deactivating", access.ErrInvalidInput)
	}

	actor := auth.ActorFromContext(ctx)
	var d Detail
	err = s.store.InTx(ctx, func(tx access.Tx) error {
		var err error
		if upd.Empty() {
			_, err = tx.LockUser(ctx, userID)
		} else {
			_, err = tx.UpdateUser(ctx, userID, upd, actor)
		}
		if err != nil {
			return err
		}
		switch {
		case deactivate:
			err = s.engine.RevokeAllTx(ctx, tx, access.RevokeRequest{UserID: userID, ActorID: actor})
		case in.Active != nil:
			err = tx.SetUserActive(ctx, userID, true, actor)
		}
		if err != nil {
			return err
		}
		var m access.Matrix
		if resync {
			m, err = s.engine.ResyncTx(ctx, tx, access.ResyncRequest{
				UserID:          userID,
				RoleIDs:         in.RoleIDs,
				MunicipalityIDs: in.MunicipalityIDs,
				Policy:          policy,
				ActorID:         actor,
			})
		} else {
			var grants []access.Grant
			grants, err = tx.Grants(ctx, userID, true)
			m = access.Matrix(grants)
		}
		if err != nil {
			return err
		}
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		d = Detail{User: u, Matrix: m}
		return nil
	})
	if err != nil {
		return Detail{}, access.StorageError(err)
	}

	if len(changes) > 0 {
		s.audit.Record(ctx, audit.Entry{
			UserID:   actor,
			Action:   "UPDATE",
			Module:   ModuleUsers,
			EntityID: strconv.FormatInt(userID, 10),
			Details:  changes,
		})
	}
	return s.withRoles(ctx, d)
}

// Deactivate disables the user and revokes all of its access.
func (s *Service) Deactivate(ctx context.Context, userID int64) error {
	actor := auth.ActorFromContext(ctx)
	if err := s.engine.RevokeAll(ctx, access.RevokeRequest{UserID: userID, ActorID: actor}); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:   actor,
		Action:   "DELETE",
		Module:   ModuleUsers,
		EntityID: strconv.FormatInt(userID, 10),
		Details:  map[string]any{"active": false},
	})
	return nil
}

// Get returns the user with its roles and active grants.
func (s *Service) Get(ctx context.Context, userID int64) (Detail, error) {
	if userID <= 0 {
		return Detail{}, fmt.Errorf("%w: user_id must be positive", access.ErrInvalidInput)
	}
	var d Detail
	err := s.store.Snapshot(ctx, func(tx access.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		grants, err := tx.Grants(ctx, userID, true)
		if err != nil {
			return err
		}
		d = Detail{User: u, Matrix: access.Matrix(grants)}
		return nil
	})
	if err != nil {
		return Detail{}, access.StorageError(err)
	}
	return s.withRoles(ctx, d)
}

// List pages through the user directory.
func (s *Service) List(ctx context.Context, f Filter) ([]access.User, int, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, 0, fmt.Errorf("%w: limit and offset must not be negative", access.ErrInvalidInput)
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	f.Search = strings.TrimSpace(f.Search)
	list, total, err := s.dir.ListUsers(ctx, f)
	if err != nil {
		return nil, 0, access.StorageError(err)
	}
	return list, total, nil
}

// SetPermission grants or revokes a single exception for the user.
func (s *Service) SetPermission(ctx context.Context, userID, municipalityID, permissionID int64, grant bool) (access.Matrix, error) {
	return s.engine.SetException(ctx, access.ExceptionRequest{
		UserID:         userID,
		MunicipalityID: municipalityID,
		PermissionID:   permissionID,
		Grant:          grant,
		ActorID:        auth.ActorFromContext(ctx),
	})
}

// ApplyBatch applies several exception toggles atomically.
func (s *Service) ApplyBatch(ctx context.Context, userID int64, changes []access.GrantChange) (access.Matrix, error) {
	return s.engine.ApplyBatch(ctx, access.BatchRequest{
		UserID:  userID,
		Changes: changes,
		ActorID: auth.ActorFromContext(ctx),
	})
}

// Grants returns the user's active grant matrix.
func (s *Service) Grants(ctx context.Context, userID int64) (access.Matrix, error) {
	return s.engine.Matrix(ctx, userID)
}

// Territories lists the municipalities the user can act on with permission names.
func (s *Service) Territories(ctx context.Context, userID int64) ([]access.Territory, error) {
	return s.engine.Territories(ctx, userID)
}

// HasAccess reports whether the user holds the named permission on a municipality.
func (s *Service) HasAccess(ctx context.Context, userID, municipalityID int64, permission string) (bool, error) {
	return s.engine.HasAccess(ctx, userID, municipalityID, permission)
}

// Authenticate checks credentials by email or username and issues a bearer token.
func (s *Service) Authenticate(ctx context.Context, login, password string) (LoginResult, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return LoginResult{}, ErrUnauthorized
	}
	creds, err := s.dir.Credentials(ctx, login)
	if errors.Is(err, access.ErrNotFound) {
		return LoginResult{}, ErrUnauthorized
	}
	if err != nil {
		return LoginResult{}, access.StorageError(err)
	}
	if !creds.User.Active {
		return LoginResult{}, ErrUnauthorized
	}
	if err := auth.VerifyPassword(creds.PasswordHash, password); err != nil {
		return LoginResult{}, ErrUnauthorized
	}
	if auth.NeedsRehash(creds.PasswordHash) {
		s.rehash(ctx, creds.User.ID, password)
	}
	token, err := auth.GenerateToken(creds.User.ID, creds.Roles, s.tokenTTL)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(s.tokenTTL),
		User:      creds.User,
		Roles:     creds.Roles,
	}, nil
}

// rehash upgrades a stored hash to the current cost. Failures only log; the
// login itself already succeeded.
func (s *Service) rehash(ctx context.Context, userID int64, password string) {
	hash, err := auth.HashPassword(password)
	if err == nil {
		err = s.store.InTx(ctx, func(tx access.Tx) error {
			_, err := tx.UpdateUser(ctx, userID, access.UserUpdate{PasswordHash: &hash}, &userID)
			return err
		})
	}
	if err != nil {
		obs.Logger().WithError(err).WithField("user_id", userID).Warn("password rehash failed")
	}
}

func (s *Service) withRoles(ctx context.Context, d Detail) (Detail, error) {
	roles, err := s.dir.UserRoleDetails(ctx, d.ID)
	if err != nil {
		return Detail{}, access.StorageError(err)
	}
	if roles == nil {
		roles = []access.Role{}
	}
	if d.Matrix == nil {
		d.Matrix = access.Matrix{}
	}
	d.Roles = roles
	return d, nil
}

// profileUpdate converts input into a store update plus the audit details of the change.
func profileUpdate(in UpdateInput) (access.UserUpdate, map[string]any, error) {
	var upd access.UserUpdate
	changes := map[string]any{}
	if in.Email != nil {
		email := strings.TrimSpace(*in.Email)
		if err := validateEmail(email); err != nil {
			return upd, nil, err
		}
		upd.Email = &email
		changes["email"] = email
	}
	if in.Username != nil {
		v := strings.TrimSpace(*in.Username)
		upd.Username = &v
		changes["username"] = v
	}
	if in.FirstName != nil {
		v := strings.TrimSpace(*in.FirstName)
		if v == "" {
			return upd, nil, fmt.Errorf("%w: first_name must not be empty", access.ErrInvalidInput)
		}
		upd.FirstName = &v
		changes["first_name"] = v
	}
	if in.LastName != nil {
		v := strings.TrimSpace(*in.LastName)
		if v == "" {
			return upd, nil, fmt.Errorf("%w: last_name must not be empty", access.ErrInvalidInput)
		}
		upd.LastName = &v
		changes["last_name"] = v
	}
	if in.SecondLastName != nil {
		v := strings.TrimSpace(*in.SecondLastName)
		upd.SecondLastName = &v
		changes["second_last_name"] = v
	}
	if in.Phone != nil {
		v := strings.TrimSpace(*in.Phone)
		upd.Phone = &v
		changes["phone"] = v
	}
	if in.JobTitleID != nil {
		if *in.JobTitleID < 0 {
			return upd, nil, fmt.Errorf("%w: job_title_id must not be negative", access.ErrInvalidInput)
		}
		upd.JobTitleID = in.JobTitleID
		changes["job_title_id"] = *in.JobTitleID
	}
	if in.Active != nil {
		changes["active"] = *in.Active
	}
	if in.Password != nil {
		if err := validatePassword(*in.Password); err != nil {
			return upd, nil, err
		}
		hash, err := auth.HashPassword(*in.Password)
		if err != nil {
			return upd, nil, err
		}
		upd.PasswordHash = &hash
		changes["password"] = *in.Password
	}
	if in.RoleIDs != nil {
		changes["role_ids"] = *in.RoleIDs
	}
	if in.MunicipalityIDs != nil {
		changes["municipality_ids"] = *in.MunicipalityIDs
	}
	return upd, changes, nil
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", access.ErrInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email %q", access.ErrInvalidInput, email)
	}
	return nil
}

func validatePassword(password string) error {
	if err := auth.CheckPasswordLength(password); err != nil {
		return fmt.Errorf("%w: password must have between %d and %d bytes", access.ErrInvalidInput, auth.MinPasswordLength, auth.MaxPasswordLength)
	}
	return nil
}

func parsePolicy(name string) (access.Policy, error) {
	if strings.TrimSpace(name) == "" {
		return access.PolicyDefault, nil
	}
	return access.ParsePolicy(name)
}
