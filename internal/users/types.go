package users

import (
	"context"
	"errors"

	"territoria.org/internal/access"
)

// ErrUnauthorized is returned when credentials do not match an active user.
var ErrUnauthorized = errors.New("invalid credentials")

// Filter narrows ListUsers results.
type Filter struct {
	Search         string
	Active         *bool
	JobTitleID     int64
	RoleID         int64
	MunicipalityID int64
	Limit          int
	Offset         int
}

// Credentials is what the login flow needs to authenticate a user.
type Credentials struct {
	User         access.User
	PasswordHash string
	Roles        []string
}

// Directory serves user lookups that fall outside the access engine.
type Directory interface {
	ListUsers(ctx context.Context, f Filter) ([]access.User, int, error)
	Credentials(ctx context.Context, login string) (Credentials, error)
	UserRoleDetails(ctx context.Context, userID int64) ([]access.Role, error)
}

// CreateInput is the payload for creating a user with its initial access.
type CreateInput struct {
	Username        string  `json:"username"`
	Email           string  `json:"email"`
	Password        string  `json:"password"`
	FirstName       string  `json:"first_name"`
	LastName        string  `json:"last_name"`
	SecondLastName  string  `json:"second_last_name"`
	Phone           string  `json:"phone"`
	JobTitleID      *int64  `json:"job_title_id"`
	RoleIDs         []int64 `json:"role_ids"`
	MunicipalityIDs []int64 `json:"municipality_ids"`
	Policy          string  `json:"policy"`
}

// UpdateInput is a partial update. RoleIDs and MunicipalityIDs trigger a resync
// when present; an explicit empty municipality list revokes all access.
// A job_title_id of 0 clears the job title.
type UpdateInput struct {
	Username        *string  `json:"username"`
	Email           *string  `json:"email"`
	Password        *string  `json:"password"`
	FirstName       *string  `json:"first_name"`
	LastName        *string  `json:"last_name"`
	SecondLastName  *string  `json:"second_last_name"`
	Phone           *string  `json:"phone"`
	JobTitleID      *int64   `json:"job_title_id"`
	Active          *bool    `json:"active"`
	RoleIDs         *[]int64 `json:"role_ids"`
	MunicipalityIDs *[]int64 `json:"municipality_ids"`
	Policy          string   `json:"policy"`
}

// Detail is a user together with its roles and active grant matrix.
type Detail struct {
	access.User
	Roles  []access.Role `json:"roles"`
	Matrix access.Matrix `json:"permissions"`
}
