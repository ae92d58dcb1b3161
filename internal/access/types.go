package access

import "time"

// User is an identity record. Credentials are owned by the identity layer; the
// engine only reads and writes the active flag and the audit columns.
type User struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username,omitempty"`
	Email          string     `json:"email"`
	FirstName      string     `json:"first_name"`
	LastName       string     `json:"last_name"`
	SecondLastName string     `json:"second_last_name,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	JobTitleID     *int64     `json:"job_title_id,omitempty"`
	Active         bool       `json:"active"`
	CreatedBy      *int64     `json:"created_by,omitempty"`
	UpdatedBy      *int64     `json:"updated_by,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// NewUser carries the fields needed to insert a user row.
type NewUser struct {
	Username       string
	Email          string
	FirstName      string
	LastName       string
	SecondLastName string
	Phone          string
	JobTitleID     *int64
	PasswordHash   string
	Active         bool
}

// UserUpdate is a partial profile update; nil fields are left untouched.
// A JobTitleID pointing at zero clears the job title.
type UserUpdate struct {
	Username       *string
	Email          *string
	FirstName      *string
	LastName       *string
	SecondLastName *string
	Phone          *string
	JobTitleID     *int64
	PasswordHash   *string
	Active         *bool
}

// Empty reports whether the update changes nothing.
func (u UserUpdate) Empty() bool {
	return u.Username == nil && u.Email == nil && u.FirstName == nil && u.LastName == nil &&
		u.SecondLastName == nil && u.Phone == nil && u.JobTitleID == nil && u.PasswordHash == nil &&
		u.Active == nil
}

// Role is a named bundle of base permissions.
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobTitle is a descriptive lookup attached to users.
type JobTitle struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Municipality is the territorial scope unit for permissions.
type Municipality struct {
	ID     int64  `json:"id"`
	Num    int    `json:"num"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Permission is a granular capability such as "view" or "edit".
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
}

// Grant is one row of the access matrix.
type Grant struct {
	UserID         int64      `json:"user_id"`
	MunicipalityID int64      `json:"municipality_id"`
	PermissionID   int64      `json:"permission_id"`
	IsException    bool       `json:"is_exception"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// Key returns the (municipality, permission) pair of the grant.
func (g Grant) Key() GrantKey {
	return GrantKey{MunicipalityID: g.MunicipalityID, PermissionID: g.PermissionID}
}

// GrantKey identifies a grant within one user's matrix.
type GrantKey struct {
	MunicipalityID int64 `json:"municipality_id"`
	PermissionID   int64 `json:"permission_id"`
}

// GrantChange is one entry of a batch toggle.
type GrantChange struct {
	MunicipalityID int64 `json:"municipality_id"`
	PermissionID   int64 `json:"permission_id"`
	Grant          bool  `json:"grant"`
}

// Matrix is the set of active grants of a user, ordered by municipality then permission.
type Matrix []Grant

// Keys returns the grant keys of the matrix in order.
func (m Matrix) Keys() []GrantKey {
	keys := make([]GrantKey, 0, len(m))
	for _, g := range m {
		keys = append(keys, g.Key())
	}
	return keys
}

// Territory groups a user's grants on one municipality.
type Territory struct {
	Municipality
	Permissions []string `json:"permissions"`
}
