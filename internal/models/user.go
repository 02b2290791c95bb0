package models

import "time"

// UserRole represents the roles carried in access tokens.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// User represents an application user stored in the users table.
type User struct {
	ID           string     `db:"id" json:"id"`
	Name         *string    `db:"name" json:"name,omitempty"`
	Email        string     `db:"email" json:"email"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Role         UserRole   `db:"role" json:"role"`
	LastLogin    *time.Time `db:"last_login" json:"last_login,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Roles returns the token roles for the user. Every account carries "user";
// admins additionally carry "admin".
func (u *User) Roles() []string {
	roles := []string{string(RoleUser)}
	if u.Role == RoleAdmin {
		roles = append(roles, string(RoleAdmin))
	}
	return roles
}

// Profile is the public view of a user.
func (u *User) Profile() UserInfo {
	return UserInfo{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Role:      u.Role,
		LastLogin: u.LastLogin,
		CreatedAt: u.CreatedAt,
	}
}

// UserInfo describes the authenticated user in responses.
type UserInfo struct {
	ID        string     `json:"id"`
	Name      *string    `json:"name,omitempty"`
	Email     string     `json:"email"`
	Role      UserRole   `json:"role"`
	LastLogin *time.Time `json:"last_login,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}
