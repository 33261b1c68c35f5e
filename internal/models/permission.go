package models

import "time"

// Role is a named capability bundle (Admin, Maker, Checker, ...).
type Role struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Permission is a single named capability such as "ApproveTransactions".
type Permission struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RolePermission is the role-level template grant. It does not by itself
// give any user access; grants take effect only once materialized onto the
// user as UserRolePermission rows.
type RolePermission struct {
	RoleID       int64 `json:"role_id"`
	PermissionID int64 `json:"permission_id"`
}

// UserRolePermission is the assignment-time snapshot of a role's grants for
// one user. Later edits to the role template do not change these rows until
// the user is re-synced.
type UserRolePermission struct {
	UserID       int64     `json:"user_id"`
	RoleID       int64     `json:"role_id"`
	PermissionID int64     `json:"permission_id"`
	AssignedAt   time.Time `json:"assigned_at"`
}

// Permission names used by the workflow routes.
const (
	PermApproveTransactions  = "ApproveTransactions"
	PermEscalateTransactions = "EscalateTransactions"
	PermManageTransactions   = "ManageTransactions"
	PermManageUsers          = "ManageUsers"
)
