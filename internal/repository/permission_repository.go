package repository

import "context"

// PermissionRepository reads and maintains the materialized per-user
// permission snapshot. Role templates alone grant nothing; only rows in
// user_role_permissions count toward a user's effective set.
type PermissionRepository interface {
	// EffectivePermissions returns the user's materialized permission names.
	// An existing user with no rows gets an empty slice, not an error.
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)

	// SyncUserPermissions replaces the user's snapshot with the role's
	// current template in one storage transaction.
	SyncUserPermissions(ctx context.Context, userID, roleID int64) error
}
