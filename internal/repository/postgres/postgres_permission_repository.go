package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/almasraf/blocking-service/internal/infrastructure/observability"
	pkgerrors "github.com/almasraf/blocking-service/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PostgresPermissionRepository struct {
	db *sql.DB
}

func NewPostgresPermissionRepository(db *sql.DB) *PostgresPermissionRepository {
	return &PostgresPermissionRepository{db: db}
}

// EffectivePermissions reads the user's materialized snapshot. A user with no
// snapshot rows gets an empty set; only a missing user is an error.
func (r *PostgresPermissionRepository) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	var err error
	tracer := otel.Tracer("permission-repository")
	ctx, span := tracer.Start(ctx, "EffectivePermissions")
	span.SetAttributes(attribute.Int64("user_id", userID))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("EffectivePermissions", status).Inc()
		observability.RepositoryDuration.WithLabelValues("EffectivePermissions").Observe(time.Since(start).Seconds())
	}()

	var exists bool
	err = r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		slog.Error("failed to check user", "method", "EffectivePermissions", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		err = pkgerrors.ErrUserNotFound
		return nil, err
	}

	query := `SELECT p.name FROM user_role_permissions urp JOIN permissions p ON p.id = urp.permission_id WHERE urp.user_id = $1 ORDER BY p.name`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		slog.Error("failed to get effective permissions", "method", "EffectivePermissions", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get effective permissions: %w", err)
	}
	defer rows.Close()

	perms := []string{}
	for rows.Next() {
		var name string
		if err = rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		perms = append(perms, name)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read permissions: %w", err)
	}
	return perms, nil
}

// SyncUserPermissions rebuilds the user's snapshot from the role's current
// template. Existing rows are replaced in the same storage transaction so a
// reader never sees a half-synced set.
func (r *PostgresPermissionRepository) SyncUserPermissions(ctx context.Context, userID, roleID int64) error {
	var err error
	tracer := otel.Tracer("permission-repository")
	ctx, span := tracer.Start(ctx, "SyncUserPermissions")
	span.SetAttributes(
		attribute.Int64("user_id", userID),
		attribute.Int64("role_id", roleID),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("SyncUserPermissions", status).Inc()
		observability.RepositoryDuration.WithLabelValues("SyncUserPermissions").Observe(time.Since(start).Seconds())
	}()

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "SyncUserPermissions", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	var exists bool
	err = dbTx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to check user", "method", "SyncUserPermissions", "user_id", userID, "error", err)
		return fmt.Errorf("failed to check user: %w", err)
	}
	if !exists {
		dbTx.Rollback()
		err = pkgerrors.ErrUserNotFound
		return err
	}

	_, err = dbTx.ExecContext(ctx, `DELETE FROM user_role_permissions WHERE user_id = $1`, userID)
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to clear snapshot", "method", "SyncUserPermissions", "user_id", userID, "error", err)
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	insert := `INSERT INTO user_role_permissions (user_id, role_id, permission_id, assigned_at) SELECT $1, rp.role_id, rp.permission_id, NOW() FROM role_permissions rp WHERE rp.role_id = $2`
	_, err = dbTx.ExecContext(ctx, insert, userID, roleID)
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			err = fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
			slog.Error("rollback failed", "method", "SyncUserPermissions", "error", rbErr)
		} else {
			slog.Error("failed to materialize permissions", "method", "SyncUserPermissions", "user_id", userID, "role_id", roleID, "error", err)
		}
		return fmt.Errorf("failed to materialize permissions: %w", err)
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit sync", "method", "SyncUserPermissions", "user_id", userID, "error", err)
		return fmt.Errorf("failed to commit sync: %w", err)
	}

	slog.Info("permissions materialized", "method", "SyncUserPermissions", "user_id", userID, "role_id", roleID)
	return nil
}
