package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/almasraf/blocking-service/internal/models"
	pkgerrors "github.com/almasraf/blocking-service/pkg/errors"
)

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	query := `SELECT id, username, role_id, created_at FROM users WHERE id = $1`
	var user models.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &user.RoleID, &user.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

func (r *PostgresUserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	if username == "" {
		return nil, fmt.Errorf("username cannot be empty")
	}

	query := `SELECT id, username, password_hash, role_id, created_at FROM users WHERE username = $1`

	var user models.User
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.RoleID,
		&user.CreatedAt,
	)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, pkgerrors.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return &user, nil
}

func (r *PostgresUserRepository) TouchActivity(ctx context.Context, userID int64, status string) error {
	query := `INSERT INTO user_activities (user_id, status, last_activity_time) VALUES ($1, $2, NOW()) ON CONFLICT (user_id) DO UPDATE SET status = $2, last_activity_time = NOW()`
	if _, err := r.db.ExecContext(ctx, query, userID, status); err != nil {
		return fmt.Errorf("failed to touch user activity: %w", err)
	}
	return nil
}
