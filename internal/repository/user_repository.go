package repository

import (
	"context"

	"github.com/almasraf/blocking-service/internal/models"
)

type UserRepository interface {
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	TouchActivity(ctx context.Context, userID int64, status string) error
}
