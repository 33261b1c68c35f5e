package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/almasraf/blocking-service/internal/infrastructure/redis"
	"github.com/almasraf/blocking-service/internal/repository"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

const permissionCacheTTL = 5 * time.Minute

// PermissionService resolves a user's effective permission set from the
// materialized snapshot. "No permission" is a normal answer, never an error.
type PermissionService interface {
	EffectivePermissions(ctx context.Context, userID int64) ([]string, error)
	HasPermission(ctx context.Context, userID int64, permission string) (bool, error)
	SyncUserPermissions(ctx context.Context, userID, roleID int64) error
}

type permissionService struct {
	permissionRepo repository.PermissionRepository
	redisClient    redis.RedisClient
}

func NewPermissionService(permissionRepo repository.PermissionRepository, redisClient redis.RedisClient) *permissionService {
	return &permissionService{
		permissionRepo: permissionRepo,
		redisClient:    redisClient,
	}
}

func permissionCacheKey(userID int64) string {
	return fmt.Sprintf("user:%d:permissions", userID)
}

func (s *permissionService) EffectivePermissions(ctx context.Context, userID int64) ([]string, error) {
	tracer := otel.Tracer("permission-service")
	ctx, span := tracer.Start(ctx, "EffectivePermissions")
	defer span.End()

	cacheKey := permissionCacheKey(userID)
	if cached, err := s.redisClient.Get(ctx, cacheKey); err == nil {
		var perms []string
		if unmarshalErr := json.Unmarshal([]byte(cached), &perms); unmarshalErr == nil {
			return perms, nil
		} else {
			slog.Error("failed to unmarshal cached permissions", "user_id", userID, "error", unmarshalErr)
		}
	}

	perms, err := s.permissionRepo.EffectivePermissions(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "permission lookup failed")
		return nil, err
	}

	if permsBytes, err := json.Marshal(perms); err == nil {
		if err := s.redisClient.Set(ctx, cacheKey, string(permsBytes), permissionCacheTTL); err != nil {
			slog.Error("failed to cache permissions", "user_id", userID, "error", err)
		}
	}

	return perms, nil
}

func (s *permissionService) HasPermission(ctx context.Context, userID int64, permission string) (bool, error) {
	perms, err := s.EffectivePermissions(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, p := range perms {
		if p == permission {
			return true, nil
		}
	}
	return false, nil
}

func (s *permissionService) SyncUserPermissions(ctx context.Context, userID, roleID int64) error {
	tracer := otel.Tracer("permission-service")
	ctx, span := tracer.Start(ctx, "SyncUserPermissions")
	defer span.End()

	if err := s.permissionRepo.SyncUserPermissions(ctx, userID, roleID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		return err
	}

	if err := s.redisClient.Del(ctx, permissionCacheKey(userID)); err != nil {
		slog.Error("failed to invalidate permission cache", "user_id", userID, "error", err)
	}

	slog.Info("user permissions synced", "user_id", userID, "role_id", roleID)
	return nil
}
