package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/almasraf/blocking-service/internal/infrastructure/redis"
	service "github.com/almasraf/blocking-service/internal/services"
	pkgerrors "github.com/almasraf/blocking-service/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMiddleware validates the bearer token against its signature and the
// copy cached in redis, then stashes the user id in the request context.
func AuthMiddleware(redisClient redis.RedisClient, jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "authorization header missing", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "invalid authorization header", http.StatusUnauthorized)
				return
			}

			tokenStr := parts[1]
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
				}
				return []byte(jwtSecret), nil
			})

			if err != nil || !token.Valid {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				http.Error(w, "invalid token claims", http.StatusUnauthorized)
				return
			}

			userID, ok := claims["user_id"].(float64)
			if !ok {
				http.Error(w, "invalid user_id in token", http.StatusUnauthorized)
				return
			}

			// Check token in Redis
			redisKey := fmt.Sprintf("user:%d:token", int64(userID))
			storedToken, err := redisClient.Get(r.Context(), redisKey)
			if err != nil || storedToken != tokenStr {
				slog.Error("invalid or revoked token", "user_id", userID, "error", err)
				http.Error(w, "invalid or revoked token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), "user_id", int64(userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission gates a route on the caller's effective permission set.
// The workflow engine itself never re-checks; authorization lives here at the
// boundary.
func RequirePermission(permissionService service.PermissionService, permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := r.Context().Value("user_id").(int64)
			if !ok {
				http.Error(w, "user not authenticated", http.StatusUnauthorized)
				return
			}

			allowed, err := permissionService.HasPermission(r.Context(), userID, permission)
			if err != nil {
				if stderrors.Is(err, pkgerrors.ErrUserNotFound) {
					http.Error(w, "user not found", http.StatusUnauthorized)
					return
				}
				slog.Error("permission check failed", "user_id", userID, "permission", permission, "error", err)
				http.Error(w, "permission check failed", http.StatusInternalServerError)
				return
			}
			if !allowed {
				slog.Warn("permission denied", "user_id", userID, "permission", permission)
				http.Error(w, pkgerrors.ErrPermissionDenied.Error(), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
