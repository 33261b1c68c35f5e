package models

import "time"

type User struct {
	ID           int64
	Username     string
	PasswordHash string
	RoleID       int64
	CreatedAt    time.Time
}

// UserActivity tracks the last observed presence of a user. Touched on every
// authenticated request.
type UserActivity struct {
	UserID           int64     `json:"user_id"`
	Status           string    `json:"status"`
	LastActivityTime time.Time `json:"last_activity_time"`
}

const (
	ActivityOnline  = "Online"
	ActivityOffline = "Offline"
)
