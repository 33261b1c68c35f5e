package errors

import (
	"errors"
	"fmt"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNilTransaction      = errors.New("transaction is nil")
	ErrNilFlow             = errors.New("transaction flow is nil")
	ErrInvalidStatus       = errors.New("invalid transaction status")
	ErrInvalidTransition   = errors.New("transition not allowed from current status")
	ErrTransitionConflict  = errors.New("concurrent transition on the same transaction")
	ErrDuplicateEventKey   = errors.New("event key already exists")
	ErrNegativeAmount      = errors.New("amount must not be negative")
	ErrEmptyAction         = errors.New("action label is required")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInvalidCredentials  = fmt.Errorf("invalid credentials")
)
