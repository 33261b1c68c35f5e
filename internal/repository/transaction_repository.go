package repository

import (
	"context"

	"github.com/almasraf/blocking-service/internal/models"
	"github.com/shopspring/decimal"
)

// TransactionRepository owns the workflow state machine's storage unit: each
// transition commits the status change and its flow entry atomically, and
// transitions on the same transaction are serialized by row locking.
type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Transaction, error)
	List(ctx context.Context) ([]models.Transaction, error)
	Delete(ctx context.Context, id int64) error

	Approve(ctx context.Context, transactionID, userID int64) error
	Reject(ctx context.Context, transactionID, userID int64) error
	Escalate(ctx context.Context, transactionID, userID int64) error

	AppendFlow(ctx context.Context, flow *models.TransactionFlow) error
	FlowHistory(ctx context.Context, transactionID int64) ([]models.TransactionFlow, error)

	ListEscalated(ctx context.Context) ([]models.Transaction, error)
	ListForUser(ctx context.Context, userID int64) ([]models.Transaction, error)
	CountFlagged(ctx context.Context) (int64, error)
	CountHighValue(ctx context.Context, threshold decimal.Decimal) (int64, error)
	ExistingEventKeys(ctx context.Context, eventKeys []string) (map[string]struct{}, error)
}
