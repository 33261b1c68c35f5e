package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is a customer-blocking case moving through the approval
// workflow, not a database transaction.
type Transaction struct {
	ID                 int64             `json:"id"`
	Amount             decimal.Decimal   `json:"amount"`
	EventKey           string            `json:"event_key,omitempty"`
	InitiatorUserID    int64             `json:"initiator_user_id"`
	CurrentPartyUserID int64             `json:"current_party_user_id"`
	Status             TransactionStatus `json:"status"`
	ApprovedByUserID   *int64            `json:"approved_by_user_id,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
}

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "Pending"
	StatusApproved  TransactionStatus = "Approved"
	StatusRejected  TransactionStatus = "Rejected"
	StatusEscalated TransactionStatus = "Escalated"
)

// Valid reports whether s is one of the four workflow statuses.
func (s TransactionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusEscalated:
		return true
	}
	return false
}
