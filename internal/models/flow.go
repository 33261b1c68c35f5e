package models

import "time"

// TransactionFlow is one immutable audit record of an action taken on a
// transaction. Entries are append-only: nothing in the service ever updates
// or deletes a row once it is written.
type TransactionFlow struct {
	ID            int64 `json:"id"`
	TransactionID int64 `json:"transaction_id"`
	// Seq is monotonic per transaction and assigned in the same storage
	// transaction as the status change, so the latest entry is unambiguous.
	Seq        int32     `json:"seq"`
	FromUserID int64     `json:"from_user_id"`
	ToUserID   *int64    `json:"to_user_id,omitempty"`
	Action     string    `json:"action"`
	Remark     string    `json:"remark,omitempty"`
	CanReturn  bool      `json:"can_return"`
	ActionDate time.Time `json:"action_date"`

	// Resolved on history reads, empty otherwise.
	FromUsername string `json:"from_username,omitempty"`
	ToUsername   string `json:"to_username,omitempty"`
}

const (
	ActionApproved  = "Approved"
	ActionRejected  = "Rejected"
	ActionEscalated = "Escalated"
)
