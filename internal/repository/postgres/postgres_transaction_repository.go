package repository

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/almasraf/blocking-service/internal/infrastructure/observability"
	"github.com/almasraf/blocking-service/internal/models"
	pkgerrors "github.com/almasraf/blocking-service/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

// transitionRule enumerates the allowed source statuses per action. Anything
// outside the table is rejected before any row is touched.
type transitionRule struct {
	newStatus     models.TransactionStatus
	allowedFrom   []models.TransactionStatus
	stampApprover bool
	canReturn     bool
}

var transitions = map[string]transitionRule{
	models.ActionApproved: {
		newStatus:     models.StatusApproved,
		allowedFrom:   []models.TransactionStatus{models.StatusPending, models.StatusEscalated},
		stampApprover: true,
		canReturn:     true,
	},
	models.ActionRejected: {
		newStatus:     models.StatusRejected,
		allowedFrom:   []models.TransactionStatus{models.StatusPending, models.StatusEscalated},
		stampApprover: true,
		canReturn:     false,
	},
	models.ActionEscalated: {
		newStatus:   models.StatusEscalated,
		allowedFrom: []models.TransactionStatus{models.StatusPending},
		canReturn:   false,
	},
}

func (r *PostgresTransactionRepository) Create(ctx context.Context, tx *models.Transaction) (int64, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "CreateTransaction")
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("CreateTransaction", status).Inc()
		observability.RepositoryDuration.WithLabelValues("CreateTransaction").Observe(time.Since(start).Seconds())
	}()

	if tx == nil {
		err = pkgerrors.ErrNilTransaction
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return 0, err
	}
	if tx.Amount.IsNegative() {
		err = pkgerrors.ErrNegativeAmount
		slog.Error("negative amount", "method", "Create", "amount", tx.Amount, "error", err)
		return 0, err
	}
	if tx.Status == "" {
		tx.Status = models.StatusPending
	}
	if !tx.Status.Valid() {
		err = pkgerrors.ErrInvalidStatus
		slog.Error("invalid transaction status", "method", "Create", "status", tx.Status, "error", err)
		return 0, err
	}

	span.SetAttributes(
		attribute.Int64("initiator_user_id", tx.InitiatorUserID),
		attribute.Int64("current_party_user_id", tx.CurrentPartyUserID),
		attribute.String("status", string(tx.Status)),
	)

	query := `INSERT INTO transactions (amount, event_key, initiator_user_id, current_party_user_id, status) VALUES ($1, NULLIF($2, ''), $3, $4, $5) RETURNING id, created_at`
	err = r.db.QueryRowContext(ctx, query, tx.Amount, tx.EventKey, tx.InitiatorUserID, tx.CurrentPartyUserID, tx.Status).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == "23505" {
			err = pkgerrors.ErrDuplicateEventKey
			slog.Warn("duplicate event key", "method", "Create", "event_key", tx.EventKey)
			return 0, err
		}
		slog.Error("failed to create transaction", "method", "Create", "initiator_user_id", tx.InitiatorUserID, "error", err)
		return 0, fmt.Errorf("failed to create transaction: %w", err)
	}

	slog.Info("transaction created", "method", "Create", "id", tx.ID, "initiator_user_id", tx.InitiatorUserID, "status", tx.Status)
	return tx.ID, nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, "GetTransactionByID")
	span.SetAttributes(attribute.Int64("transaction_id", id))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.RepositoryCalls.WithLabelValues("GetTransactionByID", status).Inc()
		observability.RepositoryDuration.WithLabelValues("GetTransactionByID").Observe(time.Since(start).Seconds())
	}()

	query := `SELECT id, amount, COALESCE(event_key, ''), initiator_user_id, current_party_user_id, status, approved_by_user_id, created_at FROM transactions WHERE id = $1`
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		slog.Error("transaction not found", "method", "GetByID", "transaction_id", id)
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return tx, nil
}

func (r *PostgresTransactionRepository) List(ctx context.Context) ([]models.Transaction, error) {
	query := `SELECT id, amount, COALESCE(event_key, ''), initiator_user_id, current_party_user_id, status, approved_by_user_id, created_at FROM transactions ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *PostgresTransactionRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		slog.Error("failed to delete transaction", "method", "Delete", "transaction_id", id, "error", err)
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	if affected == 0 {
		return pkgerrors.ErrTransactionNotFound
	}
	slog.Info("transaction deleted", "method", "Delete", "transaction_id", id)
	return nil
}

func (r *PostgresTransactionRepository) Approve(ctx context.Context, transactionID, userID int64) error {
	return r.transition(ctx, models.ActionApproved, transactionID, userID)
}

func (r *PostgresTransactionRepository) Reject(ctx context.Context, transactionID, userID int64) error {
	return r.transition(ctx, models.ActionRejected, transactionID, userID)
}

func (r *PostgresTransactionRepository) Escalate(ctx context.Context, transactionID, userID int64) error {
	return r.transition(ctx, models.ActionEscalated, transactionID, userID)
}

// transition commits the status change and its flow entry as one unit. The
// row lock on the transaction serializes concurrent transitions on the same
// id; the flow seq is assigned under that lock.
func (r *PostgresTransactionRepository) transition(ctx context.Context, action string, transactionID, userID int64) error {
	var err error
	tracer := otel.Tracer("transaction-repository")
	ctx, span := tracer.Start(ctx, action+"Transaction")
	span.SetAttributes(
		attribute.Int64("transaction_id", transactionID),
		attribute.Int64("user_id", userID),
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
		observability.RepositoryCalls.WithLabelValues(action+"Transaction", status).Inc()
		observability.RepositoryDuration.WithLabelValues(action + "Transaction").Observe(time.Since(start).Seconds())
	}()

	rule, ok := transitions[action]
	if !ok {
		err = pkgerrors.ErrEmptyAction
		return err
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", action, "error", err)
		return fmt.Errorf("failed to begin transaction: %w", asConflict(err))
	}

	var current models.TransactionStatus
	err = dbTx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1 FOR UPDATE`, transactionID).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		dbTx.Rollback()
		err = pkgerrors.ErrTransactionNotFound
		slog.Error("transaction not found", "method", action, "transaction_id", transactionID)
		return err
	}
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to lock transaction", "method", action, "transaction_id", transactionID, "error", err)
		return fmt.Errorf("failed to lock transaction: %w", asConflict(err))
	}

	if !allowedFrom(rule, current) {
		dbTx.Rollback()
		err = fmt.Errorf("%w: %s -> %s", pkgerrors.ErrInvalidTransition, current, rule.newStatus)
		slog.Warn("transition rejected", "method", action, "transaction_id", transactionID, "from", current, "to", rule.newStatus)
		return err
	}

	if rule.stampApprover {
		_, err = dbTx.ExecContext(ctx, `UPDATE transactions SET status = $1, approved_by_user_id = $2 WHERE id = $3`, rule.newStatus, userID, transactionID)
	} else {
		_, err = dbTx.ExecContext(ctx, `UPDATE transactions SET status = $1 WHERE id = $2`, rule.newStatus, transactionID)
	}
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to update status", "method", action, "transaction_id", transactionID, "error", err)
		return fmt.Errorf("failed to update status: %w", asConflict(err))
	}

	remark := fmt.Sprintf("%s by user %d", action, userID)
	insertFlow := `INSERT INTO transaction_flows (transaction_id, seq, from_user_id, action, remark, can_return, action_date) VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transaction_flows WHERE transaction_id = $1), $2, $3, $4, $5, NOW())`
	_, err = dbTx.ExecContext(ctx, insertFlow, transactionID, userID, action, remark, rule.canReturn)
	if err != nil {
		if rbErr := dbTx.Rollback(); rbErr != nil {
			err = fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
			slog.Error("rollback failed", "method", action, "error", rbErr)
		} else {
			slog.Error("failed to append flow", "method", action, "transaction_id", transactionID, "error", err)
		}
		return fmt.Errorf("failed to append flow: %w", asConflict(err))
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transition", "method", action, "transaction_id", transactionID, "error", err)
		return fmt.Errorf("failed to commit transition: %w", asConflict(err))
	}

	observability.WorkflowTransitions.WithLabelValues(action).Inc()
	slog.Info("transition committed", "method", action, "transaction_id", transactionID, "user_id", userID, "status", rule.newStatus)
	return nil
}

// AppendFlow writes a manual flow record. The row lock on the transaction
// serializes seq assignment with concurrent appends and transitions, so seq
// stays unique per transaction.
func (r *PostgresTransactionRepository) AppendFlow(ctx context.Context, flow *models.TransactionFlow) error {
	if flow == nil {
		return pkgerrors.ErrNilFlow
	}
	if flow.Action == "" {
		return pkgerrors.ErrEmptyAction
	}

	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "AppendFlow", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", asConflict(err))
	}

	var current models.TransactionStatus
	err = dbTx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1 FOR UPDATE`, flow.TransactionID).Scan(&current)
	if stderrors.Is(err, sql.ErrNoRows) {
		dbTx.Rollback()
		slog.Error("transaction not found", "method", "AppendFlow", "transaction_id", flow.TransactionID)
		return pkgerrors.ErrTransactionNotFound
	}
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to lock transaction", "method", "AppendFlow", "transaction_id", flow.TransactionID, "error", err)
		return fmt.Errorf("failed to lock transaction: %w", asConflict(err))
	}

	query := `INSERT INTO transaction_flows (transaction_id, seq, from_user_id, to_user_id, action, remark, can_return, action_date) VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM transaction_flows WHERE transaction_id = $1), $2, $3, $4, $5, $6, NOW()) RETURNING id, seq, action_date`
	var toUser sql.NullInt64
	if flow.ToUserID != nil {
		toUser = sql.NullInt64{Int64: *flow.ToUserID, Valid: true}
	}
	err = dbTx.QueryRowContext(ctx, query, flow.TransactionID, flow.FromUserID, toUser, flow.Action, flow.Remark, flow.CanReturn).Scan(&flow.ID, &flow.Seq, &flow.ActionDate)
	if err != nil {
		dbTx.Rollback()
		slog.Error("failed to append flow", "method", "AppendFlow", "transaction_id", flow.TransactionID, "error", err)
		return fmt.Errorf("failed to append flow: %w", asConflict(err))
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit flow append", "method", "AppendFlow", "transaction_id", flow.TransactionID, "error", err)
		return fmt.Errorf("failed to commit flow append: %w", asConflict(err))
	}
	return nil
}

func (r *PostgresTransactionRepository) FlowHistory(ctx context.Context, transactionID int64) ([]models.TransactionFlow, error) {
	query := `SELECT tf.id, tf.transaction_id, tf.seq, tf.from_user_id, tf.to_user_id, tf.action, tf.remark, tf.can_return, tf.action_date, fu.username, COALESCE(tu.username, '') FROM transaction_flows tf JOIN users fu ON fu.id = tf.from_user_id LEFT JOIN users tu ON tu.id = tf.to_user_id WHERE tf.transaction_id = $1 ORDER BY tf.seq`
	rows, err := r.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		slog.Error("failed to get flow history", "method", "FlowHistory", "transaction_id", transactionID, "error", err)
		return nil, fmt.Errorf("failed to get flow history: %w", err)
	}
	defer rows.Close()

	var flows []models.TransactionFlow
	for rows.Next() {
		var f models.TransactionFlow
		var toUser sql.NullInt64
		if err := rows.Scan(&f.ID, &f.TransactionID, &f.Seq, &f.FromUserID, &toUser, &f.Action, &f.Remark, &f.CanReturn, &f.ActionDate, &f.FromUsername, &f.ToUsername); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		if toUser.Valid {
			f.ToUserID = &toUser.Int64
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read flows: %w", err)
	}
	return flows, nil
}

func (r *PostgresTransactionRepository) ListEscalated(ctx context.Context) ([]models.Transaction, error) {
	query := `SELECT id, amount, COALESCE(event_key, ''), initiator_user_id, current_party_user_id, status, approved_by_user_id, created_at FROM transactions WHERE status = $1 ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, models.StatusEscalated)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalated transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *PostgresTransactionRepository) ListForUser(ctx context.Context, userID int64) ([]models.Transaction, error) {
	query := `SELECT t.id, t.amount, COALESCE(t.event_key, ''), t.initiator_user_id, t.current_party_user_id, t.status, t.approved_by_user_id, t.created_at FROM transactions t WHERE t.initiator_user_id = $1 OR t.current_party_user_id = $1 OR EXISTS (SELECT 1 FROM transaction_flows tf WHERE tf.transaction_id = t.id AND (tf.from_user_id = $1 OR tf.to_user_id = $1)) ORDER BY t.id`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		slog.Error("failed to list user transactions", "method", "ListForUser", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to list user transactions: %w", err)
	}
	defer rows.Close()
	return collectTransactions(rows)
}

func (r *PostgresTransactionRepository) CountFlagged(ctx context.Context) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM transactions WHERE status IS NOT NULL AND status <> ''`
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count flagged transactions: %w", err)
	}
	return count, nil
}

func (r *PostgresTransactionRepository) CountHighValue(ctx context.Context, threshold decimal.Decimal) (int64, error) {
	var count int64
	// Strictly greater: an amount equal to the threshold does not count.
	query := `SELECT COUNT(*) FROM transactions WHERE amount > $1`
	if err := r.db.QueryRowContext(ctx, query, threshold).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count high value transactions: %w", err)
	}
	return count, nil
}

func (r *PostgresTransactionRepository) ExistingEventKeys(ctx context.Context, eventKeys []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(eventKeys) == 0 {
		return existing, nil
	}

	query := `SELECT event_key FROM transactions WHERE event_key IS NOT NULL AND event_key <> '' AND event_key = ANY($1)`
	rows, err := r.db.QueryContext(ctx, query, pq.Array(eventKeys))
	if err != nil {
		slog.Error("failed to get existing event keys", "method", "ExistingEventKeys", "error", err)
		return nil, fmt.Errorf("failed to get existing event keys: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan event key: %w", err)
		}
		existing[key] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event keys: %w", err)
	}
	return existing, nil
}

func allowedFrom(rule transitionRule, current models.TransactionStatus) bool {
	for _, s := range rule.allowedFrom {
		if s == current {
			return true
		}
	}
	return false
}

// asConflict maps Postgres serialization and lock failures to the retryable
// conflict sentinel; everything else passes through.
func asConflict(err error) error {
	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return pkgerrors.ErrTransitionConflict
		}
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var tx models.Transaction
	var approvedBy sql.NullInt64
	err := row.Scan(&tx.ID, &tx.Amount, &tx.EventKey, &tx.InitiatorUserID, &tx.CurrentPartyUserID, &tx.Status, &approvedBy, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	if approvedBy.Valid {
		tx.ApprovedByUserID = &approvedBy.Int64
	}
	return &tx, nil
}

func collectTransactions(rows *sql.Rows) ([]models.Transaction, error) {
	var txs []models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, *tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return txs, nil
}
