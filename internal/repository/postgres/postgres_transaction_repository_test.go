package repository_test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/almasraf/blocking-service/internal/models"
	repository "github.com/almasraf/blocking-service/internal/repository/postgres"
	pkgerrors "github.com/almasraf/blocking-service/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

const selectForUpdate = `SELECT status FROM transactions WHERE id = $1 FOR UPDATE`

func TestPostgresTransactionRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("NilTransaction", func(t *testing.T) {
		id, err := repo.Create(ctx, nil)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrNilTransaction)
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		tx := &models.Transaction{
			Amount:             decimal.NewFromInt(-1),
			InitiatorUserID:    1,
			CurrentPartyUserID: 2,
		}
		id, err := repo.Create(ctx, tx)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrNegativeAmount)
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		tx := &models.Transaction{
			Amount:             decimal.NewFromInt(100),
			InitiatorUserID:    1,
			CurrentPartyUserID: 2,
			Status:             "Closed",
		}
		id, err := repo.Create(ctx, tx)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidStatus)
	})

	t.Run("SuccessDefaultsToPending", func(t *testing.T) {
		tx := &models.Transaction{
			Amount:             decimal.NewFromInt(100),
			EventKey:           "K1",
			InitiatorUserID:    1,
			CurrentPartyUserID: 2,
		}
		createdAt := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transactions (amount, event_key, initiator_user_id, current_party_user_id, status) VALUES ($1, NULLIF($2, ''), $3, $4, $5) RETURNING id, created_at`)).
			WithArgs(tx.Amount, "K1", int64(1), int64(2), models.StatusPending).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), createdAt))

		id, err := repo.Create(ctx, tx)
		assert.NoError(t, err)
		assert.Equal(t, int64(7), id)
		assert.Equal(t, models.StatusPending, tx.Status)
		assert.WithinDuration(t, createdAt, tx.CreatedAt, time.Second)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicateEventKey", func(t *testing.T) {
		tx := &models.Transaction{
			Amount:             decimal.NewFromInt(100),
			EventKey:           "K1",
			InitiatorUserID:    1,
			CurrentPartyUserID: 2,
		}
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transactions`)).
			WithArgs(tx.Amount, "K1", int64(1), int64(2), models.StatusPending).
			WillReturnError(&pq.Error{Code: "23505"})

		id, err := repo.Create(ctx, tx)
		assert.Equal(t, int64(0), id)
		assert.ErrorIs(t, err, pkgerrors.ErrDuplicateEventKey)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_Approve(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("FromPending", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusPending)))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1, approved_by_user_id = $2 WHERE id = $3`)).
			WithArgs(models.StatusApproved, int64(9), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transaction_flows`)).
			WithArgs(int64(1), int64(9), models.ActionApproved, "Approved by user 9", true).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := repo.Approve(ctx, 1, 9)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FromEscalated", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusEscalated)))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1, approved_by_user_id = $2 WHERE id = $3`)).
			WithArgs(models.StatusApproved, int64(9), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transaction_flows`)).
			WithArgs(int64(1), int64(9), models.ActionApproved, "Approved by user 9", true).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := repo.Approve(ctx, 1, 9)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FromRejectedNotAllowed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusRejected)))
		mock.ExpectRollback()

		err := repo.Approve(ctx, 1, 9)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(404)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		err := repo.Approve(ctx, 404, 9)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("LockConflict", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(1)).
			WillReturnError(&pq.Error{Code: "55P03"})
		mock.ExpectRollback()

		err := repo.Approve(ctx, 1, 9)
		assert.ErrorIs(t, err, pkgerrors.ErrTransitionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FlowInsertFailureRollsBack", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusPending)))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1, approved_by_user_id = $2 WHERE id = $3`)).
			WithArgs(models.StatusApproved, int64(9), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transaction_flows`)).
			WithArgs(int64(1), int64(9), models.ActionApproved, "Approved by user 9", true).
			WillReturnError(fmt.Errorf("database error"))
		mock.ExpectRollback()

		err := repo.Approve(ctx, 1, 9)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to append flow")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CommitError", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusPending)))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1, approved_by_user_id = $2 WHERE id = $3`)).
			WithArgs(models.StatusApproved, int64(9), int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transaction_flows`)).
			WithArgs(int64(1), int64(9), models.ActionApproved, "Approved by user 9", true).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit().WillReturnError(fmt.Errorf("commit error"))

		err := repo.Approve(ctx, 1, 9)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to commit transition")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_Reject(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	// Reject stamps the rejecting user into approved_by_user_id and writes
	// a non-returnable flow entry.
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusPending)))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1, approved_by_user_id = $2 WHERE id = $3`)).
		WithArgs(models.StatusRejected, int64(5), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transaction_flows`)).
		WithArgs(int64(3), int64(5), models.ActionRejected, "Rejected by user 5", false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err = repo.Reject(ctx, 3, 5)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransactionRepository_Escalate(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("FromPending", func(t *testing.T) {
		// Escalate never touches approved_by_user_id.
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusPending)))
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1 WHERE id = $2`)).
			WithArgs(models.StatusEscalated, int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO transaction_flows`)).
			WithArgs(int64(2), int64(7), models.ActionEscalated, "Escalated by user 7", false).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		err := repo.Escalate(ctx, 2, 7)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FromEscalatedNotAllowed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(2)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusEscalated)))
		mock.ExpectRollback()

		err := repo.Escalate(ctx, 2, 7)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_Queries(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	txColumns := []string{"id", "amount", "event_key", "initiator_user_id", "current_party_user_id", "status", "approved_by_user_id", "created_at"}

	t.Run("ListEscalated", func(t *testing.T) {
		createdAt := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE status = $1`)).
			WithArgs(models.StatusEscalated).
			WillReturnRows(sqlmock.NewRows(txColumns).
				AddRow(int64(1), "15000", "K1", int64(1), int64(2), string(models.StatusEscalated), nil, createdAt))

		txs, err := repo.ListEscalated(ctx)
		assert.NoError(t, err)
		assert.Len(t, txs, 1)
		assert.Equal(t, models.StatusEscalated, txs[0].Status)
		assert.Nil(t, txs[0].ApprovedByUserID)
		assert.True(t, txs[0].Amount.Equal(decimal.NewFromInt(15000)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CountFlagged", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM transactions WHERE status IS NOT NULL AND status <> ''`)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

		count, err := repo.CountFlagged(ctx)
		assert.NoError(t, err)
		assert.Equal(t, int64(4), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CountHighValue", func(t *testing.T) {
		threshold := decimal.NewFromInt(10000)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM transactions WHERE amount > $1`)).
			WithArgs(threshold).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))

		count, err := repo.CountHighValue(ctx, threshold)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ListForUser", func(t *testing.T) {
		createdAt := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`OR EXISTS (SELECT 1 FROM transaction_flows tf WHERE tf.transaction_id = t.id AND (tf.from_user_id = $1 OR tf.to_user_id = $1))`)).
			WithArgs(int64(8)).
			WillReturnRows(sqlmock.NewRows(txColumns).
				AddRow(int64(4), "250.50", "", int64(1), int64(2), string(models.StatusApproved), int64(8), createdAt))

		txs, err := repo.ListForUser(ctx, 8)
		assert.NoError(t, err)
		assert.Len(t, txs, 1)
		assert.Equal(t, int64(4), txs[0].ID)
		if assert.NotNil(t, txs[0].ApprovedByUserID) {
			assert.Equal(t, int64(8), *txs[0].ApprovedByUserID)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ExistingEventKeysEmptyInput", func(t *testing.T) {
		existing, err := repo.ExistingEventKeys(ctx, nil)
		assert.NoError(t, err)
		assert.Empty(t, existing)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("ExistingEventKeysSubset", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT event_key FROM transactions WHERE event_key IS NOT NULL AND event_key <> '' AND event_key = ANY($1)`)).
			WithArgs(pq.Array([]string{"K1", "K2"})).
			WillReturnRows(sqlmock.NewRows([]string{"event_key"}).AddRow("K1"))

		existing, err := repo.ExistingEventKeys(ctx, []string{"K1", "K2"})
		assert.NoError(t, err)
		assert.Equal(t, map[string]struct{}{"K1": {}}, existing)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FlowHistoryOrderedBySeq", func(t *testing.T) {
		actionDate := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transaction_flows tf JOIN users fu ON fu.id = tf.from_user_id LEFT JOIN users tu ON tu.id = tf.to_user_id WHERE tf.transaction_id = $1 ORDER BY tf.seq`)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "transaction_id", "seq", "from_user_id", "to_user_id", "action", "remark", "can_return", "action_date", "from_username", "to_username"}).
				AddRow(int64(10), int64(1), int32(1), int64(7), nil, models.ActionEscalated, "Escalated by user 7", false, actionDate, "maker", "").
				AddRow(int64(11), int64(1), int32(2), int64(9), int64(7), models.ActionApproved, "Approved by user 9", true, actionDate, "checker", "maker"))

		flows, err := repo.FlowHistory(ctx, 1)
		assert.NoError(t, err)
		assert.Len(t, flows, 2)
		assert.Equal(t, int32(1), flows[0].Seq)
		assert.Equal(t, models.ActionEscalated, flows[0].Action)
		assert.False(t, flows[0].CanReturn)
		assert.Nil(t, flows[0].ToUserID)
		assert.Equal(t, int32(2), flows[1].Seq)
		assert.Equal(t, models.ActionApproved, flows[1].Action)
		assert.True(t, flows[1].CanReturn)
		if assert.NotNil(t, flows[1].ToUserID) {
			assert.Equal(t, int64(7), *flows[1].ToUserID)
		}
		assert.Equal(t, "checker", flows[1].FromUsername)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DeleteNotFound", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM transactions WHERE id = $1`)).
			WithArgs(int64(404)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.Delete(ctx, 404)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_AppendFlow(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("SeqAssignedUnderRowLock", func(t *testing.T) {
		// The insert runs inside a transaction that locks the parent row
		// first, the same way status transitions do, so two concurrent
		// appends cannot read the same MAX(seq).
		actionDate := time.Now().UTC()
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(models.StatusPending)))
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transaction_flows`)).
			WithArgs(int64(1), int64(9), int64(4), "Routed", "handed to checker", true).
			WillReturnRows(sqlmock.NewRows([]string{"id", "seq", "action_date"}).AddRow(int64(10), int32(3), actionDate))
		mock.ExpectCommit()

		toUser := int64(4)
		flow := &models.TransactionFlow{TransactionID: 1, FromUserID: 9, ToUserID: &toUser, Action: "Routed", Remark: "handed to checker", CanReturn: true}
		err := repo.AppendFlow(ctx, flow)
		assert.NoError(t, err)
		assert.Equal(t, int64(10), flow.ID)
		assert.Equal(t, int32(3), flow.Seq)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(404)).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		err := repo.AppendFlow(ctx, &models.TransactionFlow{TransactionID: 404, FromUserID: 9, Action: "Routed"})
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("LockConflict", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectForUpdate)).
			WithArgs(int64(1)).
			WillReturnError(&pq.Error{Code: "55P03"})
		mock.ExpectRollback()

		err := repo.AppendFlow(ctx, &models.TransactionFlow{TransactionID: 1, FromUserID: 9, Action: "Routed"})
		assert.ErrorIs(t, err, pkgerrors.ErrTransitionConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()
	repo := repository.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE id = $1`)).
			WithArgs(int64(404)).
			WillReturnError(sql.ErrNoRows)

		tx, err := repo.GetByID(ctx, 404)
		assert.Nil(t, tx)
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Success", func(t *testing.T) {
		createdAt := time.Now().UTC()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE id = $1`)).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "amount", "event_key", "initiator_user_id", "current_party_user_id", "status", "approved_by_user_id", "created_at"}).
				AddRow(int64(1), "99.99", "K9", int64(1), int64(2), string(models.StatusPending), nil, createdAt))

		tx, err := repo.GetByID(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), tx.ID)
		assert.Equal(t, "K9", tx.EventKey)
		assert.Equal(t, models.StatusPending, tx.Status)
		assert.True(t, tx.Amount.Equal(decimal.RequireFromString("99.99")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
