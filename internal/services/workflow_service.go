package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/almasraf/blocking-service/internal/infrastructure/kafka"
	"github.com/almasraf/blocking-service/internal/models"
	"github.com/almasraf/blocking-service/internal/repository"
	pkgerrors "github.com/almasraf/blocking-service/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// HighValueThreshold is the reporting cutoff; only amounts strictly above it
// count as high value.
var HighValueThreshold = decimal.NewFromInt(10000)

const flowTopic = "transaction-flows"

// WorkflowService is the transaction lifecycle engine. It does not check
// permissions itself; the transport boundary authorizes the caller before any
// transition is invoked.
type WorkflowService interface {
	Approve(ctx context.Context, transactionID, userID int64) error
	Reject(ctx context.Context, transactionID, userID int64) error
	Escalate(ctx context.Context, transactionID, userID int64) error
	Delete(ctx context.Context, transactionID int64) error

	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	ListTransactions(ctx context.Context) ([]models.Transaction, error)
	AppendFlow(ctx context.Context, flow *models.TransactionFlow) error
	FlowHistory(ctx context.Context, transactionID int64) ([]models.TransactionFlow, error)
	ListEscalated(ctx context.Context) ([]models.Transaction, error)
	ListForUser(ctx context.Context, userID int64) ([]models.Transaction, error)
	Stats(ctx context.Context) (*WorkflowStats, error)

	IngestBatch(ctx context.Context, records []IngestRecord) (created, skipped int, err error)
}

type WorkflowStats struct {
	Flagged   int64 `json:"flagged"`
	HighValue int64 `json:"high_value"`
}

// IngestRecord is one upstream transaction-creation request. EventKey, when
// present, deduplicates replays of the same record.
type IngestRecord struct {
	EventKey           string          `json:"event_key,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	InitiatorUserID    int64           `json:"initiator_user_id"`
	CurrentPartyUserID int64           `json:"current_party_user_id"`
}

type workflowService struct {
	transactionRepo repository.TransactionRepository
	kafkaProducer   kafka.KafkaProducer
}

func NewWorkflowService(transactionRepo repository.TransactionRepository, kafkaProducer kafka.KafkaProducer) *workflowService {
	return &workflowService{
		transactionRepo: transactionRepo,
		kafkaProducer:   kafkaProducer,
	}
}

func (s *workflowService) Approve(ctx context.Context, transactionID, userID int64) error {
	return s.transition(ctx, models.ActionApproved, transactionID, userID, s.transactionRepo.Approve)
}

func (s *workflowService) Reject(ctx context.Context, transactionID, userID int64) error {
	return s.transition(ctx, models.ActionRejected, transactionID, userID, s.transactionRepo.Reject)
}

func (s *workflowService) Escalate(ctx context.Context, transactionID, userID int64) error {
	return s.transition(ctx, models.ActionEscalated, transactionID, userID, s.transactionRepo.Escalate)
}

func (s *workflowService) transition(ctx context.Context, action string, transactionID, userID int64, apply func(context.Context, int64, int64) error) error {
	tracer := otel.Tracer("workflow-service")
	ctx, span := tracer.Start(ctx, action)
	defer span.End()

	if err := apply(ctx, transactionID, userID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		slog.Error("transition failed", "action", action, "transaction_id", transactionID, "user_id", userID, "error", err)
		return err
	}

	event := map[string]interface{}{
		"event_type":     "transaction_flow",
		"transaction_id": transactionID,
		"action":         action,
		"from_user_id":   userID,
		"action_date":    time.Now().UTC().Format(time.RFC3339),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		slog.Error("failed to marshal flow event", "transaction_id", transactionID, "error", err)
	} else {
		go func() {
			retries := 3
			for i := 0; i < retries; i++ {
				if err := s.kafkaProducer.Send(context.Background(), flowTopic, fmt.Sprintf("%d", transactionID), eventBytes); err == nil {
					return
				}
				time.Sleep(time.Second * time.Duration(i+1))
			}
			slog.Error("failed to send flow event after retries", "transaction_id", transactionID, "action", action)
		}()
	}

	slog.Info("transition applied", "action", action, "transaction_id", transactionID, "user_id", userID)
	return nil
}

func (s *workflowService) Delete(ctx context.Context, transactionID int64) error {
	tracer := otel.Tracer("workflow-service")
	ctx, span := tracer.Start(ctx, "DeleteTransaction")
	defer span.End()

	if err := s.transactionRepo.Delete(ctx, transactionID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return err
	}
	return nil
}

func (s *workflowService) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return s.transactionRepo.GetByID(ctx, id)
}

func (s *workflowService) ListTransactions(ctx context.Context) ([]models.Transaction, error) {
	return s.transactionRepo.List(ctx)
}

// AppendFlow records a routing step (for example handing the case to another
// party) without changing the transaction's status.
func (s *workflowService) AppendFlow(ctx context.Context, flow *models.TransactionFlow) error {
	tracer := otel.Tracer("workflow-service")
	ctx, span := tracer.Start(ctx, "AppendFlow")
	defer span.End()

	if flow == nil {
		return pkgerrors.ErrNilFlow
	}
	if flow.Action == "" {
		return pkgerrors.ErrEmptyAction
	}
	if _, err := s.transactionRepo.GetByID(ctx, flow.TransactionID); err != nil {
		span.RecordError(err)
		return err
	}
	return s.transactionRepo.AppendFlow(ctx, flow)
}

func (s *workflowService) FlowHistory(ctx context.Context, transactionID int64) ([]models.TransactionFlow, error) {
	// A history read for an unknown transaction is a NotFound, not an empty
	// timeline.
	if _, err := s.transactionRepo.GetByID(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.transactionRepo.FlowHistory(ctx, transactionID)
}

func (s *workflowService) ListEscalated(ctx context.Context) ([]models.Transaction, error) {
	return s.transactionRepo.ListEscalated(ctx)
}

func (s *workflowService) ListForUser(ctx context.Context, userID int64) ([]models.Transaction, error) {
	return s.transactionRepo.ListForUser(ctx, userID)
}

func (s *workflowService) Stats(ctx context.Context) (*WorkflowStats, error) {
	tracer := otel.Tracer("workflow-service")
	ctx, span := tracer.Start(ctx, "Stats")
	defer span.End()

	flagged, err := s.transactionRepo.CountFlagged(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	highValue, err := s.transactionRepo.CountHighValue(ctx, HighValueThreshold)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return &WorkflowStats{Flagged: flagged, HighValue: highValue}, nil
}

// IngestBatch creates transactions for records whose event key is not already
// stored. Keyless records are always created.
func (s *workflowService) IngestBatch(ctx context.Context, records []IngestRecord) (created, skipped int, err error) {
	tracer := otel.Tracer("workflow-service")
	ctx, span := tracer.Start(ctx, "IngestBatch")
	defer span.End()

	keys := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.EventKey != "" {
			keys = append(keys, rec.EventKey)
		}
	}

	existing := map[string]struct{}{}
	if len(keys) > 0 {
		existing, err = s.transactionRepo.ExistingEventKeys(ctx, keys)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "event key lookup failed")
			return 0, 0, err
		}
	}

	for _, rec := range records {
		if rec.EventKey != "" {
			if _, ok := existing[rec.EventKey]; ok {
				skipped++
				continue
			}
		}
		tx := &models.Transaction{
			Amount:             rec.Amount,
			EventKey:           rec.EventKey,
			InitiatorUserID:    rec.InitiatorUserID,
			CurrentPartyUserID: rec.CurrentPartyUserID,
			Status:             models.StatusPending,
		}
		if _, err = s.transactionRepo.Create(ctx, tx); err != nil {
			// A duplicate at create time means the key landed between the
			// pre-check and the insert. Same outcome as the pre-check: skip.
			if stderrors.Is(err, pkgerrors.ErrDuplicateEventKey) {
				skipped++
				err = nil
				continue
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "ingest create failed")
			return created, skipped, err
		}
		created++
		if rec.EventKey != "" {
			existing[rec.EventKey] = struct{}{}
		}
	}

	slog.Info("batch ingested", "created", created, "skipped", skipped)
	return created, skipped, nil
}
