package kafka

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/almasraf/blocking-service/internal/models"
	"github.com/almasraf/blocking-service/internal/repository"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
)

// Consumer ingests transaction-creation events from upstream sources.
// Records carrying an event key that is already stored are skipped, so a
// replayed batch never creates duplicates.
type Consumer struct {
	reader          *kafka.Reader
	transactionRepo repository.TransactionRepository
}

func NewConsumer(brokers []string, topic, groupID string, transactionRepo repository.TransactionRepository) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		transactionRepo: transactionRepo,
	}
}

type creationEvent struct {
	EventKey           string          `json:"event_key"`
	Amount             decimal.Decimal `json:"amount"`
	InitiatorUserID    int64           `json:"initiator_user_id"`
	CurrentPartyUserID int64           `json:"current_party_user_id"`
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		slog.Info("Kafka message received", "topic", msg.Topic, "key", string(msg.Key))

		var event creationEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			slog.Error("failed to unmarshal creation event", "error", err)
			continue
		}

		if event.EventKey != "" {
			existing, err := c.transactionRepo.ExistingEventKeys(ctx, []string{event.EventKey})
			if err != nil {
				slog.Error("failed to check event key", "event_key", event.EventKey, "error", err)
				continue
			}
			if _, ok := existing[event.EventKey]; ok {
				slog.Info("duplicate creation event skipped", "event_key", event.EventKey)
				continue
			}
		}

		tx := &models.Transaction{
			Amount:             event.Amount,
			EventKey:           event.EventKey,
			InitiatorUserID:    event.InitiatorUserID,
			CurrentPartyUserID: event.CurrentPartyUserID,
			Status:             models.StatusPending,
		}
		if _, err := c.transactionRepo.Create(ctx, tx); err != nil {
			slog.Error("failed to create transaction from event", "event_key", event.EventKey, "error", err)
			continue
		}

		slog.Info("transaction ingested", "transaction_id", tx.ID, "event_key", event.EventKey)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
