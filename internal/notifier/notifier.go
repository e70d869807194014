// Package notifier publishes a confirmation for every settled transfer. It is
// a side channel: publish failures are logged and never retried.
package notifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/events"
	"github.com/openbuilders/payout-orchestrator/internal/metrics"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const PatternTransferConfirmation = "transfer-confirmation"

type Config struct {
	Queue          string
	PublishTimeout time.Duration
}

type Publisher interface {
	Publish(ctx context.Context, queueName string, message []byte) error
}

type TransferConfirmation struct {
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reference string          `json:"reference"`
	JobID     uuid.UUID       `json:"job_id"`
	BatchID   uuid.UUID       `json:"batch_id"`
}

type Notification struct {
	Pattern string               `json:"pattern"`
	Data    TransferConfirmation `json:"data"`
}

type Notifier struct {
	config    *Config
	publisher Publisher
	log       *slog.Logger
}

func New(config *Config, publisher Publisher) *Notifier {
	return &Notifier{
		config:    config,
		publisher: publisher,
		log:       slog.With("component", "notifier"),
	}
}

// Handle consumes success events from the event bus.
func (n *Notifier) Handle(ctx context.Context, event events.Event) {
	if event.Kind != events.JobSucceeded {
		return
	}

	amount := event.Outcome.SettledAmount
	if amount.IsZero() {
		amount = event.Job.Amount
	}

	payload := Notification{
		Pattern: PatternTransferConfirmation,
		Data: TransferConfirmation{
			Recipient: event.Job.Beneficiary.HolderName,
			Amount:    amount,
			Currency:  event.Job.Currency,
			Reference: event.Outcome.Reference,
			JobID:     event.Job.ID,
			BatchID:   event.Job.BatchID,
		},
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		n.log.Error("error marshaling JSON", "payload", payload, "error", err)
		metrics.ConfirmationsPublished.WithLabelValues("error").Inc()
		return
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, n.config.PublishTimeout)
	defer cancel()

	err = n.publisher.Publish(ctxWithTimeout, n.config.Queue, jsonData)
	if err != nil {
		n.log.Error("couldn't publish transfer confirmation",
			"job", event.Job.ID,
			"reference", event.Outcome.Reference,
			"error", err,
		)
		metrics.ConfirmationsPublished.WithLabelValues("error").Inc()
		return
	}

	metrics.ConfirmationsPublished.WithLabelValues("ok").Inc()
	n.log.Debug("Sent transfer confirmation", "job", event.Job.ID)
}
