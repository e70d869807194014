// Package batcher accepts batch definitions published to the intake queue
// and hands them to the scheduler.
package batcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/errors"
	"github.com/openbuilders/payout-orchestrator/internal/queue"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

type Config struct {
	Queue     string
	Prefetch  int
	DBTimeout time.Duration
}

type Submitter interface {
	Submit(context.Context, types.BatchDefinition) (uuid.UUID, error)
}

type Batcher struct {
	config    *Config
	submitter Submitter
	channel   *amqp.Channel
	log       *slog.Logger
	reconnect bool
}

func New(config *Config, submitter Submitter) *Batcher {
	return &Batcher{
		config:    config,
		submitter: submitter,
		log:       slog.With("component", "batcher"),
	}
}

// Run consumes the intake queue over conn until ctx is done or the channel
// closes. It matches queue.WorkerFunc so the queue manager restarts it on
// every reconnect.
func (b *Batcher) Run(ctx context.Context, conn *amqp.Connection) error {
	b.log.Info("Starting batcher", "queue", b.config.Queue)

	ch, err := queue.EnsureQueueExists(conn, b.config.Queue)
	if err != nil {
		return err
	}
	// we'll open a new channel for the consumer anyway
	ch.Close()

	messages, err := b.restartConsumer(conn)
	if err != nil {
		return err
	}
	defer func() {
		if b.channel != nil && !b.channel.IsClosed() {
			b.channel.Close()
		}
	}()

	for {
		if b.reconnect {
			b.log.Debug("Reconnection is needed")

			messages, err = b.restartConsumer(conn)
			if err != nil {
				return err
			}

			b.reconnect = false
		}

		select {
		case <-ctx.Done():
			b.log.Info("Stopping batcher...")
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return fmt.Errorf("intake queue is closed")
			}

			_ = b.handleMessage(ctx, msg)
		}
	}
}

func (b *Batcher) restartConsumer(conn *amqp.Connection) (
	<-chan amqp.Delivery, error) {

	if b.channel != nil && !b.channel.IsClosed() {
		b.channel.Close()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	err = ch.Qos(b.config.Prefetch, 0, false)
	if err != nil {
		ch.Close()
		return nil, err
	}

	b.channel = ch

	return ch.Consume(
		b.config.Queue, // queue
		"batcher",      // consumer
		false,          // autoAck
		false,          // exclusive
		false,          // noLocal
		false,          // no wait
		nil,            // args
	)
}

// handleMessage submits one batch definition. Rejected and duplicate
// batches are acked; only infrastructure failures are requeued.
func (b *Batcher) handleMessage(ctx context.Context, message amqp.Delivery) (
	err error) {

	defer func() {
		if err != nil {
			// an unacked delivery stays in limbo and eats the prefetch window
			// until the channel is reopened
			b.reconnect = true
		}
	}()

	var batch types.BatchDefinition

	err = json.Unmarshal(message.Body, &batch)
	if err != nil {
		b.log.Error("batch unmarshalling error",
			"body", string(message.Body),
			"error", err,
		)

		return message.Reject(false)
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, b.config.DBTimeout)
	defer cancel()

	batchID, err := b.submitter.Submit(ctxWithTimeout, batch)
	switch {
	case err == nil:
		b.log.Debug("Batch submitted from the intake queue", "batch", batchID)
	case errors.IsCode(err, errors.CodeValidation):
		b.log.Warn("batch rejected", "batch", batch.ID, "error", err)
	case errors.IsCode(err, errors.CodeInvalidState):
		b.log.Info("duplicate batch, skipping", "batch", batch.ID)
	default:
		b.log.Error("couldn't submit batch, requeueing",
			"batch", batch.ID, "error", err)

		return message.Nack(false, true)
	}

	err = message.Ack(false)
	if err != nil {
		b.log.Error("Message ack error",
			"message", string(message.Body),
			"error", err,
		)

		return err
	}

	return nil
}
