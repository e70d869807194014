// Package queue keeps a RabbitMQ connection alive and shares it between the
// batch intake consumer and the confirmation publisher.
package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var ErrNotConnected = stderrors.New("rabbit mq connection is not open")

// WorkerFunc is started on every new connection. Its context is cancelled
// when the connection drops.
type WorkerFunc func(context.Context, *amqp.Connection) error

type Config struct {
	URL               string
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
}

type Queue struct {
	config  *Config
	conn    *amqp.Connection
	workers []WorkerFunc
	cancel  context.CancelFunc
	mu      sync.Mutex
	log     *slog.Logger
}

func New(config *Config) *Queue {
	return &Queue{
		config: config,
		log:    slog.With("component", "queue"),
	}
}

// Start connects and reconnects until ctx is done.
func (q *Queue) Start(ctx context.Context) error {
	q.log.Info("Starting the queue manager")
	defer q.log.Info("Stopping the queue manager")

	return q.reconnectLoop(ctx)
}

// RegisterWorker stores a worker that will be invoked every time the
// connection is (re)created.
func (q *Queue) RegisterWorker(w WorkerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.workers = append(q.workers, w)
}

func (q *Queue) reconnectLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		q.log.Info("Connecting to Rabbit MQ...")

		connErrors, err := q.connect(ctx)
		if err != nil {
			q.log.Error("connection to Rabbit MQ failed", "error", err)

			if !sleep(ctx, q.config.ReconnectInterval) {
				return ctx.Err()
			}
			continue
		}

		q.log.Info("Connected to Rabbit MQ")

		select {
		case <-ctx.Done():
			q.cleanup()
			return ctx.Err()
		case err := <-connErrors:
			q.log.Error("rabbit mq connection closed", "error", err)
		}

		q.cleanup()

		if !sleep(ctx, q.config.ReconnectInterval) {
			return ctx.Err()
		}
	}
}

func (q *Queue) connect(ctx context.Context) (<-chan *amqp.Error, error) {
	conn, err := amqp.DialConfig(q.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(q.config.ConnectTimeout),
	})
	if err != nil {
		return nil, err
	}

	connErrors := conn.NotifyClose(make(chan *amqp.Error, 1))

	ctxWithCancel, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.conn = conn
	q.cancel = cancel
	workers := append([]WorkerFunc{}, q.workers...)
	q.mu.Unlock()

	for _, w := range workers {
		w := w
		go func() {
			err := w(ctxWithCancel, conn)
			if err != nil && ctxWithCancel.Err() == nil {
				q.log.Error("queue worker exited", "error", err)
			}
		}()
	}

	return connErrors, nil
}

// cleanup stops the workers of the current connection and closes it.
func (q *Queue) cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}

	if q.conn != nil {
		if !q.conn.IsClosed() {
			_ = q.conn.Close()
		}
		q.conn = nil
	}
}

// Publish sends message to the named queue through the default exchange.
func (q *Queue) Publish(ctx context.Context, queueName string, message []byte) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return ErrNotConnected
	}

	ch, err := EnsureQueueExists(conn, queueName)
	if err != nil {
		return err
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx,
		"",        // exchange, empty means default (direct to queue)
		queueName, // routing key = queue name
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         message,
		},
	)
	if err != nil {
		return fmt.Errorf("couldn't publish to %s: %w", queueName, err)
	}

	return nil
}

// EnsureQueueExists opens a channel and declares a durable queue on it. The
// caller owns the returned channel.
func EnsureQueueExists(conn *amqp.Connection, queueName string) (
	*amqp.Channel, error) {

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("couldn't open channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("couldn't declare queue %s: %w", queueName, err)
	}

	return ch, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
