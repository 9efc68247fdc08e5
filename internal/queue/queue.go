// Package queue carries background work items between producers and consumers
// with at-least-once delivery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/bundle-ingest/backend/internal/config"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Message is one delivery of a work item. A message that is neither acked
// nor nacked is delivered again.
type Message struct {
	ID      string
	Topic   string
	Body    []byte
	Attempt int // 1 on first delivery

	// LastAttempt is set by the Dispatcher when no redelivery will follow a failure.
	LastAttempt bool
}

// Decode unpacks the message body into v.
func (m *Message) Decode(v any) error {
	if err := msgpack.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decoding %s message %s: %w", m.Topic, m.ID, err)
	}
	return nil
}

// Queue is a topic-addressed work queue.
type Queue interface {
	Enqueue(ctx context.Context, topic string, body []byte) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context, topic string) (*Message, error)
	Ack(ctx context.Context, msg *Message) error
	// Nack hands the message back for redelivery after delay.
	Nack(ctx context.Context, msg *Message, delay time.Duration) error
	Close() error
}

// Publish encodes v with msgpack and enqueues it.
func Publish(ctx context.Context, q Queue, topic string, v any) error {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s task: %w", topic, err)
	}
	return q.Enqueue(ctx, topic, body)
}

// Open builds the configured queue backend.
func Open(ctx context.Context, cfg config.QueueConfig, logger *slog.Logger) (Queue, error) {
	switch cfg.Backend {
	case config.QueueMemory, "":
		return NewMemory(cfg.BufferSize, logger), nil
	case config.QueuePostgres:
		return NewPostgres(ctx, PostgresOptions{
			DSN:               cfg.DSN,
			PollInterval:      time.Duration(cfg.PollIntervalMs) * time.Millisecond,
			VisibilityTimeout: time.Duration(cfg.VisibilityTimeoutSeconds) * time.Second,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}
