package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresOptions configures the Postgres queue.
type PostgresOptions struct {
	DSN               string
	MaxConns          int
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

// Postgres is a durable queue on a task_queue table. Receivers claim rows with
// FOR UPDATE SKIP LOCKED and hold them for the visibility timeout; a claim
// that is never acked becomes visible again once it lapses.
type Postgres struct {
	pool       *pgxpool.Pool
	poll       time.Duration
	visibility time.Duration
	logger     *slog.Logger
}

var _ Queue = (*Postgres)(nil)

var taskQueueSchema = []string{`
CREATE TABLE IF NOT EXISTS task_queue (
	id           BIGSERIAL PRIMARY KEY,
	topic        TEXT        NOT NULL,
	body         BYTEA       NOT NULL,
	attempts     INTEGER     NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_until TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_task_queue_topic_available ON task_queue (topic, available_at)`,
}

// NewPostgres connects the pool and creates the queue table.
func NewPostgres(ctx context.Context, opts PostgresOptions, logger *slog.Logger) (*Postgres, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing queue DSN: %w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 4
	}
	cfg.MaxConns = int32(opts.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting queue pool: %w", err)
	}
	for _, stmt := range taskQueueSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("creating task_queue: %w", err)
		}
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 10 * time.Minute
	}
	return &Postgres{
		pool:       pool,
		poll:       opts.PollInterval,
		visibility: opts.VisibilityTimeout,
		logger:     logger.With("component", "queue", "backend", "postgres"),
	}, nil
}

func (p *Postgres) Enqueue(ctx context.Context, topic string, body []byte) error {
	if _, err := p.pool.Exec(ctx,
		`INSERT INTO task_queue (topic, body) VALUES ($1, $2)`, topic, body); err != nil {
		return fmt.Errorf("enqueueing %s: %w", topic, err)
	}
	return nil
}

const claimSQL = `
UPDATE task_queue
SET attempts = attempts + 1,
    locked_until = now() + make_interval(secs => $2)
WHERE id = (
	SELECT id FROM task_queue
	WHERE topic = $1
	  AND available_at <= now()
	  AND (locked_until IS NULL OR locked_until < now())
	ORDER BY id
	FOR UPDATE SKIP LOCKED
	LIMIT 1
)
RETURNING id, body, attempts`

func (p *Postgres) Receive(ctx context.Context, topic string) (*Message, error) {
	for {
		var (
			id       int64
			body     []byte
			attempts int
		)
		err := p.pool.QueryRow(ctx, claimSQL, topic, p.visibility.Seconds()).Scan(&id, &body, &attempts)
		switch {
		case err == nil:
			return &Message{ID: strconv.FormatInt(id, 10), Topic: topic, Body: body, Attempt: attempts}, nil
		case errors.Is(err, pgx.ErrNoRows):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			p.logger.Warn("claim failed", "topic", topic, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.poll):
		}
	}
}

func (p *Postgres) Ack(ctx context.Context, msg *Message) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM task_queue WHERE id = $1`, messageID(msg)); err != nil {
		return fmt.Errorf("acking message %s: %w", msg.ID, err)
	}
	return nil
}

func (p *Postgres) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	if _, err := p.pool.Exec(ctx, `
		UPDATE task_queue
		SET locked_until = NULL, available_at = now() + make_interval(secs => $2)
		WHERE id = $1`, messageID(msg), delay.Seconds()); err != nil {
		return fmt.Errorf("nacking message %s: %w", msg.ID, err)
	}
	return nil
}

func messageID(msg *Message) int64 {
	id, _ := strconv.ParseInt(msg.ID, 10, 64)
	return id
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
