package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Handler processes one message. Returning an error asks for redelivery
// unless msg.LastAttempt is set, in which case the handler is expected to have
// recorded the failure itself.
type Handler func(ctx context.Context, msg *Message) error

// Policy controls redelivery for one topic.
type Policy struct {
	Retry       bool
	MaxAttempts int
	Backoff     time.Duration
}

// Final reports whether a failure of the given attempt is the last one.
func (p Policy) Final(attempt int) bool {
	return !p.Retry || attempt >= p.MaxAttempts
}

type route struct {
	topic       string
	handler     Handler
	policy      Policy
	concurrency int
}

// Dispatcher runs a bounded pool of consumers per registered topic.
type Dispatcher struct {
	q      Queue
	logger *slog.Logger

	mu     sync.Mutex
	routes []route
}

// NewDispatcher creates a Dispatcher reading from q.
func NewDispatcher(q Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{q: q, logger: logger.With("component", "dispatcher")}
}

// Register adds a consumer pool for topic. It must be called before Run.
func (d *Dispatcher) Register(topic string, h Handler, p Policy, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	d.mu.Lock()
	d.routes = append(d.routes, route{topic: topic, handler: h, policy: p, concurrency: concurrency})
	d.mu.Unlock()
}

// Run consumes until ctx is cancelled or the queue is closed.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	routes := append([]route(nil), d.routes...)
	d.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range routes {
		d.logger.Info("consumers started", "topic", r.topic, "concurrency", r.concurrency,
			"retry", r.policy.Retry, "max_attempts", r.policy.MaxAttempts)
		for i := 0; i < r.concurrency; i++ {
			r := r
			g.Go(func() error { return d.consume(ctx, r) })
		}
	}
	return g.Wait()
}

func (d *Dispatcher) consume(ctx context.Context, r route) error {
	for {
		msg, err := d.q.Receive(ctx, r.topic)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			d.logger.Warn("receive failed", "topic", r.topic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		d.deliver(ctx, r, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, r route, msg *Message) {
	msg.LastAttempt = r.policy.Final(msg.Attempt)
	log := d.logger.With("topic", r.topic, "message_id", msg.ID, "attempt", msg.Attempt)

	// Work already taken from the queue runs to completion across shutdown.
	err := safeHandle(context.WithoutCancel(ctx), r.handler, msg)
	if err != nil && !msg.LastAttempt {
		log.Warn("handler failed, redelivering", "error", err, "backoff", r.policy.Backoff)
		if nackErr := d.q.Nack(context.WithoutCancel(ctx), msg, r.policy.Backoff); nackErr != nil {
			log.Error("nack failed", "error", nackErr)
		}
		return
	}
	if err != nil {
		log.Error("handler failed on final attempt", "error", err)
	}
	if ackErr := d.q.Ack(context.WithoutCancel(ctx), msg); ackErr != nil {
		log.Error("ack failed", "error", ackErr)
	}
}

func safeHandle(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v\n%s", rec, debug.Stack())
		}
	}()
	return h(ctx, msg)
}
