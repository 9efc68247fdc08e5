package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process queue backed by one buffered channel per topic.
// Messages do not survive a restart.
type Memory struct {
	mu      sync.Mutex
	topics  map[string]chan *Message
	timers  map[*time.Timer]struct{}
	size    int
	closed  bool
	closing chan struct{}
	logger  *slog.Logger
}

var _ Queue = (*Memory)(nil)

// NewMemory creates a Memory queue whose topics buffer up to size messages.
func NewMemory(size int, logger *slog.Logger) *Memory {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{
		topics:  make(map[string]chan *Message),
		timers:  make(map[*time.Timer]struct{}),
		size:    size,
		closing: make(chan struct{}),
		logger:  logger.With("component", "queue", "backend", "memory"),
	}
}

func (m *Memory) topic(name string) (chan *Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	ch, ok := m.topics[name]
	if !ok {
		ch = make(chan *Message, m.size)
		m.topics[name] = ch
	}
	return ch, nil
}

func (m *Memory) push(ctx context.Context, msg *Message) error {
	ch, err := m.topic(msg.Topic)
	if err != nil {
		return err
	}
	select {
	case ch <- msg:
		return nil
	case <-m.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) Enqueue(ctx context.Context, topic string, body []byte) error {
	return m.push(ctx, &Message{
		ID:      uuid.New().String(),
		Topic:   topic,
		Body:    body,
		Attempt: 1,
	})
}

func (m *Memory) Receive(ctx context.Context, topic string) (*Message, error) {
	ch, err := m.topic(topic)
	if err != nil {
		return nil, err
	}
	select {
	case msg := <-ch:
		return msg, nil
	case <-m.closing:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op: a received message is already off the channel.
func (m *Memory) Ack(ctx context.Context, msg *Message) error {
	return nil
}

func (m *Memory) Nack(ctx context.Context, msg *Message, delay time.Duration) error {
	next := &Message{ID: msg.ID, Topic: msg.Topic, Body: msg.Body, Attempt: msg.Attempt + 1}
	if delay <= 0 {
		return m.push(ctx, next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, timer)
		m.mu.Unlock()
		if err := m.push(context.Background(), next); err != nil {
			m.logger.Warn("redelivery dropped", "topic", next.Topic, "message_id", next.ID, "error", err)
		}
	})
	m.timers[timer] = struct{}{}
	return nil
}

// Close stops pending redeliveries and unblocks waiting receivers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closing)
	for t := range m.timers {
		t.Stop()
	}
	m.timers = nil
	return nil
}

// Len reports how many messages wait on topic.
func (m *Memory) Len(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topic])
}
