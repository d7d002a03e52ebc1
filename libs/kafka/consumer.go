package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type ConsumerOption func(*consumerGroupHandler)

// WithDLQ routes poison messages to topic instead of blocking the partition.
func WithDLQ(publisher Publisher, topic string) ConsumerOption {
	return func(h *consumerGroupHandler) {
		h.dlqPublisher = publisher
		h.dlqTopic = topic
	}
}

// WithRetry retries transient handler errors up to maxAttempts times, waiting
// backoff between attempts, before dead-lettering the message.
func WithRetry(maxAttempts int, backoff time.Duration) ConsumerOption {
	return func(h *consumerGroupHandler) {
		h.retryTracker = newRetryTracker(maxAttempts, 10*time.Minute)
		h.backoff = backoff
	}
}

type Consumer struct {
	group   sarama.ConsumerGroup
	logger  *slog.Logger
	options []ConsumerOption
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{group: group, logger: logger, options: opts}, nil
}

// Consume blocks until ctx is done, rejoining the group after rebalances.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		retryTracker: newRetryTracker(1, time.Minute),
	}
	for _, opt := range c.options {
		opt(cgHandler)
	}

	go func() {
		for err := range c.group.Errors() {
			c.logger.Error("kafka consumer group error", "error", err)
		}
	}()

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
	backoff      time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for msg := range claim.Messages() {
		if !h.process(ctx, msg) {
			// Not marked: the message is redelivered after the next rebalance.
			return nil
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// process reports whether msg is done with, either handled or dead-lettered.
func (h *consumerGroupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	key := messageKey(msg)
	for {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			h.retryTracker.forget(key)
			return true
		}

		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			return h.deadLetter(ctx, msg, dlqErr, h.retryTracker.attempts(key)+1)
		}

		attempts := h.retryTracker.record(key)
		h.logger.Warn("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempts, "error", err)
		if attempts >= h.retryTracker.max {
			return h.deadLetter(ctx, msg, &DLQError{Err: err, Reason: "max_retries"}, attempts)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(h.backoff):
		}
	}
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err *DLQError, attempts int) bool {
	h.retryTracker.forget(messageKey(msg))
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Error("dropping kafka message without dlq", "topic", msg.Topic, "offset", msg.Offset, "reason", err.Reason, "error", err.Err)
		return true
	}
	payload := consumeDeadLetter(msg, err, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("kafka dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
		return false
	}
	h.logger.Warn("kafka message dead-lettered", "topic", msg.Topic, "offset", msg.Offset, "reason", err.Reason)
	return true
}

func messageKey(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

// retryTracker counts failed attempts per message. Entries expire after ttl
// so a message that is never retried does not pin memory.
type retryTracker struct {
	mu      sync.Mutex
	max     int
	ttl     time.Duration
	entries map[string]retryEntry
}

type retryEntry struct {
	attempts int
	seen     time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{max: maxAttempts, ttl: ttl, entries: map[string]retryEntry{}}
}

func (t *retryTracker) record(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for k, e := range t.entries {
		if now.Sub(e.seen) > t.ttl {
			delete(t.entries, k)
		}
	}
	e := t.entries[key]
	e.attempts++
	e.seen = now
	t.entries[key] = e
	return e.attempts
}

func (t *retryTracker) attempts(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[key].attempts
}

func (t *retryTracker) forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key)
}
