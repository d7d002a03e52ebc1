package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	Published   *prometheus.CounterVec
	SendLatency *prometheus.HistogramVec
	DeadLetters prometheus.Counter
}

func NewProducerMetrics(registry prometheus.Registerer) *ProducerMetrics {
	m := &ProducerMetrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "rewards_ledger",
				Subsystem: "kafka",
				Name:      "published_total",
				Help:      "Kafka publish attempts by topic and result.",
			},
			[]string{"topic", "result"},
		),
		SendLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "rewards_ledger",
				Subsystem: "kafka",
				Name:      "send_seconds",
				Help:      "Synchronous send latency by topic.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"topic"},
		),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rewards_ledger",
			Subsystem: "kafka",
			Name:      "dead_letters_total",
			Help:      "Events diverted to the dead-letter topic after a failed publish.",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.Published, m.SendLatency, m.DeadLetters)
	}
	return m
}

// Publisher sends JSON values. Messages with the same key land on the same
// partition, which keeps per-order events in order.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// DLQPublisher copies events that fail to publish onto a dead-letter topic
// so they can be replayed. The original error is still returned.
type DLQPublisher struct {
	primary  Publisher
	dlq      Publisher
	dlqTopic string
	metrics  *ProducerMetrics
	logger   *slog.Logger
}

func NewDLQPublisher(primary Publisher, dlq Publisher, dlqTopic string, logger *slog.Logger) *DLQPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &DLQPublisher{primary: primary, dlq: dlq, dlqTopic: dlqTopic, logger: logger}
}

// WithMetrics counts diverted events on m.
func (p *DLQPublisher) WithMetrics(m *ProducerMetrics) *DLQPublisher {
	p.metrics = m
	return p
}

func (p *DLQPublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if p.primary == nil {
		return 0, 0, errors.New("kafka producer not configured")
	}
	partition, offset, err := p.primary.PublishJSON(ctx, topic, key, value)
	if err == nil || p.dlq == nil || p.dlqTopic == "" {
		return partition, offset, err
	}

	if _, _, dlqErr := p.dlq.PublishJSON(ctx, p.dlqTopic, key, publishDeadLetter(topic, key, value, err)); dlqErr != nil {
		p.logger.Error("dead-letter publish failed", "topic", p.dlqTopic, "original_topic", topic, "error", dlqErr)
	} else if p.metrics != nil {
		p.metrics.DeadLetters.Inc()
	}
	return partition, offset, err
}

func (p *DLQPublisher) Close() error {
	if p.primary == nil {
		return nil
	}
	return p.primary.Close()
}

type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(brokers []string, clientID string, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	if clientID != "" {
		cfg.ClientID = clientID
	}
	// Idempotent delivery keyed by order/account id keeps per-key ordering.
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Compression = sarama.CompressionSnappy

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
		},
	}
	if env, ok := value.(interface{ EventEnvelope() Envelope }); ok {
		e := env.EventEnvelope()
		msg.Headers = append(msg.Headers,
			sarama.RecordHeader{Key: []byte("event-type"), Value: []byte(e.EventType)},
			sarama.RecordHeader{Key: []byte("event-id"), Value: []byte(e.EventID)},
		)
	}

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.observe(topic, time.Since(start), err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "error", err)
		return 0, 0, fmt.Errorf("kafka publish %s: %w", topic, err)
	}
	return partition, offset, nil
}

func (p *SyncProducer) observe(topic string, elapsed time.Duration, err error) {
	if p.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.metrics.Published.WithLabelValues(topic, result).Inc()
	p.metrics.SendLatency.WithLabelValues(topic).Observe(elapsed.Seconds())
}

func (p *SyncProducer) Close() error {
	if p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
