package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	return 0, 0, s.err
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherDivertsFailedEvents(t *testing.T) {
	primary := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubPublisher{}
	metrics := NewProducerMetrics(prometheus.NewRegistry())
	publisher := NewDLQPublisher(primary, dlq, "ledger.dlq", slog.Default()).WithMetrics(metrics)

	_, _, err := publisher.PublishJSON(context.Background(), "trade_orders.events", "order-1", map[string]string{"status": "completed"})
	if err == nil {
		t.Fatal("expected the primary error to be returned")
	}
	if len(dlq.calls) != 1 || dlq.calls[0].topic != "ledger.dlq" || dlq.calls[0].key != "order-1" {
		t.Fatalf("unexpected dlq calls %+v", dlq.calls)
	}
	dl, ok := dlq.calls[0].value.(DeadLetter)
	if !ok {
		t.Fatalf("expected DeadLetter, got %T", dlq.calls[0].value)
	}
	if dl.Stage != StagePublish || dl.OriginalTopic != "trade_orders.events" || dl.Error != "broker down" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if string(dl.Payload) != `{"status":"completed"}` {
		t.Fatalf("unexpected payload %s", dl.Payload)
	}
	if dl.Partition != nil || dl.Offset != nil {
		t.Fatal("publish-side dead letters carry no partition/offset")
	}
	if got := testutil.ToFloat64(metrics.DeadLetters); got != 1 {
		t.Fatalf("expected 1 dead letter counted, got %v", got)
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "ledger.dlq", slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), "trade_orders.events", "order-1", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

type testEvent struct {
	Envelope
	OrderID string `json:"order_id"`
}

func TestSyncProducerSetsEnvelopeHeaders(t *testing.T) {
	mock := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		headers := map[string]string{}
		for _, h := range msg.Headers {
			headers[string(h.Key)] = string(h.Value)
		}
		if headers["event-type"] != "trade_order.changed" || headers["event-id"] != "evt-1" {
			return errors.New("missing envelope headers")
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-1" {
			return errors.New("unexpected key " + string(key))
		}
		return nil
	})

	metrics := NewProducerMetrics(prometheus.NewRegistry())
	producer := newSyncProducer(mock, slog.Default(), metrics)
	defer producer.Close()

	env := Envelope{EventID: "evt-1", EventType: "trade_order.changed", EventVersion: 1}
	if _, _, err := producer.PublishJSON(context.Background(), "trade_orders.events", "order-1", testEvent{Envelope: env, OrderID: "order-1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := testutil.ToFloat64(metrics.Published.WithLabelValues("trade_orders.events", "ok")); got != 1 {
		t.Fatalf("expected one ok publish, got %v", got)
	}
}

func TestSyncProducerRejectsUnmarshalableValue(t *testing.T) {
	mock := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer := newSyncProducer(mock, slog.Default(), nil)
	defer producer.Close()

	_, _, err := producer.PublishJSON(context.Background(), "t", "k", make(chan int))
	var jsonErr *json.UnsupportedTypeError
	if !errors.As(err, &jsonErr) {
		t.Fatalf("expected unsupported type error, got %v", err)
	}
}

func TestSyncProducerHonoursCancelledContext(t *testing.T) {
	mock := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer := newSyncProducer(mock, slog.Default(), nil)
	defer producer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := producer.PublishJSON(ctx, "t", "k", map[string]int{"a": 1}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
