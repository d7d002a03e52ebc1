// Package notify publishes committed trade order transitions for buyers,
// sellers and downstream services.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/rewardledger/libs/kafka"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
)

const OrderEventType = "trade_orders.changed"

type OrderEvent struct {
	kafka.Envelope
	OrderID     string `json:"order_id"`
	BusinessID  string `json:"business_id"`
	ListingID   string `json:"listing_id"`
	BuyerID     string `json:"buyer_id"`
	SellerID    string `json:"seller_id"`
	AssetCode   string `json:"asset_code"`
	GrossAmount int64  `json:"gross_amount"`
	FeeAmount   int64  `json:"fee_amount"`
	NetAmount   int64  `json:"net_amount"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	UpdatedAt   string `json:"updated_at"`
}

// NewOrderEvent builds the event for order's current status. The event id is
// derived from (order, status) so consumers can drop redeliveries.
func NewOrderEvent(order storage.TradeOrder) (OrderEvent, error) {
	eventID := kafka.DeterministicEventID("trade_order", order.ID.String(), string(order.Status))
	env, err := kafka.NewEnvelope(eventID, OrderEventType, 1, order.BusinessID.String())
	if err != nil {
		return OrderEvent{}, err
	}
	reason, _ := order.Meta["cancel_reason"].(string)
	updated := order.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	return OrderEvent{
		Envelope:    env,
		OrderID:     order.ID.String(),
		BusinessID:  order.BusinessID.String(),
		ListingID:   order.ListingID.String(),
		BuyerID:     order.BuyerID.String(),
		SellerID:    order.SellerID.String(),
		AssetCode:   order.AssetCode,
		GrossAmount: order.GrossAmount,
		FeeAmount:   order.FeeAmount,
		NetAmount:   order.NetAmount,
		Status:      string(order.Status),
		Reason:      reason,
		UpdatedAt:   updated.UTC().Format(time.RFC3339Nano),
	}, nil
}

type KafkaDispatcher struct {
	publisher kafka.Publisher
	topic     string
	logger    *slog.Logger
}

func NewKafkaDispatcher(publisher kafka.Publisher, topic string, logger *slog.Logger) *KafkaDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaDispatcher{publisher: publisher, topic: topic, logger: logger}
}

func (d *KafkaDispatcher) OrderChanged(ctx context.Context, order storage.TradeOrder) error {
	event, err := NewOrderEvent(order)
	if err != nil {
		return fmt.Errorf("build order event: %w", err)
	}
	partition, offset, err := d.publisher.PublishJSON(ctx, d.topic, event.OrderID, event)
	if err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	d.logger.Debug("order event published", "order_id", event.OrderID, "status", event.Status, "partition", partition, "offset", offset)
	return nil
}

// LogDispatcher only logs transitions; used when Kafka is not configured.
type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) OrderChanged(_ context.Context, order storage.TradeOrder) error {
	d.logger.Info("order changed", "order_id", order.ID, "status", order.Status)
	return nil
}
