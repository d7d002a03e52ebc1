// Package consumer applies point grants published by collaborating services
// (lottery draws, task rewards, promotions) to the ledger.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/rewardledger/libs/kafka"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/balance"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/ledgererr"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/service"
	"github.com/IBM/sarama"
)

const (
	pointsGrantedEventType = "points.granted"
	entryRecordedEventType = "ledger.entry_recorded"
)

type PointsGrantedEvent struct {
	kafka.Envelope
	UserID    string `json:"user_id"`
	AssetCode string `json:"asset_code"`
	Amount    int64  `json:"amount"`
	Source    string `json:"source"`
	Reason    string `json:"reason,omitempty"`
}

type EntryRecordedEvent struct {
	kafka.Envelope
	EntryID      string `json:"entry_id"`
	AccountID    string `json:"account_id"`
	AssetCode    string `json:"asset_code"`
	Delta        int64  `json:"delta"`
	BusinessType string `json:"business_type"`
	Available    int64  `json:"available"`
	CreatedAt    string `json:"created_at"`
}

type Granter interface {
	GrantPoints(ctx context.Context, req service.GrantRequest) (*balance.Result, error)
}

type GrantConsumer struct {
	ledger     Granter
	producer   kafka.Publisher
	entryTopic string
	logger     *slog.Logger
}

// NewGrantConsumer builds the handler. producer may be nil, in which case
// no confirmation events are published.
func NewGrantConsumer(ledger Granter, producer kafka.Publisher, entryTopic string, logger *slog.Logger) *GrantConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &GrantConsumer{ledger: ledger, producer: producer, entryTopic: entryTopic, logger: logger}
}

func (c *GrantConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "decode")
	}
	var event PointsGrantedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", pointsGrantedEventType, err), "decode")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid")
	}

	res, err := c.ledger.GrantPoints(ctx, service.GrantRequest{
		EventID:   event.EventID,
		UserRef:   event.UserID,
		AssetCode: event.AssetCode,
		Amount:    event.Amount,
		Source:    event.Source,
		Reason:    event.Reason,
	})
	if err != nil {
		switch ledgererr.KindOf(err) {
		case ledgererr.KindValidation:
			return kafka.DLQ(err, "rejected")
		case ledgererr.KindConflict:
			return kafka.DLQ(err, "conflict")
		}
		return fmt.Errorf("grant points: %w", err)
	}
	if res.Duplicate {
		c.logger.Info("points grant already applied", "event_id", event.EventID)
		return nil
	}

	c.logger.Info("points granted", "event_id", event.EventID, "user_id", event.UserID, "asset", res.Entry.AssetCode, "amount", event.Amount, "source", event.Source)
	c.publishEntry(ctx, event, res)
	return nil
}

// publishEntry confirms the credit to downstream readers. The grant itself
// is already committed, so failures are only logged.
func (c *GrantConsumer) publishEntry(ctx context.Context, event PointsGrantedEvent, res *balance.Result) {
	if c.producer == nil || c.entryTopic == "" {
		return
	}
	eventID := kafka.DeterministicEventID(entryRecordedEventType, res.Entry.ID.String())
	correlationID := strings.TrimSpace(event.CorrelationID)
	if correlationID == "" {
		correlationID = event.EventID
	}
	env, err := kafka.NewEnvelope(eventID, entryRecordedEventType, 1, correlationID)
	if err != nil {
		c.logger.Warn("build entry event failed", "error", err)
		return
	}
	payload := EntryRecordedEvent{
		Envelope:     env,
		EntryID:      res.Entry.ID.String(),
		AccountID:    res.Entry.AccountID.String(),
		AssetCode:    res.Entry.AssetCode,
		Delta:        res.Entry.Delta,
		BusinessType: res.Entry.BusinessType,
		Available:    res.Balance.Available,
		CreatedAt:    res.Entry.CreatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := c.producer.PublishJSON(ctx, c.entryTopic, payload.AccountID, payload); err != nil {
		c.logger.Warn("publish entry event failed", "entry_id", payload.EntryID, "error", err)
	}
}

func (e *PointsGrantedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != pointsGrantedEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(e.AssetCode) == "" {
		return fmt.Errorf("asset_code is required")
	}
	if e.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("source is required")
	}
	return nil
}
