package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

const (
	StageConsume = "consume"
	StagePublish = "publish"
)

// DLQError marks a handler failure as permanent: the message is dead-lettered
// immediately instead of being retried.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error { return e.Err }

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is the record written to the dead-letter topic. Partition and
// Offset are only set for messages that failed on the consume side.
type DeadLetter struct {
	Stage         string          `json:"stage"`
	OriginalTopic string          `json:"original_topic"`
	Partition     *int32          `json:"partition,omitempty"`
	Offset        *int64          `json:"offset,omitempty"`
	Key           string          `json:"key,omitempty"`
	Reason        string          `json:"reason"`
	Error         string          `json:"error"`
	Attempts      int             `json:"attempts"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RawPayload    []byte          `json:"raw_payload,omitempty"`
	FailedAt      time.Time       `json:"failed_at"`
}

func consumeDeadLetter(msg *sarama.ConsumerMessage, cause *DLQError, attempts int) DeadLetter {
	partition, offset := msg.Partition, msg.Offset
	dl := DeadLetter{
		Stage:         StageConsume,
		OriginalTopic: msg.Topic,
		Partition:     &partition,
		Offset:        &offset,
		Key:           string(msg.Key),
		Reason:        cause.Reason,
		Error:         cause.Err.Error(),
		Attempts:      attempts,
		FailedAt:      time.Now().UTC(),
	}
	dl.setPayload(msg.Value)
	return dl
}

func publishDeadLetter(topic, key string, value any, cause error) DeadLetter {
	dl := DeadLetter{
		Stage:         StagePublish,
		OriginalTopic: topic,
		Key:           key,
		Reason:        "publish_failed",
		Error:         cause.Error(),
		Attempts:      1,
		FailedAt:      time.Now().UTC(),
	}
	if raw, err := json.Marshal(value); err == nil {
		dl.Payload = raw
	} else {
		dl.RawPayload = []byte(fmt.Sprintf("%v", value))
	}
	return dl
}

// setPayload keeps valid JSON inline and falls back to raw bytes, which
// encoding/json renders as base64.
func (d *DeadLetter) setPayload(value []byte) {
	if len(value) == 0 {
		return
	}
	if json.Valid(value) {
		d.Payload = json.RawMessage(value)
		return
	}
	d.RawPayload = value
}
