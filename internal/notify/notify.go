// Package notify publishes schedule run outcomes on a watermill message bus.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/rendis/flowcron/pkg/schema"
)

// Topic carries one message per finished schedule run.
const Topic = "flowcron.schedule.outcomes"

// Metadata keys set on every outcome message.
const (
	MetadataScheduleID = "schedule_id"
	MetadataStatus     = "status"
)

// Run statuses reported in Outcome.Status.
const (
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Outcome is the payload of one outcome message.
type Outcome struct {
	ScheduleID     string                `json:"schedule_id"`
	WorkflowID     string                `json:"workflow_id"`
	RunID          string                `json:"run_id,omitempty"`
	Status         string                `json:"status"`
	Error          string                `json:"error,omitempty"`
	ErrorCount     int                   `json:"error_count"`
	ScheduleStatus schema.ScheduleStatus `json:"schedule_status"`
	Timestamp      time.Time             `json:"timestamp"`
}

// Publisher encodes outcomes and sends them to Topic.
type Publisher struct {
	pub message.Publisher
}

// NewPublisher wraps any watermill publisher.
func NewPublisher(pub message.Publisher) *Publisher {
	return &Publisher{pub: pub}
}

// Publish sends o as a JSON message.
func (p *Publisher) Publish(ctx context.Context, o Outcome) error {
	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataScheduleID, o.ScheduleID)
	msg.Metadata.Set(MetadataStatus, o.Status)

	if err := p.pub.Publish(Topic, msg); err != nil {
		return fmt.Errorf("publish outcome for schedule %s: %w", o.ScheduleID, err)
	}
	return nil
}

// Close closes the underlying publisher.
func (p *Publisher) Close() error {
	return p.pub.Close()
}

// NewGoChannel creates the in-process pub/sub used when no external broker is configured.
// The same instance serves as publisher and subscriber.
func NewGoChannel(logger *slog.Logger) *gochannel.GoChannel {
	return gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NewSlogLogger(logger),
	)
}

// Subscribe decodes outcome messages until ctx is done or the subscriber closes.
// Malformed messages are acknowledged and dropped.
func Subscribe(ctx context.Context, sub message.Subscriber) (<-chan Outcome, error) {
	messages, err := sub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", Topic, err)
	}

	out := make(chan Outcome)
	go func() {
		defer close(out)
		for msg := range messages {
			var o Outcome
			if err := json.Unmarshal(msg.Payload, &o); err != nil {
				msg.Ack()
				continue
			}
			select {
			case out <- o:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}
