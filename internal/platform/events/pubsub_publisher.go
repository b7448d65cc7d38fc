package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	domain "github.com/retailcore/orders/internal/domain"
)

// Message is the JSON payload published for every order event.
type Message struct {
	Type       string            `json:"type"`
	OrderID    string            `json:"orderId"`
	UserID     string            `json:"userId,omitempty"`
	Status     string            `json:"status,omitempty"`
	PrevStatus string            `json:"prevStatus,omitempty"`
	IntentID   string            `json:"intentId,omitempty"`
	Message    string            `json:"message,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// PubSubPublisher publishes order events to a Pub/Sub topic, ordered per order.
type PubSubPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubPublisher enables message ordering on topic and wraps it.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent blocks until Pub/Sub acknowledges the message.
func (p *PubSubPublisher) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order publisher: not initialised")
	}

	data, err := p.marshal(toMessage(event))
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "type", event.Type)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", string(event.Status))

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:        data,
		Attributes:  attrs,
		OrderingKey: strings.TrimSpace(event.OrderID),
	})
	if _, err := result.Get(ctx); err != nil {
		if key := strings.TrimSpace(event.OrderID); key != "" {
			p.topic.ResumePublish(key)
		}
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}

// Stop flushes pending messages.
func (p *PubSubPublisher) Stop() {
	if p != nil && p.topic != nil {
		p.topic.Stop()
	}
}

// LogPublisher writes order events to the log. Used when no topic is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishOrderEvent(_ context.Context, event domain.OrderEvent) error {
	p.logger.Info("order event",
		zap.String("type", event.Type),
		zap.String("orderId", event.OrderID),
		zap.String("status", string(event.Status)),
		zap.String("prevStatus", string(event.PrevStatus)),
		zap.String("intentId", event.IntentID),
		zap.Time("occurredAt", event.OccurredAt),
	)
	return nil
}

func toMessage(event domain.OrderEvent) Message {
	return Message{
		Type:       event.Type,
		OrderID:    event.OrderID,
		UserID:     event.UserID,
		Status:     string(event.Status),
		PrevStatus: string(event.PrevStatus),
		IntentID:   event.IntentID,
		Message:    event.Message,
		OccurredAt: event.OccurredAt.UTC(),
		Metadata:   event.Metadata,
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
