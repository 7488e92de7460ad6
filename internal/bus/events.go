package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// PublishEvent encodes event as JSON and publishes it to topic.
func PublishEvent(ctx context.Context, b domain.EventBus, tenantID, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, tenantID, topic, payload)
}

// DecodeEvent decodes a JSON message payload into T.
func DecodeEvent[T any](msg *domain.Message) (T, error) {
	var event T
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return event, fmt.Errorf("decode %s event: %w", msg.Topic, err)
	}
	return event, nil
}
