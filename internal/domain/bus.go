package domain

import (
	"context"
)

// EventBus carries batch submissions and run events. Every message is
// scoped to a tenant; the global queue uses a reserved tenant name.
type EventBus interface {
	// Publish sends payload to every subscriber of the tenant's topic and to
	// one member of each queue group.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe delivers every message on the tenant's topic to handler.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// QueueSubscribe joins a queue group. Each message on the topic is
	// delivered to exactly one member of the group, so scoring workers in
	// several processes share submitted batches.
	QueueSubscribe(ctx context.Context, tenantID string, topic string, group string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages. ctx carries the publisher's
// trace context when one was propagated.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope carried on the bus.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names for the scoring pipeline.
const (
	TopicBatchSubmitted = "batch.submitted"
	TopicBatchScored    = "batch.scored"
	TopicAlert          = "alert"
)
