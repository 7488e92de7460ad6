// Package bus carries batch submissions and run events between the API and
// the scoring workers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"go.opentelemetry.io/otel/propagation"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus is closed")

	// ErrTenantRequired is returned when a message or subscription names no tenant.
	ErrTenantRequired = errors.New("tenantID is required")
)

// New creates an in-process channel bus or a NATS bus from configuration.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// Subject is the NATS subject for a tenant topic.
func Subject(tenantID, topic string) string {
	return "kestrel." + tenantID + "." + topic
}

// traceContext moves W3C trace headers through message metadata so a
// worker's spans join the trace of the request that queued the batch.
var traceContext = propagation.TraceContext{}

// newMessage builds an envelope and injects the caller's trace context.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) (*domain.Message, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	msg := &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}
	traceContext.Inject(ctx, propagation.MapCarrier(msg.Metadata))
	return msg, nil
}

// handlerContext returns ctx carrying the trace context found in msg.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	if len(msg.Metadata) == 0 {
		return ctx
	}
	return traceContext.Extract(ctx, propagation.MapCarrier(msg.Metadata))
}
