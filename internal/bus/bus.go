// Package bus carries run lifecycle events between the API and the workers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/errmap/internal/domain"
)

var (
	errTenantRequired = errors.New("bus: tenant ID is required")
	errGlobalPublish  = errors.New("bus: cannot publish as the global tenant")
	errClosed         = errors.New("bus: closed")
)

// New returns the bus named by cfg.Type.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	}
	return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
}

func checkPublisher(tenantID string) error {
	switch tenantID {
	case "":
		return errTenantRequired
	case domain.GlobalTenantID:
		return errGlobalPublish
	}
	return nil
}

// envelope stamps a payload with an ID, the publish time and the
// caller's trace ID when the context carries a span.
func envelope(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	msg := &domain.Message{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Topic:       topic,
		PublishedAt: time.Now().UTC(),
		Payload:     payload,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		msg.TraceID = sc.TraceID().String()
	}
	return msg
}
