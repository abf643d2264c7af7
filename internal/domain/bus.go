package domain

import (
	"context"
	"time"
)

// EventBus moves run lifecycle events between the API and the workers.
// Every call is scoped to a tenant; subscribing as GlobalTenantID
// receives the topic for all tenants.
type EventBus interface {
	Publish(ctx context.Context, tenantID, topic string, payload []byte) error
	Subscribe(ctx context.Context, tenantID, topic string, handler MessageHandler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler consumes one delivered message. A returned error is
// logged by the bus; delivery is not retried.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is a delivered event.
type Message struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Topic       string    `json:"topic"`
	TraceID     string    `json:"traceId,omitempty"`
	PublishedAt time.Time `json:"publishedAt"`
	Payload     []byte    `json:"payload"`
}

// Subscription is a live registration on the bus.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the bus implementation.
type EventBusConfig struct {
	Type string `yaml:"type"` // channel, nats

	ChannelBufferSize int `yaml:"channel_buffer_size"`

	NATSUrl           string `yaml:"nats_url"`
	NATSToken         string `yaml:"nats_token"`
	NATSMaxReconnects int    `yaml:"nats_max_reconnects"`
	NATSReconnectWait int    `yaml:"nats_reconnect_wait"` // seconds

	// NATSQueue is the queue group joined by global subscribers so that a
	// run request reaches a single worker replica.
	NATSQueue string `yaml:"nats_queue"`
}

// Run pipeline topics.
const (
	TopicRunRequested = "errmap.run.requested"
	TopicRunCompleted = "errmap.run.completed"
	TopicRunFailed    = "errmap.run.failed"
)

// GlobalTenantID owns records shared by all tenants. Nothing may be
// published as it.
const GlobalTenantID = "*"
