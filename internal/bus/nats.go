package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/errmap/internal/domain"
)

// DefaultQueue is the queue group global subscribers join when none is
// configured.
const DefaultQueue = "errmap-workers"

// Headers set on every published NATS message. The body is the raw payload.
const (
	headerTenant    = "Errmap-Tenant"
	headerTopic     = "Errmap-Topic"
	headerTrace     = "Errmap-Trace-Id"
	headerPublished = "Errmap-Published-At"
)

var subjectEscaper = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject is the NATS subject for a tenant's topic: errmap.<tenant>.<topic>.
// The global tenant becomes the "*" wildcard; other tenants have subject
// metacharacters replaced.
func Subject(tenantID, topic string) string {
	if tenantID != domain.GlobalTenantID {
		tenantID = subjectEscaper.Replace(tenantID)
	}
	return "errmap." + tenantID + "." + topic
}

// NATSBus is an EventBus over NATS core subjects. Global subscribers
// share a queue group.
type NATSBus struct {
	conn  *nats.Conn
	queue string

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSBus connects to cfg.NATSUrl. The initial connection is attempted
// up to NATSMaxReconnects times; afterwards the client reconnects on its own.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	url := cfg.NATSUrl
	if url == "" {
		url = nats.DefaultURL
	}
	attempts := cfg.NATSMaxReconnects
	if attempts <= 0 {
		attempts = 10
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second
	if wait <= 0 {
		wait = 5 * time.Second
	}
	queue := cfg.NATSQueue
	if queue == "" {
		queue = DefaultQueue
	}

	opts := natsOptions(cfg.NATSToken, attempts, wait)
	var (
		conn *nats.Conn
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		if conn, err = nats.Connect(url, opts...); err == nil {
			break
		}
		slog.Warn("nats connect failed", "attempt", attempt, "of", attempts, "error", err)
		if attempt < attempts {
			time.Sleep(wait)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	slog.Info("nats connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())

	return &NATSBus{
		conn:  conn,
		queue: queue,
		subs:  make(map[*nats.Subscription]struct{}),
	}, nil
}

func natsOptions(token string, reconnects int, wait time.Duration) []nats.Option {
	opts := []nats.Option{
		nats.Name("errmap"),
		nats.MaxReconnects(reconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 << 20),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			var subject string
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}
	return opts
}

func (b *NATSBus) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	if err := checkPublisher(tenantID); err != nil {
		return err
	}
	if err := b.conn.PublishMsg(toNATS(envelope(ctx, tenantID, topic, payload))); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, tenantID, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	cb := func(m *nats.Msg) {
		msg, err := fromNATS(m)
		if err != nil {
			slog.Error("dropping malformed nats message", "subject", m.Subject, "error", err)
			return
		}
		if err := handler(ctx, msg); err != nil {
			slog.Error("message handler failed",
				"topic", msg.Topic,
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}

	subject := Subject(tenantID, topic)
	var (
		sub *nats.Subscription
		err error
	)
	if tenantID == domain.GlobalTenantID {
		sub, err = b.conn.QueueSubscribe(subject, b.queue, cb)
	} else {
		sub, err = b.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return &natsSub{bus: b, sub: sub, topic: topic}, nil
}

func (b *NATSBus) Ping(ctx context.Context) error {
	if !b.conn.IsConnected() {
		return fmt.Errorf("nats: %s", b.conn.Status())
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drops all subscriptions and closes the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*nats.Subscription]struct{})
	b.mu.Unlock()

	var errs []error
	for sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	b.conn.Close()
	return errors.Join(errs...)
}

// Stats exposes the client's traffic counters.
func (b *NATSBus) Stats() nats.Statistics {
	return b.conn.Stats()
}

type natsSub struct {
	bus   *NATSBus
	sub   *nats.Subscription
	topic string
}

func (s *natsSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSub) Topic() string { return s.topic }

// toNATS carries the envelope in headers so the body stays the raw payload.
// Nats-Msg-Id lets JetStream streams deduplicate redeliveries.
func toNATS(msg *domain.Message) *nats.Msg {
	m := nats.NewMsg(Subject(msg.TenantID, msg.Topic))
	m.Data = msg.Payload
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	m.Header.Set(headerTenant, msg.TenantID)
	m.Header.Set(headerTopic, msg.Topic)
	m.Header.Set(headerPublished, msg.PublishedAt.Format(time.RFC3339Nano))
	if msg.TraceID != "" {
		m.Header.Set(headerTrace, msg.TraceID)
	}
	return m
}

func fromNATS(m *nats.Msg) (*domain.Message, error) {
	msg := &domain.Message{
		ID:       m.Header.Get(nats.MsgIdHdr),
		TenantID: m.Header.Get(headerTenant),
		Topic:    m.Header.Get(headerTopic),
		TraceID:  m.Header.Get(headerTrace),
		Payload:  m.Data,
	}
	if msg.TenantID == "" || msg.Topic == "" {
		return nil, errors.New("missing tenant or topic header")
	}
	if ts := m.Header.Get(headerPublished); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("published-at header: %w", err)
		}
		msg.PublishedAt = t
	}
	return msg, nil
}
