package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/opensource-finance/errmap/internal/domain"
)

// ChannelBus is an in-process EventBus. Each subscription owns a buffered
// queue drained by its own goroutine, so a slow handler only delays its
// own messages. When a queue is full the message is dropped for that
// subscriber.
type ChannelBus struct {
	buffer  int
	dropped atomic.Uint64

	mu     sync.RWMutex
	routes map[route]map[*channelSub]struct{}
	closed bool
}

type route struct {
	tenant string
	topic  string
}

type channelSub struct {
	bus     *ChannelBus
	route   route
	queue   chan *domain.Message
	handler domain.MessageHandler
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// NewChannelBus returns a bus whose subscriptions buffer up to size
// messages each (1000 when size is not positive).
func NewChannelBus(size int) *ChannelBus {
	if size <= 0 {
		size = 1000
	}
	return &ChannelBus{
		buffer: size,
		routes: make(map[route]map[*channelSub]struct{}),
	}
}

func (b *ChannelBus) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	if err := checkPublisher(tenantID); err != nil {
		return err
	}
	msg := envelope(ctx, tenantID, topic, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}

	for _, r := range []route{{tenantID, topic}, {domain.GlobalTenantID, topic}} {
		for sub := range b.routes[r] {
			select {
			case sub.queue <- msg:
			default:
				b.dropped.Add(1)
				slog.Warn("subscriber queue full, message dropped",
					"topic", topic,
					"tenant_id", tenantID,
					"message_id", msg.ID,
				)
			}
		}
	}
	return nil
}

func (b *ChannelBus) Subscribe(ctx context.Context, tenantID, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, errTenantRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &channelSub{
		bus:     b,
		route:   route{tenantID, topic},
		queue:   make(chan *domain.Message, b.buffer),
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
	}
	if b.routes[sub.route] == nil {
		b.routes[sub.route] = make(map[*channelSub]struct{})
	}
	b.routes[sub.route][sub] = struct{}{}

	go sub.drain()
	return sub, nil
}

func (s *channelSub) drain() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("message handler failed",
					"topic", msg.Topic,
					"tenant_id", msg.TenantID,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
}

func (s *channelSub) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if subs := s.bus.routes[s.route]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.routes, s.route)
			}
		}
	})
	return nil
}

func (s *channelSub) Topic() string { return s.route.topic }

func (b *ChannelBus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errClosed
	}
	return nil
}

// Close cancels every subscription. Queued messages are discarded.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.routes {
		for sub := range subs {
			sub.cancel()
		}
	}
	b.routes = nil
	return nil
}

// Dropped counts messages discarded because a subscriber queue was full.
func (b *ChannelBus) Dropped() uint64 { return b.dropped.Load() }
