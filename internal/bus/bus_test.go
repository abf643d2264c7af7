package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/errmap/internal/domain"
)

// collect subscribes and returns a channel fed with every delivered message.
func collect(t *testing.T, b domain.EventBus, tenantID, topic string) (<-chan *domain.Message, domain.Subscription) {
	t.Helper()
	got := make(chan *domain.Message, 16)
	sub, err := b.Subscribe(context.Background(), tenantID, topic, func(_ context.Context, msg *domain.Message) error {
		got <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe %s/%s: %v", tenantID, topic, err)
	}
	return got, sub
}

func receive(t *testing.T, ch <-chan *domain.Message) *domain.Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func expectNone(t *testing.T, ch <-chan *domain.Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message for tenant %s", msg.TenantID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelBus(t *testing.T) {
	ctx := context.Background()

	t.Run("Delivery", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		ch, sub := collect(t, b, "tenant-001", domain.TopicRunRequested)
		if sub.Topic() != domain.TopicRunRequested {
			t.Errorf("Topic() = %q", sub.Topic())
		}
		if err := b.Publish(ctx, "tenant-001", domain.TopicRunRequested, []byte(`{"id":"r1"}`)); err != nil {
			t.Fatal(err)
		}

		msg := receive(t, ch)
		if string(msg.Payload) != `{"id":"r1"}` {
			t.Errorf("payload = %s", msg.Payload)
		}
		if msg.TenantID != "tenant-001" || msg.Topic != domain.TopicRunRequested {
			t.Errorf("envelope = %s/%s", msg.TenantID, msg.Topic)
		}
		if msg.ID == "" || msg.PublishedAt.IsZero() {
			t.Error("envelope missing id or publish time")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		a, _ := collect(t, b, "tenant-a", domain.TopicRunCompleted)
		other, _ := collect(t, b, "tenant-b", domain.TopicRunCompleted)
		failed, _ := collect(t, b, "tenant-a", domain.TopicRunFailed)

		if err := b.Publish(ctx, "tenant-a", domain.TopicRunCompleted, nil); err != nil {
			t.Fatal(err)
		}
		receive(t, a)
		expectNone(t, other)
		expectNone(t, failed)
	})

	t.Run("GlobalSubscriberSeesEveryTenant", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		all, _ := collect(t, b, domain.GlobalTenantID, domain.TopicRunRequested)
		for _, tenant := range []string{"tenant-a", "tenant-b"} {
			if err := b.Publish(ctx, tenant, domain.TopicRunRequested, nil); err != nil {
				t.Fatal(err)
			}
		}
		seen := map[string]bool{}
		seen[receive(t, all).TenantID] = true
		seen[receive(t, all).TenantID] = true
		if !seen["tenant-a"] || !seen["tenant-b"] {
			t.Errorf("global subscriber saw %v", seen)
		}
	})

	t.Run("PublishValidation", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		if err := b.Publish(ctx, "", "x", nil); !errors.Is(err, errTenantRequired) {
			t.Errorf("empty tenant: %v", err)
		}
		if err := b.Publish(ctx, domain.GlobalTenantID, "x", nil); !errors.Is(err, errGlobalPublish) {
			t.Errorf("global tenant: %v", err)
		}
		if _, err := b.Subscribe(ctx, "", "x", nil); !errors.Is(err, errTenantRequired) {
			t.Errorf("subscribe without tenant: %v", err)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		b := NewChannelBus(10)
		defer b.Close()

		ch, sub := collect(t, b, "tenant-001", "topic")
		if err := sub.Unsubscribe(); err != nil {
			t.Fatal(err)
		}
		if err := sub.Unsubscribe(); err != nil {
			t.Fatalf("second unsubscribe: %v", err)
		}
		if err := b.Publish(ctx, "tenant-001", "topic", nil); err != nil {
			t.Fatal(err)
		}
		expectNone(t, ch)
	})

	t.Run("FullQueueDrops", func(t *testing.T) {
		b := NewChannelBus(1)
		defer b.Close()

		release := make(chan struct{})
		started := make(chan struct{}, 1)
		_, err := b.Subscribe(ctx, "tenant-001", "slow", func(context.Context, *domain.Message) error {
			started <- struct{}{}
			<-release
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		defer close(release)

		// First message occupies the handler, second fills the queue.
		_ = b.Publish(ctx, "tenant-001", "slow", nil)
		<-started
		_ = b.Publish(ctx, "tenant-001", "slow", nil)
		_ = b.Publish(ctx, "tenant-001", "slow", nil)

		if got := b.Dropped(); got != 1 {
			t.Errorf("Dropped() = %d, want 1", got)
		}
	})

	t.Run("Closed", func(t *testing.T) {
		b := NewChannelBus(10)
		if err := b.Close(); err != nil {
			t.Fatal(err)
		}
		if err := b.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
		if err := b.Ping(ctx); !errors.Is(err, errClosed) {
			t.Errorf("Ping after close: %v", err)
		}
		if err := b.Publish(ctx, "tenant-001", "x", nil); !errors.Is(err, errClosed) {
			t.Errorf("Publish after close: %v", err)
		}
		if _, err := b.Subscribe(ctx, "tenant-001", "x", nil); !errors.Is(err, errClosed) {
			t.Errorf("Subscribe after close: %v", err)
		}
	})
}

func TestNew(t *testing.T) {
	b, err := New(domain.EventBusConfig{})
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	if _, ok := b.(*ChannelBus); !ok {
		t.Errorf("default bus is %T", b)
	}
	if _, err := New(domain.EventBusConfig{Type: "kafka"}); err == nil {
		t.Error("expected error for unknown bus type")
	}
}

func TestSubject(t *testing.T) {
	if got := Subject("acme.eu", domain.TopicRunCompleted); got != "errmap.acme_eu.errmap.run.completed" {
		t.Errorf("tenant subject = %q", got)
	}
	if got := Subject(domain.GlobalTenantID, domain.TopicRunRequested); got != "errmap.*.errmap.run.requested" {
		t.Errorf("global subject = %q", got)
	}
}

func TestNATSHeaders(t *testing.T) {
	in := &domain.Message{
		ID:          "msg-1",
		TenantID:    "acme.eu",
		Topic:       domain.TopicRunRequested,
		TraceID:     "4bf92f3577b34da6a3ce929d0e0e4736",
		PublishedAt: time.Date(2025, 3, 1, 12, 0, 0, 5, time.UTC),
		Payload:     []byte(`{"id":"r1"}`),
	}

	m := toNATS(in)
	if m.Subject != "errmap.acme_eu.errmap.run.requested" {
		t.Errorf("subject = %q", m.Subject)
	}
	if string(m.Data) != `{"id":"r1"}` {
		t.Errorf("body = %s", m.Data)
	}

	out, err := fromNATS(m)
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.TenantID != in.TenantID || out.Topic != in.Topic || out.TraceID != in.TraceID {
		t.Errorf("decoded envelope = %+v", out)
	}
	if !out.PublishedAt.Equal(in.PublishedAt) {
		t.Errorf("published at = %v", out.PublishedAt)
	}

	t.Run("MissingHeaders", func(t *testing.T) {
		if _, err := fromNATS(nats.NewMsg("errmap.x.y")); err == nil {
			t.Error("expected error without envelope headers")
		}
	})
}
