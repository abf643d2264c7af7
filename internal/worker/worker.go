// Package worker executes queued mapping runs from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/mapper"
)

// Runner executes one mapping run.
type Runner interface {
	Run(ctx context.Context, req mapper.RunRequest) (*domain.Run, error)
}

// errStopped rejects messages delivered after Stop.
var errStopped = errors.New("run worker stopped")

// Worker consumes errmap.run.requested and executes each run on a
// bounded pool.
type Worker struct {
	bus    domain.EventBus
	runner Runner

	mu      sync.Mutex
	subs    []domain.Subscription
	stopped bool

	slots  chan struct{}
	active sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs limits the worker to these tenants. Empty means every tenant.
	TenantIDs []string

	// Concurrency is the number of runs executed at once.
	Concurrency int

	// RunTimeout bounds one run, model call included. Zero means no bound.
	RunTimeout time.Duration
}

// NewWorker returns a stopped worker; call Start to subscribe.
func NewWorker(eventBus domain.EventBus, runner Runner) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    eventBus,
		runner: runner,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to run requests for cfg.TenantIDs, or for every tenant
// through the global subscription when none are listed. A failed
// subscription undoes the ones already made.
func (w *Worker) Start(cfg Config) error {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	w.slots = make(chan struct{}, cfg.Concurrency)

	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{domain.GlobalTenantID}
	}

	handle := func(_ context.Context, msg *domain.Message) error {
		return w.dispatch(msg, cfg.RunTimeout)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicRunRequested, handle)
		if err != nil {
			for _, s := range w.subs {
				_ = s.Unsubscribe()
			}
			w.subs = nil
			return fmt.Errorf("subscribe run requests for %s: %w", tenantID, err)
		}
		w.subs = append(w.subs, sub)
	}

	slog.Info("run worker started", "tenants", tenants, "concurrency", cfg.Concurrency)
	return nil
}

// dispatch blocks until a pool slot frees up, then runs msg in the
// background.
func (w *Worker) dispatch(msg *domain.Message, timeout time.Duration) error {
	select {
	case w.slots <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	// Add must not race with Stop's Wait.
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.slots
		return errStopped
	}
	w.active.Add(1)
	w.mu.Unlock()

	go func() {
		defer func() {
			<-w.slots
			w.active.Done()
		}()

		ctx, cancel := w.ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		if err := w.process(ctx, msg); err != nil {
			w.failed.Add(1)
			slog.Error("queued run failed",
				"message_id", msg.ID,
				"tenant_id", msg.TenantID,
				"trace_id", msg.TraceID,
				"error", err,
			)
		}
	}()
	return nil
}

// process decodes a run request and executes it. The message tenant is
// authoritative over the payload.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	var req mapper.RunRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return fmt.Errorf("failed to parse run request: %w", err)
	}
	req.TenantID = msg.TenantID
	if req.TraceID == "" {
		req.TraceID = msg.TraceID
	}

	slog.Debug("processing queued run",
		"run_id", req.ID,
		"tenant_id", req.TenantID,
		"trace_id", req.TraceID,
	)

	if _, err := w.runner.Run(ctx, req); err != nil {
		return err
	}
	w.processed.Add(1)
	return nil
}

// Stop unsubscribes, lets in-flight runs finish, then cancels the
// worker context. It is safe to call more than once.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subs
	w.subs = nil
	w.stopped = true
	w.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", sub.Topic(), err))
		}
	}

	w.active.Wait()
	w.cancel()

	slog.Info("run worker stopped", "processed", w.processed.Load(), "failed", w.failed.Load())
	return errors.Join(errs...)
}
