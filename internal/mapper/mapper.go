// Package mapper runs the end-to-end mapping flow: gather inputs, ask the
// model once, validate its table, archive the run and announce the outcome.
package mapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/errmap/internal/cache"
	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/export"
	"github.com/opensource-finance/errmap/internal/ingest"
	"github.com/opensource-finance/errmap/internal/pipeline"
	"github.com/opensource-finance/errmap/internal/requester"
)

var tracer = otel.Tracer("errmap-mapper")

// ErrInvalidRequest is returned for run requests missing an input.
var ErrInvalidRequest = errors.New("invalid run request")

// RunRequest names the two inputs of a run. Each input is given inline or
// by URL; inline wins when both are set.
type RunRequest struct {
	ID          string `json:"id,omitempty"`
	TenantID    string `json:"tenantId"`
	TraceID     string `json:"traceId,omitempty"`
	InternalCSV string `json:"internalCsv,omitempty"`
	InternalURL string `json:"internalUrl,omitempty"`
	PSPText     string `json:"pspText,omitempty"`
	PSPURL      string `json:"pspUrl,omitempty"`

	// NoCache forces a fresh model call.
	NoCache bool `json:"noCache,omitempty"`
}

// Check reports the first missing field.
func (r *RunRequest) Check() error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	case strings.TrimSpace(r.InternalCSV) == "" && r.InternalURL == "":
		return fmt.Errorf("%w: internalCsv or internalUrl is required", ErrInvalidRequest)
	case strings.TrimSpace(r.PSPText) == "" && r.PSPURL == "":
		return fmt.Errorf("%w: pspText or pspUrl is required", ErrInvalidRequest)
	}
	return nil
}

// RunEvent is published on errmap.run.completed and errmap.run.failed.
type RunEvent struct {
	RunID    string             `json:"runId"`
	TenantID string             `json:"tenantId"`
	Summary  *domain.RunSummary `json:"summary,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Deps are the collaborators of a Service. Requester, Processor and
// Repository are required; the rest may be nil.
type Deps struct {
	Requester  requester.Requester
	Processor  *pipeline.Processor
	Repository domain.Repository
	Responses  *cache.Responses
	Bus        domain.EventBus
	Store      export.Store
	Fetcher    *ingest.Fetcher
}

// Service executes mapping runs.
type Service struct {
	requester requester.Requester
	processor *pipeline.Processor
	repo      domain.Repository
	responses *cache.Responses
	bus       domain.EventBus
	store     export.Store
	fetcher   *ingest.Fetcher
}

// NewService creates a run service.
func NewService(deps Deps) (*Service, error) {
	if deps.Requester == nil || deps.Processor == nil || deps.Repository == nil {
		return nil, fmt.Errorf("mapper: requester, processor and repository are required")
	}
	if deps.Fetcher == nil {
		deps.Fetcher = ingest.NewFetcher(nil)
	}
	return &Service{
		requester: deps.Requester,
		processor: deps.Processor,
		repo:      deps.Repository,
		responses: deps.Responses,
		bus:       deps.Bus,
		store:     deps.Store,
		fetcher:   deps.Fetcher,
	}, nil
}

// Run executes one mapping run. A failed model call aborts the run and
// nothing is saved.
func (s *Service) Run(ctx context.Context, req RunRequest) (*domain.Run, error) {
	start := time.Now()
	if err := req.Check(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx, span := tracer.Start(ctx, "mapper.run", trace.WithAttributes(
		attribute.String("run.id", req.ID),
		attribute.String("tenant.id", req.TenantID),
	))
	defer span.End()
	if req.TraceID == "" {
		req.TraceID = traceID(ctx)
	}

	run, err := s.run(ctx, &req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("run failed",
			"run_id", req.ID,
			"tenant_id", req.TenantID,
			"error", err,
		)
		s.publish(ctx, req.TenantID, domain.TopicRunFailed, &RunEvent{RunID: req.ID, TenantID: req.TenantID, Error: err.Error()})
		return nil, err
	}

	span.SetAttributes(attribute.String("run.status", run.Status))
	slog.Info("run completed",
		"run_id", run.ID,
		"tenant_id", run.TenantID,
		"status", run.Status,
		"rows", len(run.Result.Rows),
		"rejected", len(run.Result.Rejected),
		"errors", len(run.Result.Quality.Errors),
		"warnings", len(run.Result.Quality.Warnings),
		"cache_hit", run.CacheHit,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.publish(ctx, run.TenantID, domain.TopicRunCompleted, &RunEvent{RunID: run.ID, TenantID: run.TenantID, Summary: run.Summary()})
	return run, nil
}

func (s *Service) run(ctx context.Context, req *RunRequest) (*domain.Run, error) {
	internal, err := s.internalErrors(ctx, req)
	if err != nil {
		return nil, err
	}
	pspText, err := s.pspText(ctx, req)
	if err != nil {
		return nil, err
	}

	prompt := requester.BuildPrompt(ingest.InternalCSV(internal), pspText)
	key := cache.ResponseKey(s.requester.Provider(), s.requester.Model(), prompt.System, prompt.User)

	text, hit, err := s.response(ctx, req, prompt, key)
	if err != nil {
		return nil, err
	}

	res, err := s.processor.ProcessCSV(ctx, req.TenantID, req.TraceID, text, internal)
	if err != nil {
		// An unusable answer must not be served again.
		s.forget(ctx, req.TenantID, key)
		return nil, fmt.Errorf("%w: %w", domain.ErrRequestFailure, err)
	}

	run := &domain.Run{
		ID:        req.ID,
		TenantID:  req.TenantID,
		Status:    domain.StatusFor(res),
		Provider:  s.requester.Provider(),
		Model:     s.requester.Model(),
		CacheHit:  hit,
		CreatedAt: time.Now().UTC(),
		Result:    res,
	}
	if err := s.repo.SaveRun(ctx, req.TenantID, run); err != nil {
		return nil, fmt.Errorf("failed to save run: %w", err)
	}

	if s.store != nil && res.Exportable() {
		loc, err := export.Archive(ctx, s.store, run, false)
		if err != nil {
			slog.Warn("failed to archive run", "run_id", run.ID, "error", err)
		} else {
			slog.Info("run archived", "run_id", run.ID, "table", loc.Table, "report", loc.Report)
		}
	}
	return run, nil
}

// response returns the model's answer, from cache when possible.
func (s *Service) response(ctx context.Context, req *RunRequest, prompt requester.Prompt, key string) (string, bool, error) {
	if !req.NoCache {
		cached, err := s.responses.Get(ctx, req.TenantID, key)
		if err != nil {
			slog.Warn("response cache read failed", "run_id", req.ID, "error", err)
		}
		if cached != nil {
			slog.Debug("response cache hit", "run_id", req.ID, "stored_at", cached.StoredAt)
			return cached.Text, true, nil
		}
	}

	ctx, span := tracer.Start(ctx, "requester.request", trace.WithAttributes(
		attribute.String("provider", s.requester.Provider()),
		attribute.String("model", s.requester.Model()),
	))
	text, err := s.requester.Request(ctx, prompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return "", false, err
	}
	span.SetAttributes(attribute.Int("response.bytes", len(text)))
	span.End()

	if err := s.responses.Put(ctx, req.TenantID, key, &cache.CachedResponse{
		Provider: s.requester.Provider(),
		Model:    s.requester.Model(),
		Text:     text,
	}); err != nil {
		slog.Warn("response cache write failed", "run_id", req.ID, "error", err)
	}
	return text, false, nil
}

// traceID returns the active trace ID, or a fresh UUID when tracing is off.
func traceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return uuid.New().String()
}

func (s *Service) forget(ctx context.Context, tenantID, key string) {
	if err := s.responses.Delete(ctx, tenantID, key); err != nil {
		slog.Warn("response cache delete failed", "error", err)
	}
}

func (s *Service) internalErrors(ctx context.Context, req *RunRequest) ([]domain.InternalError, error) {
	text := req.InternalCSV
	if strings.TrimSpace(text) == "" {
		doc, err := s.fetcher.Fetch(ctx, req.InternalURL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch internal errors: %w", err)
		}
		if text, err = doc.Text(); err != nil {
			return nil, err
		}
	}

	internal, err := ingest.ParseInternalErrors(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if len(internal) == 0 {
		return nil, fmt.Errorf("%w: internal error table is empty", ErrInvalidRequest)
	}
	return internal, nil
}

func (s *Service) pspText(ctx context.Context, req *RunRequest) (string, error) {
	if strings.TrimSpace(req.PSPText) != "" {
		return req.PSPText, nil
	}
	doc, err := s.fetcher.Fetch(ctx, req.PSPURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch PSP documentation: %w", err)
	}
	text, err := doc.Text()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: PSP documentation at %s has no text", ErrInvalidRequest, req.PSPURL)
	}
	return text, nil
}

// Submit queues a run for the async worker and returns its ID.
func (s *Service) Submit(ctx context.Context, req RunRequest) (string, error) {
	if s.bus == nil {
		return "", fmt.Errorf("async runs require an event bus")
	}
	if err := req.Check(); err != nil {
		return "", err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	if err := s.bus.Publish(ctx, req.TenantID, domain.TopicRunRequested, payload); err != nil {
		return "", fmt.Errorf("failed to queue run: %w", err)
	}
	return req.ID, nil
}

// Validate runs the validation pipeline on a caller-supplied candidate table.
// No model is called and nothing is saved.
func (s *Service) Validate(ctx context.Context, tenantID, candidateCSV string, internal []domain.InternalError) (*domain.Result, error) {
	return s.processor.ProcessCSV(ctx, tenantID, traceID(ctx), candidateCSV, internal)
}

// ValidateRecords is Validate for candidates already split into records.
func (s *Service) ValidateRecords(ctx context.Context, tenantID string, records []domain.Record, internal []domain.InternalError) *domain.Result {
	return s.processor.Process(ctx, &pipeline.Input{
		TenantID: tenantID,
		TraceID:  traceID(ctx),
		Records:  records,
		Internal: internal,
	})
}

// Export renders an archived run as CSV. Blocked runs need override.
func (s *Service) Export(ctx context.Context, tenantID, runID string, override bool) ([]byte, *domain.Run, error) {
	run, err := s.repo.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, nil, err
	}
	data, err := pipeline.Export(run.Result, override)
	if err != nil {
		return nil, run, err
	}
	return data, run, nil
}

func (s *Service) publish(ctx context.Context, tenantID, topic string, ev *RunEvent) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, tenantID, topic, payload); err != nil {
		slog.Warn("failed to publish run event", "topic", topic, "run_id", ev.RunID, "error", err)
	}
}
