// Package pipeline runs the validation stages over one candidate table:
// normalize, consolidate, quality. A run holds no shared state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/opensource-finance/errmap/internal/consolidate"
	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/normalize"
	"github.com/opensource-finance/errmap/internal/quality"
	"github.com/opensource-finance/errmap/internal/table"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("errmap-pipeline")

// Processor validates and consolidates candidate tables.
type Processor struct {
	consolidator *consolidate.Consolidator
	checker      *quality.Checker
}

// NewProcessor creates a processor from validation settings. engine may be
// nil when no custom rules are configured.
func NewProcessor(cfg domain.ValidationConfig, engine *quality.Engine) (*Processor, error) {
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	c := consolidate.New(cfg.DedupConfidenceTiebreak)
	return &Processor{
		consolidator: c,
		checker: quality.NewChecker(cfg,
			quality.WithKeyFunc(c.KeyOf),
			quality.WithEngine(engine),
		),
	}, nil
}

// Input contains everything one validation pass needs.
type Input struct {
	TenantID string
	TraceID  string
	Records  []domain.Record
	Internal []domain.InternalError
}

// Process runs normalize, consolidate and quality in order.
func (p *Processor) Process(ctx context.Context, input *Input) *domain.Result {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("tenant.id", input.TenantID),
		attribute.Int("records", len(input.Records)),
	))
	defer span.End()

	res := &domain.Result{}

	stageStart := time.Now()
	_, nspan := tracer.Start(ctx, "normalize")
	norm := normalize.Normalize(input.Records)
	nspan.SetAttributes(
		attribute.Int("rows", len(norm.Rows)),
		attribute.Int("rejected", len(norm.Rejected)),
	)
	nspan.End()
	res.Rejected = norm.Rejected
	res.NormalizationWarnings = norm.Warnings
	res.Metadata.NormalizeMs = time.Since(stageStart).Milliseconds()

	stageStart = time.Now()
	_, cspan := tracer.Start(ctx, "consolidate")
	rows, creport := p.consolidator.Consolidate(norm.Rows)
	cspan.SetAttributes(
		attribute.Int("dropped", creport.DuplicatesDropped),
		attribute.Int("retagged", creport.Retagged),
	)
	cspan.End()
	res.Rows = rows
	res.Consolidation = creport
	res.Metadata.ConsolidateMs = time.Since(stageStart).Milliseconds()

	stageStart = time.Now()
	_, qspan := tracer.Start(ctx, "quality")
	res.Quality = p.checker.Check(rows, input.Internal)
	qspan.SetAttributes(
		attribute.Int("errors", len(res.Quality.Errors)),
		attribute.Int("warnings", len(res.Quality.Warnings)),
	)
	qspan.End()
	res.Metadata.QualityMs = time.Since(stageStart).Milliseconds()

	res.Metadata.TraceID = input.TraceID
	res.Metadata.RulesEvaluated = p.checker.RulesCount()
	res.Metadata.TotalMs = time.Since(start).Milliseconds()

	span.SetAttributes(attribute.Bool("passed", res.Exportable()))
	return res
}

// ErrNotMappingTable is returned when the candidate text has no direction
// column, as happens when the model answers in prose.
var ErrNotMappingTable = errors.New("candidate has no mapping table header")

// ProcessCSV extracts and parses candidate CSV text, then processes it.
func (p *Processor) ProcessCSV(ctx context.Context, tenantID, traceID, text string, internal []domain.InternalError) (*domain.Result, error) {
	header, rows, err := table.Parse(table.ExtractCSV(text))
	if err != nil {
		return nil, fmt.Errorf("failed to parse candidate table: %w", err)
	}
	if !slices.ContainsFunc(header, func(h string) bool {
		return normalize.CanonicalColumn(h) == domain.ColDirection
	}) {
		return nil, fmt.Errorf("failed to parse candidate table: %w", ErrNotMappingTable)
	}
	return p.Process(ctx, &Input{
		TenantID: tenantID,
		TraceID:  traceID,
		Records:  table.Records(header, rows),
		Internal: internal,
	}), nil
}

// Export renders the validated table as CSV. A result with blocking errors is
// refused with an error wrapping domain.ErrExportBlocked unless override is set.
func Export(res *domain.Result, override bool) ([]byte, error) {
	if res == nil {
		return nil, fmt.Errorf("export: no result")
	}
	if !override {
		if err := res.Quality.Err(); err != nil {
			return nil, fmt.Errorf("export: %w", err)
		}
	}
	return table.Marshal(res.Rows)
}
