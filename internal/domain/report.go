package domain

import (
	"time"
)

// Severity grades a finding.
type Severity string

const (
	// SeverityError blocks export.
	SeverityError Severity = "error"

	// SeverityWarning is advisory only.
	SeverityWarning Severity = "warning"
)

// TableLevel is the row index used by findings that concern the whole table.
const TableLevel = -1

// Finding is one result of normalization or quality checking.
type Finding struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Row      int      `json:"row"`
	Field    string   `json:"field,omitempty"`
	Values   []string `json:"values,omitempty"`
}

// Finding codes. They are stable identifiers consumed by callers.
const (
	// Normalization
	FindingConfidenceClamped   = "confidence_clamped"
	FindingEnumFallback        = "enum_fallback"
	FindingUnmappedConfidence  = "unmapped_confidence"
	FindingZeroConfidenceRetag = "zero_confidence_retagged"

	// Quality checklist
	FindingEmptyTable            = "empty_table"
	FindingCoverageMissing       = "coverage_missing"
	FindingUngroundedClaim       = "ungrounded_claim"
	FindingSubtypeInconsistent   = "subtype_inconsistent"
	FindingSubtypeMissing        = "subtype_missing"
	FindingDirectionMismatch     = "direction_mismatch"
	FindingExactLowConfidence    = "exact_low_confidence"
	FindingMerchantActionMissing = "merchant_action_missing"
	FindingDuplicateKey          = "duplicate_key"
	FindingClosestPartialShare   = "closest_partial_share"
	FindingClosestPartialBand    = "closest_partial_band"
	FindingOneToManySingleton    = "one_to_many_singleton"
	FindingCustomRule            = "custom_rule"
	FindingCustomRuleError       = "custom_rule_error"
)

// RejectedRow is a candidate row excluded by the normalizer.
type RejectedRow struct {
	Error  *SchemaError `json:"error"`
	Record Record       `json:"record"`
}

// DiscardedRow is an alternative dropped during consolidation, kept for audit.
type DiscardedRow struct {
	Key       string     `json:"key"`
	Index     int        `json:"index"`
	KeptIndex int        `json:"keptIndex"`
	Reason    string     `json:"reason"`
	Row       MappingRow `json:"row"`
}

// ConsolidationReport summarizes what the deduplicator did.
type ConsolidationReport struct {
	InputRows         int            `json:"inputRows"`
	OutputRows        int            `json:"outputRows"`
	DuplicatesDropped int            `json:"duplicatesDropped"`
	GroupsMerged      int            `json:"groupsMerged"`
	Retagged          int            `json:"retagged"`
	Discarded         []DiscardedRow `json:"discarded,omitempty"`
}

// TableStats is the distribution summary of a consolidated table.
type TableStats struct {
	TotalRows      int     `json:"totalRows"`
	Forward        int     `json:"forward"`
	Reverse        int     `json:"reverse"`
	PSPOnly        int     `json:"pspOnly"`
	Exact          int     `json:"exact"`
	Probable       int     `json:"probable"`
	OneToMany      int     `json:"oneToMany"`
	ClosestPartial int     `json:"closestPartial"`
	Unmapped       int     `json:"unmapped"`
	AvgConfidence  float64 `json:"avgConfidence"`
}

// QualityReport is the checklist outcome. Export proceeds only when
// Errors is empty.
type QualityReport struct {
	Errors   []Finding  `json:"errors"`
	Warnings []Finding  `json:"warnings"`
	Stats    TableStats `json:"stats"`
}

// Add files a finding under its severity.
func (q *QualityReport) Add(f Finding) {
	if f.Severity == SeverityError {
		q.Errors = append(q.Errors, f)
		return
	}
	q.Warnings = append(q.Warnings, f)
}

// Passed reports whether no blocking error was found.
func (q *QualityReport) Passed() bool {
	return len(q.Errors) == 0
}

// Err returns a *ValidationError for the blocking findings, or nil.
func (q *QualityReport) Err() error {
	if q.Passed() {
		return nil
	}
	return &ValidationError{Findings: q.Errors}
}

// ResultMetadata contains processing information.
type ResultMetadata struct {
	TraceID        string `json:"traceId,omitempty"`
	NormalizeMs    int64  `json:"normalizeMs"`
	ConsolidateMs  int64  `json:"consolidateMs"`
	QualityMs      int64  `json:"qualityMs"`
	TotalMs        int64  `json:"totalMs"`
	RulesEvaluated int    `json:"rulesEvaluated"`
}

// Result is the output of one validation pass over a candidate table.
type Result struct {
	Rows                  []MappingRow        `json:"rows"`
	Rejected              []RejectedRow       `json:"rejected"`
	NormalizationWarnings []Finding           `json:"normalizationWarnings"`
	Consolidation         ConsolidationReport `json:"consolidation"`
	Quality               QualityReport       `json:"quality"`
	Metadata              ResultMetadata      `json:"metadata"`
}

// Exportable reports whether the table may be exported without override.
func (r *Result) Exportable() bool {
	return r.Quality.Passed()
}

// Run status values.
const (
	RunStatusPassed  = "passed"
	RunStatusBlocked = "blocked"
)

// Run is one archived end-to-end mapping run.
type Run struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Status    string    `json:"status"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CacheHit  bool      `json:"cacheHit"`
	CreatedAt time.Time `json:"createdAt"`
	Result    *Result   `json:"result"`
}

// StatusFor derives the run status from a validation result.
func StatusFor(res *Result) string {
	if res != nil && res.Exportable() {
		return RunStatusPassed
	}
	return RunStatusBlocked
}

// Summary condenses the run for listings.
func (r *Run) Summary() *RunSummary {
	s := &RunSummary{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Status:    r.Status,
		Provider:  r.Provider,
		Model:     r.Model,
		CreatedAt: r.CreatedAt,
	}
	if r.Result != nil {
		s.Rows = len(r.Result.Rows)
		s.Rejected = len(r.Result.Rejected)
		s.Errors = len(r.Result.Quality.Errors)
		s.Warnings = len(r.Result.Quality.Warnings)
	}
	return s
}

// RunSummary is the listing view of a run.
type RunSummary struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Status    string    `json:"status"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Rows      int       `json:"rows"`
	Rejected  int       `json:"rejected"`
	Errors    int       `json:"errors"`
	Warnings  int       `json:"warnings"`
	CreatedAt time.Time `json:"createdAt"`
}
