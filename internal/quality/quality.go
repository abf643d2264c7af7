// Package quality runs the checklist over a consolidated mapping table.
// Checks never modify rows; every check runs on every call.
package quality

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/opensource-finance/errmap/internal/consolidate"
	"github.com/opensource-finance/errmap/internal/domain"
)

// Checker evaluates the quality checklist.
type Checker struct {
	cfg    domain.ValidationConfig
	key    consolidate.KeyFunc
	engine *Engine
}

// Option configures a Checker.
type Option func(*Checker)

// WithKeyFunc sets the grouping key used by the duplicate check.
func WithKeyFunc(fn consolidate.KeyFunc) Option {
	return func(c *Checker) {
		if fn != nil {
			c.key = fn
		}
	}
}

// WithEngine attaches custom CEL rules.
func WithEngine(e *Engine) Option {
	return func(c *Checker) { c.engine = e }
}

// NewChecker creates a checker. Unset values in cfg take defaults. The
// tie-break list is not consulted here, so an invalid one is ignored.
func NewChecker(cfg domain.ValidationConfig, opts ...Option) *Checker {
	if err := cfg.Normalize(); err != nil {
		slog.Debug("quality checker ignores tie-break", "error", err)
	}
	c := &Checker{cfg: cfg, key: consolidate.Key}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RulesCount returns the number of custom rules evaluated per row.
func (c *Checker) RulesCount() int {
	if c.engine == nil {
		return 0
	}
	return c.engine.RulesCount()
}

// Check runs the checklist. internal is the source internal error table used
// for coverage. Row indexes in findings refer to positions in rows.
func (c *Checker) Check(rows []domain.MappingRow, internal []domain.InternalError) domain.QualityReport {
	var report domain.QualityReport

	if len(rows) == 0 {
		report.Add(domain.Finding{
			Severity: domain.SeverityError,
			Code:     domain.FindingEmptyTable,
			Message:  "no rows survived normalization",
			Row:      domain.TableLevel,
		})
	}

	c.checkCoverage(&report, rows, internal)

	seen := make(map[string]int, len(rows))
	for i := range rows {
		row := &rows[i]
		c.checkDirection(&report, i, row)
		c.checkSubtype(&report, i, row)
		c.checkGrounding(&report, i, row)
		c.checkConfidence(&report, i, row)

		if row.RecommendedMerchantAction == "" {
			report.Add(rowFinding(domain.SeverityError, domain.FindingMerchantActionMissing, i,
				domain.ColRecommendedMerchantAction, "recommended_merchant_action is empty"))
		}

		k := c.key(row)
		if first, dup := seen[k]; dup {
			f := rowFinding(domain.SeverityError, domain.FindingDuplicateKey, i, "",
				fmt.Sprintf("grouping key repeats row %d", first))
			f.Values = []string{k}
			report.Add(f)
		} else {
			seen[k] = i
		}

		if c.engine != nil {
			for _, f := range c.engine.Evaluate(i, row) {
				report.Add(f)
			}
		}
	}

	c.checkOneToMany(&report, rows)
	c.checkClosestPartialShare(&report, rows)

	report.Stats = Stats(rows)
	return report
}

func (c *Checker) checkCoverage(report *domain.QualityReport, rows []domain.MappingRow, internal []domain.InternalError) {
	mapped := make(map[string]bool, len(rows))
	for i := range rows {
		if rows[i].InternalCode != "" {
			mapped[consolidate.NormCode(rows[i].InternalCode)] = true
		}
	}

	var missing []string
	listed := make(map[string]bool)
	for _, ie := range internal {
		norm := consolidate.NormCode(ie.Code)
		if norm == "" || mapped[norm] || listed[norm] {
			continue
		}
		listed[norm] = true
		missing = append(missing, ie.Code)
	}
	if len(missing) == 0 {
		return
	}
	report.Add(domain.Finding{
		Severity: domain.SeverityError,
		Code:     domain.FindingCoverageMissing,
		Message:  fmt.Sprintf("%d internal code(s) appear in no row", len(missing)),
		Row:      domain.TableLevel,
		Field:    domain.ColInternalCode,
		Values:   missing,
	})
}

func (c *Checker) checkDirection(report *domain.QualityReport, i int, row *domain.MappingRow) {
	var msg string
	switch row.Direction {
	case domain.DirectionForward:
		if !row.HasInternal() {
			msg = "Forward row has no internal_code"
		}
	case domain.DirectionReverse:
		if !row.HasPSP() {
			msg = "Reverse row has no psp_code"
		}
	case domain.DirectionPSPOnly:
		if !row.HasPSP() {
			msg = "PSPOnly row has no psp_code"
		} else if row.HasInternal() {
			msg = "PSPOnly row has an internal_code"
		}
	}
	if msg != "" {
		report.Add(rowFinding(domain.SeverityError, domain.FindingDirectionMismatch, i, domain.ColDirection, msg))
	}
}

func (c *Checker) checkSubtype(report *domain.QualityReport, i int, row *domain.MappingRow) {
	if row.IsUnmapped() && row.UnknownSubtype == domain.SubtypeNone {
		report.Add(rowFinding(domain.SeverityError, domain.FindingSubtypeMissing, i,
			domain.ColUnknownSubtype, "Unmapped row has no unknown_subtype"))
		return
	}

	var msg string
	switch {
	case !row.IsUnmapped() && row.UnknownSubtype != domain.SubtypeNone:
		msg = fmt.Sprintf("%s row carries unknown_subtype %s", row.MappingType, row.UnknownSubtype)
	case row.UnknownSubtype == domain.SubtypeNoPSPEquivalent && row.HasPSP():
		msg = "NoPSPEquivalent row has a psp_code"
	case row.UnknownSubtype == domain.SubtypeNoInternalEquivalent && row.HasInternal():
		msg = "NoInternalEquivalent row has an internal_code"
	}
	if msg != "" {
		report.Add(rowFinding(domain.SeverityError, domain.FindingSubtypeInconsistent, i, domain.ColUnknownSubtype, msg))
	}
}

func (c *Checker) checkGrounding(report *domain.QualityReport, i int, row *domain.MappingRow) {
	if row.HasPSP() && row.Confidence >= c.cfg.EvidenceFloor() && row.EvidencePSP == "" {
		report.Add(rowFinding(domain.SeverityError, domain.FindingUngroundedClaim, i, domain.ColEvidencePSP,
			fmt.Sprintf("psp_code %s claimed at confidence %d without evidence_psp", row.PSPCode, row.Confidence)))
	}
}

func (c *Checker) checkConfidence(report *domain.QualityReport, i int, row *domain.MappingRow) {
	switch row.MappingType {
	case domain.MappingExact:
		if row.Confidence < c.cfg.ExactMinConfidence {
			report.Add(rowFinding(domain.SeverityError, domain.FindingExactLowConfidence, i, domain.ColConfidence,
				fmt.Sprintf("Exact row has confidence %d, below %d", row.Confidence, c.cfg.ExactMinConfidence)))
		}
	case domain.MappingClosestPartial:
		if row.Confidence < c.cfg.ClosestPartialConfidenceFloor || row.Confidence >= c.cfg.ClosestPartialConfidenceCeiling {
			report.Add(rowFinding(domain.SeverityWarning, domain.FindingClosestPartialBand, i, domain.ColConfidence,
				fmt.Sprintf("ClosestPartial confidence %d outside %d-%d", row.Confidence,
					c.cfg.ClosestPartialConfidenceFloor, c.cfg.ClosestPartialConfidenceCeiling-1)))
		}
	}
}

func (c *Checker) checkOneToMany(report *domain.QualityReport, rows []domain.MappingRow) {
	anchorOf := func(row *domain.MappingRow) string {
		if row.Direction == domain.DirectionForward {
			return string(row.Direction) + "|" + consolidate.NormCode(row.InternalCode)
		}
		return string(row.Direction) + "|" + consolidate.NormCode(row.PSPCode)
	}

	counts := make(map[string]int)
	for i := range rows {
		if rows[i].MappingType == domain.MappingOneToMany {
			counts[anchorOf(&rows[i])]++
		}
	}
	for i := range rows {
		if rows[i].MappingType != domain.MappingOneToMany || counts[anchorOf(&rows[i])] > 1 {
			continue
		}
		report.Add(rowFinding(domain.SeverityWarning, domain.FindingOneToManySingleton, i, domain.ColMappingType,
			"OneToMany row has no sibling sharing its code"))
	}
}

func (c *Checker) checkClosestPartialShare(report *domain.QualityReport, rows []domain.MappingRow) {
	if len(rows) == 0 {
		return
	}
	low := 0
	for i := range rows {
		if rows[i].MappingType == domain.MappingClosestPartial && rows[i].Confidence < c.cfg.ClosestPartialConfidenceCeiling {
			low++
		}
	}
	share := float64(low) / float64(len(rows))
	if share <= c.cfg.ShareThreshold() {
		return
	}
	report.Add(domain.Finding{
		Severity: domain.SeverityWarning,
		Code:     domain.FindingClosestPartialShare,
		Message: fmt.Sprintf("%.0f%% of rows are low-confidence ClosestPartial (threshold %.0f%%)",
			share*100, c.cfg.ShareThreshold()*100),
		Row: domain.TableLevel,
	})
}

// Stats computes the distribution summary. The average covers rows with a
// non-zero confidence and is rounded to one decimal.
func Stats(rows []domain.MappingRow) domain.TableStats {
	s := domain.TableStats{TotalRows: len(rows)}
	sum, n := 0, 0
	for i := range rows {
		switch rows[i].Direction {
		case domain.DirectionForward:
			s.Forward++
		case domain.DirectionReverse:
			s.Reverse++
		case domain.DirectionPSPOnly:
			s.PSPOnly++
		}
		switch rows[i].MappingType {
		case domain.MappingExact:
			s.Exact++
		case domain.MappingProbable:
			s.Probable++
		case domain.MappingOneToMany:
			s.OneToMany++
		case domain.MappingClosestPartial:
			s.ClosestPartial++
		case domain.MappingUnmapped:
			s.Unmapped++
		}
		if rows[i].Confidence > 0 {
			sum += rows[i].Confidence
			n++
		}
	}
	if n > 0 {
		s.AvgConfidence = math.Round(float64(sum)/float64(n)*10) / 10
	}
	return s
}

func rowFinding(sev domain.Severity, code string, row int, field, msg string) domain.Finding {
	return domain.Finding{
		Severity: sev,
		Code:     code,
		Message:  fmt.Sprintf("row %d: %s", row, msg),
		Row:      row,
		Field:    field,
	}
}
