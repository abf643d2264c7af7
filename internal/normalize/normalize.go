// Package normalize turns loosely-typed candidate records into typed mapping
// rows. Defective rows are rejected with a *domain.SchemaError and the rest
// carry on; every coercion is reported as a warning.
package normalize

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/errmap/internal/domain"
)

// columnAliases maps historical header names onto canonical columns.
var columnAliases = map[string]string{
	"internal_error_code":    domain.ColInternalCode,
	"internal_error_message": domain.ColInternalMessage,
	"psp_error_code":         domain.ColPSPCode,
	"psp_error_message":      domain.ColPSPMessage,
	"evidence":               domain.ColEvidencePSP,
	"merchant_action":        domain.ColRecommendedMerchantAction,
}

var knownColumns = func() map[string]bool {
	m := make(map[string]bool)
	for _, c := range domain.Columns() {
		m[c] = true
	}
	return m
}()

func canonicalKey(name string) string {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.Join(strings.Fields(key), "_")
	return strings.ReplaceAll(key, "-", "_")
}

// Output is the result of normalizing one candidate table.
type Output struct {
	Rows     []domain.MappingRow
	Rejected []domain.RejectedRow
	Warnings []domain.Finding
}

// CanonicalColumn maps a raw header to its canonical column name, or "" when
// the column is unknown.
func CanonicalColumn(name string) string {
	key := canonicalKey(name)
	if alias, ok := columnAliases[key]; ok {
		return alias
	}
	if knownColumns[key] {
		return key
	}
	return ""
}

// Canonicalize rekeys a record onto canonical column names and trims values.
// Unknown columns are dropped. When several headers land on the same column,
// a header spelled as the canonical name beats an alias, and ties go to the
// first non-empty value in header name order.
func Canonicalize(rec domain.Record) domain.Record {
	headers := make([]string, 0, len(rec))
	for k := range rec {
		headers = append(headers, k)
	}
	sort.Strings(headers)

	out := make(domain.Record, len(rec))
	rank := make(map[string]int, len(rec))
	for _, h := range headers {
		col := CanonicalColumn(h)
		if col == "" {
			continue
		}
		v := strings.TrimSpace(rec[h])
		r := headerRank(h, col, v)
		if prev, seen := rank[col]; seen && prev >= r {
			continue
		}
		out[col] = v
		rank[col] = r
	}
	return out
}

// headerRank orders candidate headers for one column: any non-empty value
// beats an empty one, and the canonical spelling beats an alias.
func headerRank(header, col, value string) int {
	r := 0
	if value != "" {
		r += 2
	}
	if _, alias := columnAliases[canonicalKey(header)]; !alias {
		r++
	}
	return r
}

// Normalize validates and coerces every record. Row indexes in the output
// refer to positions in records.
func Normalize(records []domain.Record) *Output {
	out := &Output{
		Rows: make([]domain.MappingRow, 0, len(records)),
	}
	for i, rec := range records {
		row, warnings, err := Row(i, rec)
		if err != nil {
			out.Rejected = append(out.Rejected, domain.RejectedRow{Error: err, Record: rec})
			continue
		}
		out.Rows = append(out.Rows, row)
		out.Warnings = append(out.Warnings, warnings...)
	}
	return out
}

// Row normalizes a single record found at index i.
func Row(i int, raw domain.Record) (domain.MappingRow, []domain.Finding, *domain.SchemaError) {
	rec := Canonicalize(raw)
	var row domain.MappingRow
	var warnings []domain.Finding

	for _, col := range []string{domain.ColDirection, domain.ColMappingType, domain.ColConfidence} {
		if rec[col] == "" {
			return row, nil, &domain.SchemaError{Row: i, Field: col, Reason: "missing value"}
		}
	}

	dir, ok := domain.ParseDirection(rec[domain.ColDirection])
	if !ok {
		return row, nil, &domain.SchemaError{Row: i, Field: domain.ColDirection,
			Reason: fmt.Sprintf("unrecognized value %q", rec[domain.ColDirection])}
	}
	mt, ok := domain.ParseMappingType(rec[domain.ColMappingType])
	if !ok {
		return row, nil, &domain.SchemaError{Row: i, Field: domain.ColMappingType,
			Reason: fmt.Sprintf("unrecognized value %q", rec[domain.ColMappingType])}
	}
	conf, clamped, err := ParseConfidence(rec[domain.ColConfidence])
	if err != nil {
		return row, nil, &domain.SchemaError{Row: i, Field: domain.ColConfidence, Reason: err.Error()}
	}
	if rec[domain.ColInternalCode] == "" && rec[domain.ColPSPCode] == "" {
		return row, nil, &domain.SchemaError{Row: i, Field: domain.ColInternalCode,
			Reason: "internal_code and psp_code are both empty"}
	}

	row = domain.MappingRow{
		Direction:                 dir,
		InternalCode:              rec[domain.ColInternalCode],
		InternalMessage:           rec[domain.ColInternalMessage],
		PSPCode:                   rec[domain.ColPSPCode],
		PSPMessage:                rec[domain.ColPSPMessage],
		MappingType:               mt,
		Confidence:                conf,
		ReasoningSummary:          rec[domain.ColReasoningSummary],
		EvidencePSP:               rec[domain.ColEvidencePSP],
		RecommendedMerchantAction: rec[domain.ColRecommendedMerchantAction],
	}

	if clamped {
		warnings = append(warnings, warn(i, domain.FindingConfidenceClamped, domain.ColConfidence,
			fmt.Sprintf("confidence %q clamped to %d", rec[domain.ColConfidence], conf),
			rec[domain.ColConfidence]))
	}

	if fd, ok := domain.ParseFailureDomain(rec[domain.ColFailureDomain]); ok {
		row.FailureDomain = fd
	} else {
		row.FailureDomain = domain.DomainUnknown
		warnings = append(warnings, fallback(i, domain.ColFailureDomain, rec[domain.ColFailureDomain], string(domain.DomainUnknown)))
	}

	if ea, ok := domain.ParseExpectedAction(rec[domain.ColExpectedAction]); ok {
		row.ExpectedAction = ea
	} else {
		row.ExpectedAction = domain.ActionInvestigate
		warnings = append(warnings, fallback(i, domain.ColExpectedAction, rec[domain.ColExpectedAction], string(domain.ActionInvestigate)))
	}

	// confidence is zero exactly when the row is unmapped
	switch {
	case row.MappingType == domain.MappingUnmapped && row.Confidence != 0:
		warnings = append(warnings, warn(i, domain.FindingUnmappedConfidence, domain.ColConfidence,
			fmt.Sprintf("unmapped row had confidence %d, set to 0", row.Confidence),
			strconv.Itoa(row.Confidence)))
		row.Confidence = 0
	case row.MappingType != domain.MappingUnmapped && row.Confidence == 0:
		warnings = append(warnings, warn(i, domain.FindingZeroConfidenceRetag, domain.ColMappingType,
			fmt.Sprintf("%s row with confidence 0 retagged %s", row.MappingType, domain.MappingUnmapped),
			string(row.MappingType)))
		row.MappingType = domain.MappingUnmapped
	}

	// An unrecognized subtype only means "investigate" on a row that is
	// actually unmapped; on a mapped row it is dropped.
	if st, ok := domain.ParseUnknownSubtype(rec[domain.ColUnknownSubtype]); ok {
		row.UnknownSubtype = st
	} else {
		to := domain.SubtypeNone
		if row.IsUnmapped() {
			to = domain.SubtypeNeedsInvestigation
		}
		row.UnknownSubtype = to
		warnings = append(warnings, fallback(i, domain.ColUnknownSubtype, rec[domain.ColUnknownSubtype], subtypeLabel(to)))
	}

	return row, warnings, nil
}

// ParseConfidence reads an integer confidence. A trailing percent sign and
// decimal forms are accepted and rounded half away from zero. Values outside
// [0,100] are clamped and reported through the second return value.
func ParseConfidence(s string) (int, bool, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false, fmt.Errorf("not a number: %q", s)
	}
	n := math.Round(f)
	switch {
	case n < 0:
		return 0, true, nil
	case n > 100:
		return 100, true, nil
	}
	return int(n), false, nil
}

func warn(row int, code, field, msg string, values ...string) domain.Finding {
	return domain.Finding{
		Severity: domain.SeverityWarning,
		Code:     code,
		Message:  msg,
		Row:      row,
		Field:    field,
		Values:   values,
	}
}

func subtypeLabel(st domain.UnknownSubtype) string {
	if st == domain.SubtypeNone {
		return "no subtype"
	}
	return string(st)
}

func fallback(row int, field, raw, to string) domain.Finding {
	return warn(row, domain.FindingEnumFallback, field,
		fmt.Sprintf("%s %q not recognized, using %s", field, raw, to), raw)
}
