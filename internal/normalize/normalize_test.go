package normalize

import (
	"errors"
	"reflect"
	"testing"

	"github.com/opensource-finance/errmap/internal/domain"
)

func validRecord() domain.Record {
	return domain.Record{
		"direction":                   "Forward",
		"internal_code":               "INT001",
		"internal_message":            "Card declined",
		"failure_domain":              "issuer",
		"expected_action":             "contact_bank",
		"psp_code":                    "PSP100",
		"psp_message":                 "Do not honor",
		"mapping_type":                "Exact",
		"confidence":                  "95",
		"reasoning_summary":           "Same decline semantics",
		"evidence_psp":                "05 - Do not honor",
		"recommended_merchant_action": "Ask the customer to contact their bank",
	}
}

func TestNormalizeValidRow(t *testing.T) {
	out := Normalize([]domain.Record{validRecord()})

	if len(out.Rejected) != 0 {
		t.Fatalf("expected no rejections, got %v", out.Rejected[0].Error)
	}
	if len(out.Warnings) != 0 {
		t.Errorf("expected no warnings, got %d", len(out.Warnings))
	}
	if len(out.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(out.Rows))
	}

	row := out.Rows[0]
	if row.Direction != domain.DirectionForward {
		t.Errorf("expected Forward, got %s", row.Direction)
	}
	if row.MappingType != domain.MappingExact || row.Confidence != 95 {
		t.Errorf("expected Exact/95, got %s/%d", row.MappingType, row.Confidence)
	}
	if row.FailureDomain != domain.DomainIssuer {
		t.Errorf("expected issuer, got %s", row.FailureDomain)
	}
}

func TestNormalizeAliasesAndLooseEnums(t *testing.T) {
	rec := domain.Record{
		" Direction ":                 "PSP-only",
		"internal_error_code":         "",
		"PSP_Error_Code":              "PSP900",
		"psp_error_message":           "Unknown error",
		"Mapping Type":                "Closest partial",
		"confidence":                  "55.4%",
		"failure_domain":              "SYSTEM",
		"expected_action":             "No Action",
		"recommended_merchant_action": "Log and monitor",
		"some_extra_column":           "ignored",
	}

	out := Normalize([]domain.Record{rec})
	if len(out.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d (rejected %v)", len(out.Rows), out.Rejected)
	}

	row := out.Rows[0]
	if row.Direction != domain.DirectionPSPOnly {
		t.Errorf("expected PSPOnly, got %s", row.Direction)
	}
	if row.PSPCode != "PSP900" {
		t.Errorf("expected alias psp_error_code to map, got %q", row.PSPCode)
	}
	if row.MappingType != domain.MappingClosestPartial {
		t.Errorf("expected ClosestPartial, got %s", row.MappingType)
	}
	if row.Confidence != 55 {
		t.Errorf("expected 55, got %d", row.Confidence)
	}
	if row.ExpectedAction != domain.ActionNoAction {
		t.Errorf("expected no_action, got %s", row.ExpectedAction)
	}
}

func TestNormalizeClampsConfidence(t *testing.T) {
	rec := validRecord()
	rec["confidence"] = "120"

	out := Normalize([]domain.Record{rec})
	if len(out.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(out.Rows))
	}
	if out.Rows[0].Confidence != 100 {
		t.Errorf("expected confidence clamped to 100, got %d", out.Rows[0].Confidence)
	}
	if len(out.Warnings) != 1 || out.Warnings[0].Code != domain.FindingConfidenceClamped {
		t.Fatalf("expected one confidence_clamped warning, got %+v", out.Warnings)
	}
	if out.Warnings[0].Row != 0 || out.Warnings[0].Field != domain.ColConfidence {
		t.Errorf("warning should name row 0 and confidence field, got row %d field %q",
			out.Warnings[0].Row, out.Warnings[0].Field)
	}
}

func TestNormalizeRejectsMissingMappingType(t *testing.T) {
	missing := validRecord()
	delete(missing, "mapping_type")
	other := validRecord()
	other["internal_code"] = "INT002"

	out := Normalize([]domain.Record{missing, other})

	if len(out.Rows) != 1 || out.Rows[0].InternalCode != "INT002" {
		t.Fatalf("expected only INT002 to survive, got %+v", out.Rows)
	}
	if len(out.Rejected) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(out.Rejected))
	}

	var se *domain.SchemaError
	if !errors.As(out.Rejected[0].Error, &se) {
		t.Fatalf("expected *SchemaError")
	}
	if se.Row != 0 || se.Field != domain.ColMappingType {
		t.Errorf("expected row 0 field mapping_type, got row %d field %q", se.Row, se.Field)
	}
}

func TestNormalizeRejections(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(domain.Record)
		field string
	}{
		{"MissingDirection", func(r domain.Record) { r["direction"] = " " }, domain.ColDirection},
		{"BadDirection", func(r domain.Record) { r["direction"] = "Sideways" }, domain.ColDirection},
		{"BadMappingType", func(r domain.Record) { r["mapping_type"] = "Perfect" }, domain.ColMappingType},
		{"MissingConfidence", func(r domain.Record) { delete(r, "confidence") }, domain.ColConfidence},
		{"NonNumericConfidence", func(r domain.Record) { r["confidence"] = "high" }, domain.ColConfidence},
		{"NoCodes", func(r domain.Record) { r["internal_code"] = ""; r["psp_code"] = "" }, domain.ColInternalCode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := validRecord()
			tt.edit(rec)

			_, _, err := Row(3, rec)
			if err == nil {
				t.Fatal("expected schema error")
			}
			if err.Row != 3 {
				t.Errorf("expected row 3, got %d", err.Row)
			}
			if err.Field != tt.field {
				t.Errorf("expected field %q, got %q", tt.field, err.Field)
			}
		})
	}
}

func TestNormalizeEnumFallbacks(t *testing.T) {
	rec := validRecord()
	rec["failure_domain"] = "acquirer"
	rec["expected_action"] = "panic"

	row, warnings, err := Row(0, rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.FailureDomain != domain.DomainUnknown {
		t.Errorf("expected unknown, got %s", row.FailureDomain)
	}
	if row.ExpectedAction != domain.ActionInvestigate {
		t.Errorf("expected investigate, got %s", row.ExpectedAction)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d", len(warnings))
	}
	for _, w := range warnings {
		if w.Code != domain.FindingEnumFallback {
			t.Errorf("expected enum_fallback, got %s", w.Code)
		}
	}
}

func TestConfidenceZeroIffUnmapped(t *testing.T) {
	t.Run("UnmappedWithConfidence", func(t *testing.T) {
		rec := validRecord()
		rec["mapping_type"] = "Unmapped"
		rec["psp_code"] = ""
		rec["unknown_subtype"] = "NoPSPEquivalent"
		rec["confidence"] = "40"

		row, warnings, err := Row(0, rec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if row.Confidence != 0 {
			t.Errorf("expected confidence 0, got %d", row.Confidence)
		}
		if len(warnings) != 1 || warnings[0].Code != domain.FindingUnmappedConfidence {
			t.Errorf("expected unmapped_confidence warning, got %+v", warnings)
		}
	})

	t.Run("MappedWithZero", func(t *testing.T) {
		rec := validRecord()
		rec["mapping_type"] = "Probable"
		rec["confidence"] = "0"

		row, warnings, err := Row(0, rec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if row.MappingType != domain.MappingUnmapped {
			t.Errorf("expected retag to Unmapped, got %s", row.MappingType)
		}
		if len(warnings) != 1 || warnings[0].Code != domain.FindingZeroConfidenceRetag {
			t.Errorf("expected zero_confidence_retagged warning, got %+v", warnings)
		}
	})

	t.Run("HoldsForAllRows", func(t *testing.T) {
		inputs := []string{"-3", "0", "1", "50", "100", "250"}
		types := []string{"Exact", "Probable", "OneToMany", "ClosestPartial", "Unmapped"}
		var recs []domain.Record
		for _, c := range inputs {
			for _, mt := range types {
				rec := validRecord()
				rec["confidence"] = c
				rec["mapping_type"] = mt
				recs = append(recs, rec)
			}
		}

		out := Normalize(recs)
		if len(out.Rows) != len(recs) {
			t.Fatalf("expected %d rows, got %d", len(recs), len(out.Rows))
		}
		for i, row := range out.Rows {
			if (row.Confidence == 0) != row.IsUnmapped() {
				t.Errorf("row %d: confidence %d with type %s", i, row.Confidence, row.MappingType)
			}
		}
	})
}

func TestNormalizeIdempotent(t *testing.T) {
	messy := []domain.Record{
		validRecord(),
		{
			"direction": "reverse", "psp_code": " PSP200 ", "internal_code": "INT009",
			"mapping_type": "one-to-many", "confidence": "77.5", "failure_domain": "??",
			"expected_action": "retry", "recommended_merchant_action": "Retry later",
		},
		{
			"direction": "Forward", "internal_code": "INT404", "mapping_type": "Unmapped",
			"confidence": "12", "unknown_subtype": "no psp equivalent",
			"recommended_merchant_action": "Escalate",
		},
	}

	first := Normalize(messy)
	if len(first.Rows) != len(messy) {
		t.Fatalf("expected %d rows, got %d", len(messy), len(first.Rows))
	}

	again := make([]domain.Record, len(first.Rows))
	for i := range first.Rows {
		again[i] = first.Rows[i].Record()
	}
	second := Normalize(again)

	if len(second.Warnings) != 0 {
		t.Errorf("second pass produced warnings: %+v", second.Warnings)
	}
	if !reflect.DeepEqual(first.Rows, second.Rows) {
		t.Errorf("normalization is not idempotent:\nfirst:  %+v\nsecond: %+v", first.Rows, second.Rows)
	}
}

func TestParseConfidence(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		clamped bool
		wantErr bool
	}{
		{"87", 87, false, false},
		{"87.0", 87, false, false},
		{"87.5", 88, false, false},
		{"92%", 92, false, false},
		{" 60 % ", 60, false, false},
		{"-1", 0, true, false},
		{"101", 100, true, false},
		{"NaN", 0, false, true},
		{"", 0, false, true},
	}

	for _, tt := range tests {
		got, clamped, err := ParseConfidence(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseConfidence(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want || clamped != tt.clamped {
			t.Errorf("ParseConfidence(%q) = %d,%v want %d,%v", tt.in, got, clamped, tt.want, tt.clamped)
		}
	}
}

func TestNormalizeSubtypePlaceholders(t *testing.T) {
	for _, st := range []string{"N/A", "None", "-", "null", " "} {
		t.Run("Mapped"+st, func(t *testing.T) {
			rec := validRecord()
			rec["unknown_subtype"] = st

			row, warnings, err := Row(0, rec)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if row.UnknownSubtype != domain.SubtypeNone {
				t.Errorf("subtype %q parsed as %q", st, row.UnknownSubtype)
			}
			if len(warnings) != 0 {
				t.Errorf("placeholder produced warnings: %+v", warnings)
			}
		})
	}

	t.Run("UnrecognizedOnMappedRowIsDropped", func(t *testing.T) {
		rec := validRecord()
		rec["unknown_subtype"] = "Ambiguous"

		row, warnings, err := Row(0, rec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if row.UnknownSubtype != domain.SubtypeNone {
			t.Errorf("expected no subtype, got %q", row.UnknownSubtype)
		}
		if len(warnings) != 1 || warnings[0].Code != domain.FindingEnumFallback || warnings[0].Field != domain.ColUnknownSubtype {
			t.Errorf("expected one unknown_subtype enum_fallback, got %+v", warnings)
		}
	})

	t.Run("UnrecognizedOnUnmappedRowNeedsInvestigation", func(t *testing.T) {
		rec := validRecord()
		rec["mapping_type"] = "Unmapped"
		rec["confidence"] = "0"
		rec["psp_code"] = ""
		rec["unknown_subtype"] = "Ambiguous"

		row, warnings, err := Row(0, rec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if row.UnknownSubtype != domain.SubtypeNeedsInvestigation {
			t.Errorf("expected NeedsInvestigation, got %q", row.UnknownSubtype)
		}
		if len(warnings) != 1 || warnings[0].Code != domain.FindingEnumFallback {
			t.Errorf("expected enum_fallback, got %+v", warnings)
		}
	})

	t.Run("RetaggedRowNeedsInvestigation", func(t *testing.T) {
		rec := validRecord()
		rec["confidence"] = "0"
		rec["unknown_subtype"] = "Ambiguous"

		row, _, err := Row(0, rec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if row.MappingType != domain.MappingUnmapped || row.UnknownSubtype != domain.SubtypeNeedsInvestigation {
			t.Errorf("got %s/%q", row.MappingType, row.UnknownSubtype)
		}
	})
}

func TestCanonicalizePrefersCanonicalHeader(t *testing.T) {
	rec := validRecord()
	rec["internal_error_code"] = "INT999"
	rec["PSP_Error_Code"] = "PSP999"

	for i := 0; i < 50; i++ {
		row, _, err := Row(0, rec)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if row.InternalCode != "INT001" || row.PSPCode != "PSP100" {
			t.Fatalf("attempt %d: got internal %q psp %q, want INT001 PSP100", i, row.InternalCode, row.PSPCode)
		}
	}

	t.Run("EmptyCanonicalFallsBackToAlias", func(t *testing.T) {
		got := Canonicalize(domain.Record{"internal_code": " ", "internal_error_code": "INT777"})
		if got[domain.ColInternalCode] != "INT777" {
			t.Errorf("internal_code = %q", got[domain.ColInternalCode])
		}
	})

	t.Run("SameRankUsesHeaderOrder", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			got := Canonicalize(domain.Record{"Internal Code": "B", "internal_code": "A"})
			if got[domain.ColInternalCode] != "B" {
				t.Fatalf("attempt %d: internal_code = %q, want B", i, got[domain.ColInternalCode])
			}
		}
	})
}
