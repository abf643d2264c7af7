package quality

import (
	"errors"
	"reflect"
	"testing"

	"github.com/opensource-finance/errmap/internal/domain"
)

func goodRow(internal, psp string) domain.MappingRow {
	return domain.MappingRow{
		Direction:                 domain.DirectionForward,
		InternalCode:              internal,
		PSPCode:                   psp,
		FailureDomain:             domain.DomainIssuer,
		ExpectedAction:            domain.ActionContactBank,
		MappingType:               domain.MappingExact,
		Confidence:                95,
		EvidencePSP:               psp + ": Do not honor",
		RecommendedMerchantAction: "Ask the customer to contact their bank",
	}
}

func codes(findings []domain.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Code)
	}
	return out
}

func hasCode(findings []domain.Finding, code string) bool {
	for _, f := range findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

func TestCheckCleanTable(t *testing.T) {
	c := NewChecker(domain.DefaultValidationConfig())
	rows := []domain.MappingRow{goodRow("INT001", "PSP100"), goodRow("INT002", "PSP200")}
	internal := []domain.InternalError{{Code: "INT001"}, {Code: "INT002"}}

	report := c.Check(rows, internal)

	if !report.Passed() {
		t.Fatalf("expected clean table to pass, got errors %v", codes(report.Errors))
	}
	if len(report.Warnings) != 0 {
		t.Errorf("expected no warnings, got %v", codes(report.Warnings))
	}
	if report.Err() != nil {
		t.Errorf("expected nil Err, got %v", report.Err())
	}
}

func TestCheckEmptyTable(t *testing.T) {
	c := NewChecker(domain.DefaultValidationConfig())
	report := c.Check(nil, []domain.InternalError{{Code: "INT001"}})

	if !hasCode(report.Errors, domain.FindingEmptyTable) {
		t.Errorf("expected empty_table, got %v", codes(report.Errors))
	}
	if !hasCode(report.Errors, domain.FindingCoverageMissing) {
		t.Errorf("expected coverage_missing alongside empty_table")
	}
}

func TestCheckCoverageListsMissingCodes(t *testing.T) {
	c := NewChecker(domain.DefaultValidationConfig())
	rows := []domain.MappingRow{goodRow("A", "P1"), goodRow("b", "P2")}
	internal := []domain.InternalError{{Code: "A"}, {Code: "B"}, {Code: "C"}}

	report := c.Check(rows, internal)

	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", codes(report.Errors))
	}
	f := report.Errors[0]
	if f.Code != domain.FindingCoverageMissing {
		t.Fatalf("expected coverage_missing, got %s", f.Code)
	}
	if !reflect.DeepEqual(f.Values, []string{"C"}) {
		t.Errorf("expected missing [C], got %v", f.Values)
	}
	if f.Row != domain.TableLevel {
		t.Errorf("expected table-level finding, got row %d", f.Row)
	}

	var ve *domain.ValidationError
	err := report.Err()
	if !errors.As(err, &ve) || !errors.Is(err, domain.ErrExportBlocked) {
		t.Errorf("expected ValidationError wrapping ErrExportBlocked, got %v", err)
	}
}

func TestCheckRowErrors(t *testing.T) {
	tests := []struct {
		name string
		edit func(*domain.MappingRow)
		code string
	}{
		{"UngroundedClaim", func(r *domain.MappingRow) { r.EvidencePSP = "" }, domain.FindingUngroundedClaim},
		{"SubtypeOnMappedRow", func(r *domain.MappingRow) { r.UnknownSubtype = domain.SubtypeNeedsInvestigation }, domain.FindingSubtypeInconsistent},
		{"NoPSPEquivalentWithPSP", func(r *domain.MappingRow) {
			r.MappingType, r.Confidence, r.UnknownSubtype = domain.MappingUnmapped, 0, domain.SubtypeNoPSPEquivalent
		}, domain.FindingSubtypeInconsistent},
		{"SubtypeMissing", func(r *domain.MappingRow) {
			r.MappingType, r.Confidence, r.PSPCode = domain.MappingUnmapped, 0, ""
		}, domain.FindingSubtypeMissing},
		{"ForwardWithoutInternal", func(r *domain.MappingRow) { r.InternalCode = "" }, domain.FindingDirectionMismatch},
		{"PSPOnlyWithInternal", func(r *domain.MappingRow) { r.Direction = domain.DirectionPSPOnly }, domain.FindingDirectionMismatch},
		{"ExactLowConfidence", func(r *domain.MappingRow) { r.Confidence = 85 }, domain.FindingExactLowConfidence},
		{"MerchantActionMissing", func(r *domain.MappingRow) { r.RecommendedMerchantAction = "" }, domain.FindingMerchantActionMissing},
	}

	c := NewChecker(domain.DefaultValidationConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := goodRow("INT001", "PSP100")
			tt.edit(&row)

			report := c.Check([]domain.MappingRow{row}, nil)

			if !hasCode(report.Errors, tt.code) {
				t.Fatalf("expected %s, got errors %v", tt.code, codes(report.Errors))
			}
			for _, f := range report.Errors {
				if f.Code == tt.code && f.Row != 0 {
					t.Errorf("expected finding on row 0, got %d", f.Row)
				}
			}
		})
	}
}

func TestCheckDoesNotMutateRows(t *testing.T) {
	c := NewChecker(domain.DefaultValidationConfig())
	rows := []domain.MappingRow{goodRow("INT001", "PSP100"), goodRow("INT001", "PSP100")}
	rows[1].EvidencePSP = ""
	before := append([]domain.MappingRow(nil), rows...)

	report := c.Check(rows, nil)

	if !reflect.DeepEqual(rows, before) {
		t.Error("Check modified its input")
	}
	if !hasCode(report.Errors, domain.FindingDuplicateKey) {
		t.Errorf("expected duplicate_key, got %v", codes(report.Errors))
	}
}

func TestCheckClosestPartialWarnings(t *testing.T) {
	partial := func(internal string, conf int) domain.MappingRow {
		r := goodRow(internal, "P-"+internal)
		r.MappingType = domain.MappingClosestPartial
		r.Confidence = conf
		return r
	}

	t.Run("Band", func(t *testing.T) {
		c := NewChecker(domain.DefaultValidationConfig())
		rows := []domain.MappingRow{
			partial("A", 45), partial("B", 75),
			goodRow("C", "P3"), goodRow("D", "P4"), goodRow("E", "P5"), goodRow("F", "P6"), goodRow("G", "P7"),
		}
		report := c.Check(rows, nil)

		band := 0
		for _, w := range report.Warnings {
			if w.Code == domain.FindingClosestPartialBand {
				band++
			}
		}
		if band != 2 {
			t.Errorf("expected 2 band warnings, got %d", band)
		}
		if !report.Passed() {
			t.Errorf("band warnings must not block, got %v", codes(report.Errors))
		}
	})

	t.Run("Share", func(t *testing.T) {
		c := NewChecker(domain.DefaultValidationConfig())
		rows := []domain.MappingRow{partial("A", 55), partial("B", 60), goodRow("C", "P3")}
		report := c.Check(rows, nil)
		if !hasCode(report.Warnings, domain.FindingClosestPartialShare) {
			t.Errorf("expected closest_partial_share warning, got %v", codes(report.Warnings))
		}
	})

	t.Run("ShareWithinThreshold", func(t *testing.T) {
		cfg := domain.DefaultValidationConfig()
		threshold := 0.8
		cfg.ClosestPartialWarningThreshold = &threshold
		c := NewChecker(cfg)
		rows := []domain.MappingRow{partial("A", 55), partial("B", 60), goodRow("C", "P3")}
		report := c.Check(rows, nil)
		if hasCode(report.Warnings, domain.FindingClosestPartialShare) {
			t.Error("share under a raised threshold should not warn")
		}
	})

	t.Run("ZeroThresholdWarnsOnAnyLowPartial", func(t *testing.T) {
		cfg := domain.DefaultValidationConfig()
		zero := 0.0
		cfg.ClosestPartialWarningThreshold = &zero
		c := NewChecker(cfg)

		rows := []domain.MappingRow{partial("A", 55), goodRow("B", "P2"), goodRow("C", "P3"), goodRow("D", "P4")}
		if report := c.Check(rows, nil); !hasCode(report.Warnings, domain.FindingClosestPartialShare) {
			t.Errorf("expected closest_partial_share warning, got %v", codes(report.Warnings))
		}
		if report := c.Check(rows[1:], nil); hasCode(report.Warnings, domain.FindingClosestPartialShare) {
			t.Error("no ClosestPartial rows should not warn")
		}
	})
}

func TestCheckOneToManySingleton(t *testing.T) {
	c := NewChecker(domain.DefaultValidationConfig())
	lone := goodRow("INT001", "PSP100")
	lone.MappingType = domain.MappingOneToMany
	lone.Confidence = 80

	report := c.Check([]domain.MappingRow{lone}, nil)
	if !hasCode(report.Warnings, domain.FindingOneToManySingleton) {
		t.Errorf("expected one_to_many_singleton, got %v", codes(report.Warnings))
	}

	sibling := goodRow("INT001", "PSP101")
	sibling.MappingType = domain.MappingOneToMany
	sibling.Confidence = 80
	report = c.Check([]domain.MappingRow{lone, sibling}, nil)
	if hasCode(report.Warnings, domain.FindingOneToManySingleton) {
		t.Error("siblings should not warn")
	}
}

func TestStats(t *testing.T) {
	rows := []domain.MappingRow{
		goodRow("A", "P1"),
		{Direction: domain.DirectionReverse, MappingType: domain.MappingProbable, Confidence: 80},
		{Direction: domain.DirectionPSPOnly, MappingType: domain.MappingUnmapped, Confidence: 0},
		{Direction: domain.DirectionForward, MappingType: domain.MappingClosestPartial, Confidence: 60},
	}
	s := Stats(rows)

	if s.TotalRows != 4 || s.Forward != 2 || s.Reverse != 1 || s.PSPOnly != 1 {
		t.Errorf("unexpected direction counts %+v", s)
	}
	if s.Exact != 1 || s.Probable != 1 || s.ClosestPartial != 1 || s.Unmapped != 1 {
		t.Errorf("unexpected type counts %+v", s)
	}
	if s.AvgConfidence != 78.3 {
		t.Errorf("expected average 78.3, got %v", s.AvgConfidence)
	}
}

func TestCheckCustomRules(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	defer engine.Close()

	err = engine.LoadRule(&domain.CheckRule{
		ID:         "fraud-blocks",
		Name:       "Fraud rows block the transaction",
		Expression: `failure_domain != "fraud" || expected_action == "block_transaction"`,
		Severity:   domain.SeverityError,
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("failed to load rule: %v", err)
	}

	c := NewChecker(domain.DefaultValidationConfig(), WithEngine(engine))
	if c.RulesCount() != 1 {
		t.Fatalf("expected 1 rule, got %d", c.RulesCount())
	}

	ok := goodRow("INT001", "PSP100")
	bad := goodRow("INT002", "PSP200")
	bad.FailureDomain = domain.DomainFraud

	report := c.Check([]domain.MappingRow{ok, bad}, nil)
	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", codes(report.Errors))
	}
	f := report.Errors[0]
	if f.Code != domain.FindingCustomRule || f.Row != 1 || f.Values[0] != "fraud-blocks" {
		t.Errorf("unexpected finding %+v", f)
	}
}

func TestCheckerConfigDefaults(t *testing.T) {
	pspOnly := domain.MappingRow{
		Direction:      domain.DirectionPSPOnly,
		PSPCode:        "PSP900",
		FailureDomain:  domain.DomainSystem,
		ExpectedAction: domain.ActionInvestigate,
		MappingType:    domain.MappingUnmapped,
		UnknownSubtype: domain.SubtypeNoInternalEquivalent,
	}

	t.Run("InvalidTiebreakStillFillsDefaults", func(t *testing.T) {
		c := NewChecker(domain.ValidationConfig{
			DedupConfidenceTiebreak: []domain.MappingType{"Sideways"},
		})
		report := c.Check([]domain.MappingRow{pspOnly, goodRow("INT001", "PSP100")}, nil)
		if hasCode(report.Errors, domain.FindingUngroundedClaim) {
			t.Errorf("confidence 0 row flagged as ungrounded: %v", report.Errors)
		}
		if hasCode(report.Errors, domain.FindingExactLowConfidence) {
			t.Errorf("Exact floor not defaulted: %v", report.Errors)
		}
	})

	t.Run("ZeroEvidenceFloorCoversEveryClaim", func(t *testing.T) {
		cfg := domain.DefaultValidationConfig()
		floor := 0
		cfg.MinConfidenceForEvidenceRequirement = &floor
		report := NewChecker(cfg).Check([]domain.MappingRow{pspOnly}, nil)
		if !hasCode(report.Errors, domain.FindingUngroundedClaim) {
			t.Errorf("expected ungrounded_claim, got %v", codes(report.Errors))
		}
	})
}
