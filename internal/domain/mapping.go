package domain

import (
	"strconv"
	"strings"
	"unicode"
)

// Direction tells which side a mapping row was produced from.
type Direction string

const (
	// DirectionForward maps an internal error code to a PSP error code.
	DirectionForward Direction = "Forward"

	// DirectionReverse maps a PSP error code back to an internal error code.
	DirectionReverse Direction = "Reverse"

	// DirectionPSPOnly marks a PSP error with no internal counterpart.
	DirectionPSPOnly Direction = "PSPOnly"
)

// FailureDomain classifies where a payment failure originates.
type FailureDomain string

const (
	DomainIssuer        FailureDomain = "issuer"
	DomainBank          FailureDomain = "bank"
	DomainNetwork       FailureDomain = "network"
	DomainValidation    FailureDomain = "validation"
	DomainTimeout       FailureDomain = "timeout"
	DomainFraud         FailureDomain = "fraud"
	DomainCompliance    FailureDomain = "compliance"
	DomainSystem        FailureDomain = "system"
	DomainConfiguration FailureDomain = "configuration"
	DomainUnknown       FailureDomain = "unknown"
)

// ExpectedAction is what the platform should do when the error occurs.
type ExpectedAction string

const (
	ActionRetry            ExpectedAction = "retry"
	ActionFixInput         ExpectedAction = "fix_input"
	ActionContactBank      ExpectedAction = "contact_bank"
	ActionBlockTransaction ExpectedAction = "block_transaction"
	ActionInvestigate      ExpectedAction = "investigate"
	ActionNoAction         ExpectedAction = "no_action"
)

// MappingType grades how well the two sides correspond.
type MappingType string

const (
	MappingExact          MappingType = "Exact"
	MappingProbable       MappingType = "Probable"
	MappingOneToMany      MappingType = "OneToMany"
	MappingClosestPartial MappingType = "ClosestPartial"

	// MappingUnmapped marks a row with no counterpart on one side.
	// It is the only mapping type allowed to carry confidence 0.
	MappingUnmapped MappingType = "Unmapped"
)

// UnknownSubtype explains why a row is unmapped.
type UnknownSubtype string

const (
	SubtypeNone                 UnknownSubtype = ""
	SubtypeNoPSPEquivalent      UnknownSubtype = "NoPSPEquivalent"
	SubtypeNoInternalEquivalent UnknownSubtype = "NoInternalEquivalent"
	SubtypeNeedsInvestigation   UnknownSubtype = "NeedsInvestigation"
)

// Enum lookup tables are keyed by enumToken(value).
var (
	directionTokens = map[string]Direction{
		"forward":  DirectionForward,
		"reverse":  DirectionReverse,
		"psponly":  DirectionPSPOnly,
		"psp":      DirectionPSPOnly,
		"onlypsp":  DirectionPSPOnly,
		"backward": DirectionReverse,
	}

	failureDomainTokens = map[string]FailureDomain{
		"issuer":        DomainIssuer,
		"bank":          DomainBank,
		"network":       DomainNetwork,
		"validation":    DomainValidation,
		"timeout":       DomainTimeout,
		"fraud":         DomainFraud,
		"compliance":    DomainCompliance,
		"system":        DomainSystem,
		"configuration": DomainConfiguration,
		"unknown":       DomainUnknown,
	}

	expectedActionTokens = map[string]ExpectedAction{
		"retry":            ActionRetry,
		"fixinput":         ActionFixInput,
		"contactbank":      ActionContactBank,
		"blocktransaction": ActionBlockTransaction,
		"investigate":      ActionInvestigate,
		"noaction":         ActionNoAction,
	}

	mappingTypeTokens = map[string]MappingType{
		"exact":          MappingExact,
		"probable":       MappingProbable,
		"onetomany":      MappingOneToMany,
		"closestpartial": MappingClosestPartial,
		"partial":        MappingClosestPartial,
		"unmapped":       MappingUnmapped,
		"nomatch":        MappingUnmapped,
		"none":           MappingUnmapped,
		"na":             MappingUnmapped,
	}

	subtypeTokens = map[string]UnknownSubtype{
		"nopspequivalent":      SubtypeNoPSPEquivalent,
		"nointernalequivalent": SubtypeNoInternalEquivalent,
		"needsinvestigation":   SubtypeNeedsInvestigation,
	}
)

// enumToken folds case and drops separators so "PSP-only", "psp_only"
// and "PSPOnly" compare equal.
func enumToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// ParseDirection matches s case-insensitively against the direction set.
func ParseDirection(s string) (Direction, bool) {
	d, ok := directionTokens[enumToken(s)]
	return d, ok
}

// ParseFailureDomain matches s against the failure domain set.
func ParseFailureDomain(s string) (FailureDomain, bool) {
	d, ok := failureDomainTokens[enumToken(s)]
	return d, ok
}

// ParseExpectedAction matches s against the expected action set.
func ParseExpectedAction(s string) (ExpectedAction, bool) {
	a, ok := expectedActionTokens[enumToken(s)]
	return a, ok
}

// ParseMappingType matches s against the mapping type set.
func ParseMappingType(s string) (MappingType, bool) {
	m, ok := mappingTypeTokens[enumToken(s)]
	return m, ok
}

// subtypePlaceholders are the tokens written for "no subtype".
var subtypePlaceholders = map[string]bool{
	"":     true,
	"na":   true,
	"none": true,
	"null": true,
	"nil":  true,
}

// ParseUnknownSubtype matches s against the subtype set. Empty strings and
// placeholders such as "N/A", "None", "-" or "null" parse to SubtypeNone.
func ParseUnknownSubtype(s string) (UnknownSubtype, bool) {
	tok := enumToken(s)
	if subtypePlaceholders[tok] {
		return SubtypeNone, true
	}
	u, ok := subtypeTokens[tok]
	return u, ok
}

// DefaultTiebreak is the mapping type preference used when two
// duplicate rows carry the same confidence.
func DefaultTiebreak() []MappingType {
	return []MappingType{
		MappingExact,
		MappingProbable,
		MappingOneToMany,
		MappingClosestPartial,
		MappingUnmapped,
	}
}

// Canonical column names of the output table.
const (
	ColDirection                 = "direction"
	ColInternalCode              = "internal_code"
	ColInternalMessage           = "internal_message"
	ColFailureDomain             = "failure_domain"
	ColExpectedAction            = "expected_action"
	ColPSPCode                   = "psp_code"
	ColPSPMessage                = "psp_message"
	ColMappingType               = "mapping_type"
	ColConfidence                = "confidence"
	ColUnknownSubtype            = "unknown_subtype"
	ColReasoningSummary          = "reasoning_summary"
	ColEvidencePSP               = "evidence_psp"
	ColRecommendedMerchantAction = "recommended_merchant_action"
)

// Columns returns the output columns in their stable export order.
func Columns() []string {
	return []string{
		ColDirection,
		ColInternalCode,
		ColInternalMessage,
		ColFailureDomain,
		ColExpectedAction,
		ColPSPCode,
		ColPSPMessage,
		ColMappingType,
		ColConfidence,
		ColUnknownSubtype,
		ColReasoningSummary,
		ColEvidencePSP,
		ColRecommendedMerchantAction,
	}
}

// Record is one loosely-typed candidate row: column name to raw value.
type Record map[string]string

// MappingRow is one correspondence between an internal error and a PSP error.
// Optional string fields use "" for absent.
type MappingRow struct {
	Direction                 Direction      `json:"direction"`
	InternalCode              string         `json:"internal_code,omitempty"`
	InternalMessage           string         `json:"internal_message,omitempty"`
	FailureDomain             FailureDomain  `json:"failure_domain"`
	ExpectedAction            ExpectedAction `json:"expected_action"`
	PSPCode                   string         `json:"psp_code,omitempty"`
	PSPMessage                string         `json:"psp_message,omitempty"`
	MappingType               MappingType    `json:"mapping_type"`
	Confidence                int            `json:"confidence"`
	UnknownSubtype            UnknownSubtype `json:"unknown_subtype,omitempty"`
	ReasoningSummary          string         `json:"reasoning_summary,omitempty"`
	EvidencePSP               string         `json:"evidence_psp,omitempty"`
	RecommendedMerchantAction string         `json:"recommended_merchant_action,omitempty"`
}

// HasInternal reports whether the internal side is populated.
func (r *MappingRow) HasInternal() bool {
	return r.InternalCode != ""
}

// HasPSP reports whether the PSP side is populated.
func (r *MappingRow) HasPSP() bool {
	return r.PSPCode != ""
}

// IsUnmapped reports whether the row has no counterpart.
func (r *MappingRow) IsUnmapped() bool {
	return r.MappingType == MappingUnmapped
}

// Values renders the row in Columns order.
func (r *MappingRow) Values() []string {
	return []string{
		string(r.Direction),
		r.InternalCode,
		r.InternalMessage,
		string(r.FailureDomain),
		string(r.ExpectedAction),
		r.PSPCode,
		r.PSPMessage,
		string(r.MappingType),
		strconv.Itoa(r.Confidence),
		string(r.UnknownSubtype),
		r.ReasoningSummary,
		r.EvidencePSP,
		r.RecommendedMerchantAction,
	}
}

// Record renders the row back into its loose form.
func (r *MappingRow) Record() Record {
	cols := Columns()
	vals := r.Values()
	rec := make(Record, len(cols))
	for i, c := range cols {
		rec[c] = vals[i]
	}
	return rec
}

// InternalError is one entry of the merchant's internal error table.
type InternalError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
