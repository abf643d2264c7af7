package requester

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/errmap/internal/domain"
)

// Prompt is one model request: a fixed system instruction set and a user
// message carrying both inputs.
type Prompt struct {
	System string
	User   string
}

// BuildPrompt assembles the mapping prompt.
func BuildPrompt(internalCSV, pspText string) Prompt {
	user := fmt.Sprintf(`Here are the two inputs for error code mapping:

## INTERNAL ERROR CODES:
%s

---

## PSP ERROR DOCUMENTATION:
%s

---

Run all four phases and return the consolidated table as raw CSV only, starting with the header row.`,
		strings.TrimSpace(internalCSV), strings.TrimSpace(pspText))

	return Prompt{System: systemInstructions(), User: user}
}

func systemInstructions() string {
	var b strings.Builder
	b.WriteString(`You map a merchant platform's internal payment error codes onto a payment service provider's error documentation.

Work in four phases:
1. Forward mapping: for every internal error code, find the PSP error code(s) with the same meaning. Every internal code must appear in at least one row.
2. Reverse mapping: for every PSP error code in the documentation, find the internal code it corresponds to. PSP codes with no internal counterpart get direction PSPOnly.
3. Closest partial matching: for codes still unmatched, propose the closest partial counterpart with confidence 50-69, or mark the row Unmapped.
4. Consolidate: remove duplicate rows, keep the strongest mapping for each pair, and mark codes that map to several counterparts as OneToMany.

Rules:
- Only claim a PSP code that appears in the documentation, and quote the supporting text verbatim in evidence_psp.
- Exact requires confidence 90 or higher. Unmapped rows have confidence 0 and an unknown_subtype; mapped rows have no unknown_subtype.
- Every row needs a recommended_merchant_action.
- Do not invent codes.

Output a CSV table with exactly this header:
`)
	b.WriteString(strings.Join(domain.Columns(), ","))
	b.WriteString(`

Allowed values:
- direction: Forward, Reverse, PSPOnly
- failure_domain: issuer, bank, network, validation, timeout, fraud, compliance, system, configuration, unknown
- expected_action: retry, fix_input, contact_bank, block_transaction, investigate, no_action
- mapping_type: Exact, Probable, OneToMany, ClosestPartial, Unmapped
- confidence: integer 0-100
- unknown_subtype: NoPSPEquivalent, NoInternalEquivalent, NeedsInvestigation, or empty

Return only the CSV. No commentary.`)
	return b.String()
}
