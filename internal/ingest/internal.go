package ingest

import (
	"fmt"
	"strings"

	"github.com/opensource-finance/errmap/internal/consolidate"
	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/table"
)

var codeHeaders = []string{
	"internal_code", "internal_error_code", "error_code", "code", "errorcode", "id",
}

var messageHeaders = []string{
	"internal_message", "internal_error_message", "error_message", "message",
	"description", "desc", "reason", "text",
}

// ParseInternalErrors reads the merchant's internal error table from CSV.
// Code and message columns are found by header name, falling back to the
// first two columns. Blank codes are dropped and the first occurrence of a
// repeated code wins.
func ParseInternalErrors(csvText string) ([]domain.InternalError, error) {
	header, rows, err := table.Parse(csvText)
	if err != nil {
		return nil, fmt.Errorf("failed to parse internal error table: %w", err)
	}

	codeCol := findColumn(header, codeHeaders)
	msgCol := findColumn(header, messageHeaders)
	if codeCol < 0 {
		codeCol = 0
	}
	if msgCol < 0 || msgCol == codeCol {
		msgCol = -1
		for i := range header {
			if i != codeCol {
				msgCol = i
				break
			}
		}
	}

	var out []domain.InternalError
	seen := make(map[string]bool, len(rows))
	for _, fields := range rows {
		if codeCol >= len(fields) {
			continue
		}
		code := fields[codeCol]
		norm := consolidate.NormCode(code)
		if norm == "" || seen[norm] {
			continue
		}
		seen[norm] = true

		ie := domain.InternalError{Code: code}
		if msgCol >= 0 && msgCol < len(fields) {
			ie.Message = fields[msgCol]
		}
		out = append(out, ie)
	}
	return out, nil
}

func findColumn(header []string, names []string) int {
	norm := make([]string, len(header))
	for i, h := range header {
		norm[i] = strings.Join(strings.Fields(strings.ToLower(h)), "_")
	}
	for _, want := range names {
		for i, h := range norm {
			if h == want {
				return i
			}
		}
	}
	return -1
}

// InternalCSV renders the internal error table as CSV text for the prompt.
func InternalCSV(errs []domain.InternalError) string {
	var b strings.Builder
	b.WriteString("code,message\n")
	for _, e := range errs {
		b.WriteString(csvField(e.Code) + "," + csvField(e.Message) + "\n")
	}
	return b.String()
}

func csvField(s string) string {
	if strings.ContainsAny(s, ",\"\n\r") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}
