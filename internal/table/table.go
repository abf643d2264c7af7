// Package table reads candidate mapping tables out of model responses and
// writes validated tables as CSV.
package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/opensource-finance/errmap/internal/domain"
)

// ErrNoHeader is returned when the CSV text has no header row.
var ErrNoHeader = errors.New("csv has no header row")

var fencedCSV = regexp.MustCompile("(?s)```(?:csv|CSV)?[ \t]*\r?\n(.*?)```")

// ExtractCSV pulls the CSV table out of a model response. A fenced code block
// wins; otherwise the text from the first header line onwards is used;
// otherwise the whole response.
func ExtractCSV(response string) string {
	if m := fencedCSV.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}

	for _, marker := range []string{"direction,internal_code", "direction,internal_error_code", "direction,"} {
		if i := strings.Index(response, marker); i >= 0 {
			return strings.TrimSpace(response[i:])
		}
	}
	return strings.TrimSpace(response)
}

// ParseRecords parses CSV text into records keyed by trimmed header names.
// Quotes are parsed leniently and rows may be ragged: short rows get empty
// values, surplus fields are dropped. Blank lines are skipped.
func ParseRecords(text string) ([]domain.Record, error) {
	header, rows, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return Records(header, rows), nil
}

// Records keys each row by header name.
func Records(header []string, rows [][]string) []domain.Record {
	records := make([]domain.Record, 0, len(rows))
	for _, fields := range rows {
		rec := make(domain.Record, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			if i < len(fields) {
				rec[name] = fields[i]
			} else {
				rec[name] = ""
			}
		}
		records = append(records, rec)
	}
	return records
}

// Parse splits CSV text into a trimmed header and trimmed data rows, with the
// same leniency as ParseRecords. Rows keep their own length.
func Parse(text string) ([]string, [][]string, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimPrefix(text, "\ufeff")

	r := csv.NewReader(strings.NewReader(text))
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil, ErrNoHeader
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read csv header: %w", err)
	}
	trimAll(header)
	if allBlank(header) {
		return nil, nil, ErrNoHeader
	}

	var rows [][]string
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return header, rows, fmt.Errorf("failed to read csv: %w", err)
		}
		if allBlank(fields) {
			continue
		}
		trimAll(fields)
		rows = append(rows, fields)
	}
	return header, rows, nil
}

// ReadRecords is ParseRecords over a reader.
func ReadRecords(r io.Reader) ([]domain.Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read csv: %w", err)
	}
	return ParseRecords(string(data))
}

// WriteCSV writes a header and rows in domain.Columns order.
func WriteCSV(w io.Writer, rows []domain.MappingRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(domain.Columns()); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for i := range rows {
		if err := cw.Write(rows[i].Values()); err != nil {
			return fmt.Errorf("failed to write csv row %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Marshal renders rows as CSV bytes.
func Marshal(rows []domain.MappingRow) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, rows); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func trimAll(fields []string) {
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
}

func allBlank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
