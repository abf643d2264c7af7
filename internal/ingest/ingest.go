// Package ingest loads the two mapping inputs: the merchant's internal error
// table and the PSP's error documentation.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// ErrUnsupportedFormat is returned for binary document formats.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// maxBody caps how much of a fetched document is read.
const maxBody = 20 << 20

// FileType classifies a source document.
type FileType string

const (
	FileTypeCSV  FileType = "csv"
	FileTypeHTML FileType = "html"
	FileTypeText FileType = "text"
)

// DetectFileType classifies a document by file name or URL path. Unknown
// extensions are treated as plain text.
func DetectFileType(name string) (FileType, error) {
	if u, err := url.Parse(name); err == nil && u.Path != "" {
		name = u.Path
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".csv":
		return FileTypeCSV, nil
	case ".html", ".htm":
		return FileTypeHTML, nil
	case ".xlsx", ".xls", ".pdf":
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path.Ext(name))
	default:
		return FileTypeText, nil
	}
}

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Location   string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "HTTP status error"
	}
	loc := strings.TrimSpace(e.Location)
	if loc == "" {
		return fmt.Sprintf("HTTP %d fetching %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("HTTP %d fetching %s location=%s", e.StatusCode, e.URL, loc)
}

// Document is a fetched source.
type Document struct {
	URL         string
	ContentType string
	Type        FileType
	Body        []byte
}

var sheetsURL = regexp.MustCompile(`^https?://docs\.google\.com/spreadsheets/d/([a-zA-Z0-9_-]+)`)
var sheetsGID = regexp.MustCompile(`[#&?]gid=([0-9]+)`)

// SheetsExportURL rewrites a Google Sheets share link to its CSV export URL.
// Other URLs are returned unchanged with ok=false.
func SheetsExportURL(raw string) (string, bool) {
	m := sheetsURL.FindStringSubmatch(raw)
	if m == nil {
		return raw, false
	}
	out := "https://docs.google.com/spreadsheets/d/" + m[1] + "/export?format=csv"
	if g := sheetsGID.FindStringSubmatch(raw); g != nil {
		out += "&gid=" + g[1]
	}
	return out, true
}

// Fetcher downloads source documents.
type Fetcher struct {
	client *http.Client
}

// NewFetcher creates a fetcher. A nil client uses NewClient().
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = NewClient()
	}
	return &Fetcher{client: client}
}

// Fetch downloads a document. Google Sheets links are fetched as CSV.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Document, error) {
	target, sheet := SheetsExportURL(strings.TrimSpace(rawURL))

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid source url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{URL: target, StatusCode: resp.StatusCode, Location: resp.Header.Get("Location")}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}

	doc := &Document{
		URL:         target,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	switch {
	case sheet:
		doc.Type = FileTypeCSV
	case strings.Contains(doc.ContentType, "text/html"):
		doc.Type = FileTypeHTML
	case strings.Contains(doc.ContentType, "text/csv"):
		doc.Type = FileTypeCSV
	default:
		if doc.Type, err = DetectFileType(target); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Text renders the document as plain text for the model.
func (d *Document) Text() (string, error) {
	if d.Type == FileTypeHTML {
		return ExtractText(string(d.Body))
	}
	return strings.ToValidUTF8(string(d.Body), ""), nil
}
