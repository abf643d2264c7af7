// Package export archives validated mapping tables and their quality reports.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/pipeline"
)

// Content types of archived artifacts.
const (
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeJSON = "application/json"
)

// Store writes one artifact and returns where it landed.
type Store interface {
	Put(ctx context.Context, key string, contentType string, body []byte) (string, error)
}

// New creates a Store from configuration. Type "none" returns nil.
func New(ctx context.Context, cfg domain.ExportConfig) (Store, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "local":
		return NewLocalStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported export type: %s", cfg.Type)
	}
}

// Key builds the object key <tenant>/<run-id><ext>.
func Key(tenantID, runID, ext string) string {
	return path.Join(safeSegment(tenantID), safeSegment(runID)+ext)
}

func safeSegment(s string) string {
	s = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
	if s == "" || s == "." {
		return "_"
	}
	return s
}

// Locations lists where a run's artifacts were written.
type Locations struct {
	Table  string `json:"table"`
	Report string `json:"report"`
}

// Archive writes the run's validated table and quality report. A run whose
// table is not exportable is archived only with override.
func Archive(ctx context.Context, store Store, run *domain.Run, override bool) (*Locations, error) {
	if run == nil || run.Result == nil {
		return nil, fmt.Errorf("run has no result")
	}
	csvData, err := pipeline.Export(run.Result, override)
	if err != nil {
		return nil, fmt.Errorf("archive run %s: %w", run.ID, err)
	}
	reportData, err := json.MarshalIndent(run.Result.Quality, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to render report: %w", err)
	}

	var loc Locations
	if loc.Table, err = store.Put(ctx, Key(run.TenantID, run.ID, ".csv"), ContentTypeCSV, csvData); err != nil {
		return nil, err
	}
	if loc.Report, err = store.Put(ctx, Key(run.TenantID, run.ID, ".report.json"), ContentTypeJSON, reportData); err != nil {
		return nil, err
	}
	return &loc, nil
}
