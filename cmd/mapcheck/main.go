// Command mapcheck validates a candidate error mapping table offline.
//
// Usage:
//
//	mapcheck --candidate candidate.csv --internal internal.csv \
//	    --out validated.csv --report report.json [--override]
//
// It runs the same normalization, consolidation and quality checks as the
// service. Exit status is 1 when the table has blocking errors and no
// override was given, 2 on usage errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/ingest"
	"github.com/opensource-finance/errmap/internal/pipeline"
	"github.com/opensource-finance/errmap/internal/quality"
)

// errBlocked is returned when blocking findings stop the export.
var errBlocked = errors.New("table has blocking errors")

// usageError marks bad invocations.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

type options struct {
	candidate string
	internal  string
	out       string
	report    string
	override  bool
}

// Report is the JSON document written by --report.
type Report struct {
	Exportable            bool                       `json:"exportable"`
	Override              bool                       `json:"override"`
	Quality               domain.QualityReport       `json:"quality"`
	Rejected              []domain.RejectedRow       `json:"rejected"`
	NormalizationWarnings []domain.Finding           `json:"normalizationWarnings"`
	Consolidation         domain.ConsolidationReport `json:"consolidation"`
}

func main() {
	cmd := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "mapcheck:", err)
		var ue *usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

// newRootCmd writes the table to stdout when --out is empty and the summary
// to stderr.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "mapcheck",
		Short:         "Validate a candidate error mapping table",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.candidate == "" || opts.internal == "" {
				return &usageError{errors.New("--candidate and --internal are required")}
			}
			return run(cmd.Context(), stdout, stderr, opts)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err}
	})

	f := cmd.Flags()
	f.StringVar(&opts.candidate, "candidate", "", "candidate mapping table (CSV, fenced blocks allowed)")
	f.StringVar(&opts.internal, "internal", "", "internal error table (CSV)")
	f.StringVar(&opts.out, "out", "", "write the validated table to this file")
	f.StringVar(&opts.report, "report", "", "write the quality report JSON to this file")
	f.BoolVar(&opts.override, "override", false, "export even when blocking errors remain")
	return cmd
}

func run(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	candidate, err := os.ReadFile(opts.candidate)
	if err != nil {
		return err
	}
	internalText, err := os.ReadFile(opts.internal)
	if err != nil {
		return err
	}
	internal, err := ingest.ParseInternalErrors(string(internalText))
	if err != nil {
		return err
	}
	if len(internal) == 0 {
		return fmt.Errorf("%s: no internal error codes", opts.internal)
	}

	engine, err := quality.NewEngine()
	if err != nil {
		return err
	}
	defer engine.Close()
	proc, err := pipeline.NewProcessor(domain.DefaultValidationConfig(), engine)
	if err != nil {
		return err
	}

	res, err := proc.ProcessCSV(ctx, "local", "", string(candidate), internal)
	if err != nil {
		return err
	}

	if opts.report != "" {
		data, err := json.MarshalIndent(Report{
			Exportable:            res.Exportable(),
			Override:              opts.override,
			Quality:               res.Quality,
			Rejected:              res.Rejected,
			NormalizationWarnings: res.NormalizationWarnings,
			Consolidation:         res.Consolidation,
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(opts.report, data, 0o644); err != nil {
			return err
		}
	}

	printSummary(stderr, res)

	data, err := pipeline.Export(res, opts.override)
	if errors.Is(err, domain.ErrExportBlocked) {
		return fmt.Errorf("%w: %v", errBlocked, err)
	}
	if err != nil {
		return err
	}
	if opts.out != "" {
		return os.WriteFile(opts.out, data, 0o644)
	}
	_, err = stdout.Write(data)
	return err
}

func printSummary(w io.Writer, res *domain.Result) {
	s := res.Quality.Stats
	fmt.Fprintf(w, "rows: %d (forward %d, reverse %d, psp-only %d), rejected: %d, merged: %d\n",
		s.TotalRows, s.Forward, s.Reverse, s.PSPOnly, len(res.Rejected), res.Consolidation.DuplicatesDropped)
	for _, f := range res.Quality.Errors {
		fmt.Fprintf(w, "ERROR   row %d %s: %s\n", f.Row, f.Code, f.Message)
	}
	for _, f := range res.Quality.Warnings {
		fmt.Fprintf(w, "WARNING row %d %s: %s\n", f.Row, f.Code, f.Message)
	}
}
