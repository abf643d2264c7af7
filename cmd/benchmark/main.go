// Benchmark tool for load-testing the errmap validation endpoint.
//
// Usage:
//
//	go run ./cmd/benchmark --dir ./candidates --internal internal.csv --url http://localhost:8080
//
// Every *.csv file in --dir is treated as a candidate mapping table and posted
// to POST /validate together with the internal error table. The tool reports
// how many tables were exportable, which finding codes blocked the rest, and
// request latency.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/errmap/internal/api"
)

type options struct {
	dir      string
	internal string
	baseURL  string
	tenantID string
	workers  int
	rounds   int
	verbose  bool
}

// Candidate is one table to post.
type Candidate struct {
	Name string
	CSV  string
}

// Metrics tracks benchmark results.
type Metrics struct {
	mu sync.Mutex

	Exportable int
	Blocked    int
	Errors     int
	Findings   map[string]int
	Latencies  []time.Duration
}

func (m *Metrics) record(resp *api.ValidateResponse, elapsed time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Latencies = append(m.Latencies, elapsed)
	if err != nil {
		m.Errors++
		return
	}
	if resp.Exportable {
		m.Exportable++
		return
	}
	m.Blocked++
	for _, f := range resp.Result.Quality.Errors {
		m.Findings[f.Code]++
	}
}

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "benchmark:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "benchmark",
		Short:        "Post candidate tables to a running errmap service",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(out, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.dir, "dir", "", "directory of candidate CSV files")
	f.StringVar(&opts.internal, "internal", "", "internal error table (CSV)")
	f.StringVar(&opts.baseURL, "url", "http://localhost:8080", "errmap base URL")
	f.StringVar(&opts.tenantID, "tenant", "benchmark-test", "tenant ID for requests")
	f.IntVar(&opts.workers, "workers", 10, "number of concurrent workers")
	f.IntVar(&opts.rounds, "rounds", 1, "times each candidate is posted")
	f.BoolVar(&opts.verbose, "verbose", false, "print each result")
	cmd.MarkFlagRequired("dir")
	cmd.MarkFlagRequired("internal")
	return cmd
}

func run(out io.Writer, opts options) error {
	internal, err := os.ReadFile(opts.internal)
	if err != nil {
		return err
	}
	candidates, err := readCandidates(opts.dir)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return fmt.Errorf("no candidate CSV files in %s", opts.dir)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	if err := checkHealth(client, opts.baseURL); err != nil {
		return fmt.Errorf("errmap not reachable at %s: %w", opts.baseURL, err)
	}

	fmt.Fprintf(out, "Candidates: %d\nRounds:     %d\nWorkers:    %d\nURL:        %s\n\n",
		len(candidates), opts.rounds, opts.workers, opts.baseURL)

	start := time.Now()
	m := runBenchmark(client, opts, candidates, string(internal), out)
	printResults(out, m, time.Since(start))
	return nil
}

func readCandidates(dir string) ([]Candidate, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	out := make([]Candidate, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, Candidate{Name: filepath.Base(p), CSV: string(data)})
	}
	return out, nil
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(client *http.Client, opts options, candidates []Candidate, internal string, out io.Writer) *Metrics {
	m := &Metrics{Findings: make(map[string]int)}
	work := make(chan Candidate, opts.workers)
	var wg sync.WaitGroup

	workers := max(opts.workers, 1)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				t0 := time.Now()
				resp, err := validate(client, opts.baseURL, opts.tenantID, c.CSV, internal)
				elapsed := time.Since(t0)
				m.record(resp, elapsed, err)

				if opts.verbose {
					switch {
					case err != nil:
						fmt.Fprintf(out, "ERROR   %-30s %v\n", c.Name, err)
					case resp.Exportable:
						fmt.Fprintf(out, "PASSED  %-30s %6dms\n", c.Name, elapsed.Milliseconds())
					default:
						fmt.Fprintf(out, "BLOCKED %-30s %6dms %d error(s)\n", c.Name, elapsed.Milliseconds(), len(resp.Result.Quality.Errors))
					}
				}
			}
		}()
	}

	for range max(opts.rounds, 1) {
		for _, c := range candidates {
			work <- c
		}
	}
	close(work)
	wg.Wait()

	return m
}

func validate(client *http.Client, baseURL, tenantID, candidate, internal string) (*api.ValidateResponse, error) {
	body, err := json.Marshal(api.ValidateRequest{
		CandidateCSV: candidate,
		InternalCSV:  internal,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantIDHeader, tenantID)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result api.ValidateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)-1) * p)
	return sorted[i]
}

func printResults(out io.Writer, m *Metrics, duration time.Duration) {
	total := m.Exportable + m.Blocked + m.Errors

	fmt.Fprintln(out, "RESULTS")
	fmt.Fprintf(out, "   Requests:    %d\n", total)
	fmt.Fprintf(out, "   Exportable:  %d\n", m.Exportable)
	fmt.Fprintf(out, "   Blocked:     %d\n", m.Blocked)
	fmt.Fprintf(out, "   Errors:      %d\n", m.Errors)

	if len(m.Findings) > 0 {
		codes := make([]string, 0, len(m.Findings))
		for code := range m.Findings {
			codes = append(codes, code)
		}
		slices.SortFunc(codes, func(a, b string) int {
			if d := m.Findings[b] - m.Findings[a]; d != 0 {
				return d
			}
			return strings.Compare(a, b)
		})
		fmt.Fprintln(out, "\nBLOCKING FINDINGS")
		for _, code := range codes {
			fmt.Fprintf(out, "   %-28s %d\n", code, m.Findings[code])
		}
	}

	lat := slices.Clone(m.Latencies)
	slices.Sort(lat)
	var sum time.Duration
	for _, d := range lat {
		sum += d
	}

	fmt.Fprintln(out, "\nPERFORMANCE")
	fmt.Fprintf(out, "   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if len(lat) > 0 {
		fmt.Fprintf(out, "   Mean Latency:    %v\n", (sum / time.Duration(len(lat))).Round(time.Microsecond))
		fmt.Fprintf(out, "   p50 Latency:     %v\n", percentile(lat, 0.50).Round(time.Microsecond))
		fmt.Fprintf(out, "   p95 Latency:     %v\n", percentile(lat, 0.95).Round(time.Microsecond))
		fmt.Fprintf(out, "   Throughput:      %.2f req/sec\n", float64(total)/duration.Seconds())
	}
}
