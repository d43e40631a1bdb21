package core

/*
ctissuers — active certificate issuer reports from Certificate Transparency search
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/x-stp/ctissuers/internal/certlib"
	rxio "github.com/x-stp/ctissuers/internal/io"
	"github.com/x-stp/ctissuers/internal/metrics"
)

// Defaults for the input and output locations.
const (
	DefaultInputFile  = "domains.txt"
	DefaultOutputFile = "certificate_issuers.csv"
)

// Metric label values.
const (
	resultActive    = "active"
	resultNone      = "none"
	resultSkipped   = "skipped"
	outcomeKept     = "kept"
	lookupOutcomeOK = "ok"
)

// ErrRunCancelled is returned when the context is cancelled before the report is written.
var ErrRunCancelled = errors.New("run cancelled")

// Querier looks up certificate records for a single domain. Implementations
// must degrade failures to an empty slice; the error is informational.
type Querier interface {
	Query(ctx context.Context, domain string) ([]certlib.CertificateRecord, error)
}

// Config holds operational parameters for a run.
type Config struct {
	InputFile  string
	OutputFile string
	BufferSize int
	Debug      bool
}

// Summary describes a completed run.
type Summary struct {
	Domains        int
	SkippedDomains int
	Rows           int
	Report         *rxio.ReportSummary
	Elapsed        time.Duration
}

// Runner executes the lookup pipeline sequentially, one domain at a time.
type Runner struct {
	config  *Config
	querier Querier
	out     io.Writer
	now     func() time.Time
}

// NewRunner creates a Runner. A nil querier uses the public crt.sh fetcher.
func NewRunner(config *Config, querier Querier) *Runner {
	if config == nil {
		config = &Config{}
	}
	if config.InputFile == "" {
		config.InputFile = DefaultInputFile
	}
	if config.OutputFile == "" {
		config.OutputFile = DefaultOutputFile
	}
	if querier == nil {
		querier = certlib.NewFetcher()
	}
	return &Runner{
		config:  config,
		querier: querier,
		out:     os.Stdout,
		now:     time.Now,
	}
}

// SetOutput redirects the progress lines (stdout by default).
func (r *Runner) SetOutput(w io.Writer) {
	r.out = w
}

// SetClock replaces the source of the reference instant used by the expiry filter.
func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Run loads the domain list, processes every domain in order and writes the report.
// Per-domain lookup failures are logged and never abort the run; failing to read
// the input or write the report does.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()
	m := metrics.GetMetrics()

	domains, err := LoadDomains(r.config.InputFile)
	if err != nil {
		return nil, err
	}

	summary := &Summary{Domains: len(domains)}
	var rows []certlib.OutputRow

	for i, domain := range domains {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w after %d of %d domains: %w", ErrRunCancelled, i, len(domains), ctx.Err())
		}
		if domain == "" {
			fmt.Fprintf(r.out, "Skipping empty domain entry on line %d\n", i+1)
			summary.SkippedDomains++
			m.RecordDomain(resultSkipped)
			continue
		}

		fmt.Fprintf(r.out, "Querying certificates for domain: %s\n", domain)
		active := r.processDomain(ctx, m, domain)

		if len(active) > 0 {
			fmt.Fprintf(r.out, "Found %d active certificate(s) for domain: %s\n", len(active), domain)
			m.RecordDomain(resultActive)
		} else {
			fmt.Fprintf(r.out, "No active certificates found for domain: %s\n", domain)
			m.RecordDomain(resultNone)
		}
		for _, detail := range active {
			rows = append(rows, certlib.OutputRow{Domain: domain, ActiveCertificateDetail: detail})
		}
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w before writing report: %w", ErrRunCancelled, ctx.Err())
	}

	report, err := r.writeReport(rows)
	if err != nil {
		return nil, err
	}
	m.RecordReport(report.Rows, report.BytesWritten)

	summary.Rows = report.Rows
	summary.Report = report
	summary.Elapsed = time.Since(start)
	fmt.Fprintf(r.out, "Results saved to %s\n", report.Path)
	return summary, nil
}

// processDomain performs the lookup for a single domain and returns its active certificates.
func (r *Runner) processDomain(ctx context.Context, m *metrics.Metrics, domain string) []certlib.ActiveCertificateDetail {
	done := metrics.MeasureDuration(m.LookupDuration)
	records, err := r.querier.Query(ctx, domain)
	if err != nil {
		var fe *certlib.FetchError
		if errors.As(err, &fe) {
			m.RecordLookup(fe.StatusCode, string(fe.Kind))
			done(string(fe.Kind))
		} else {
			m.RecordLookup(0, "unknown")
			done("unknown")
		}
	} else {
		m.RecordLookup(200, "")
		done(lookupOutcomeOK)
	}

	res := certlib.ExtractActiveAt(records, r.now().UTC())
	m.RecordRecords(outcomeKept, len(res.Active))
	for reason, n := range res.Skipped {
		m.RecordRecords(string(reason), n)
	}

	if r.config.Debug {
		log.Printf("[debug] %s: %d record(s), %d active, skipped %v", domain, len(records), len(res.Active), res.Skipped)
		for i := range records {
			rec := &records[i]
			log.Printf("[debug] %s: record id=%d fingerprint=%s issuer=%q", domain, rec.ID, rec.Fingerprint(), rec.IssuerName)
		}
	}
	return res.Active
}

func (r *Runner) writeReport(rows []certlib.OutputRow) (*rxio.ReportSummary, error) {
	rw, err := rxio.NewReportWriter(r.config.OutputFile, certlib.ReportHeader, r.config.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create report: %w", err)
	}
	for i := range rows {
		if err := rw.WriteRow(rows[i].Fields()); err != nil {
			rw.Abort()
			return nil, err
		}
	}
	report, err := rw.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to finalise report: %w", err)
	}
	log.Printf("Wrote %d row(s), %d bytes to %s (xxh3 %s)", report.Rows, report.BytesWritten, report.Path, report.Digest)
	return report, nil
}
