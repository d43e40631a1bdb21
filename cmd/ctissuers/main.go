/*
Package main is the entry point for the ctissuers command-line application.

ctissuers reads a list of domains, looks each one up on the crt.sh
Certificate Transparency search service, keeps the certificates that have not
expired yet, and writes issuer, validity window and identities per certificate
to a CSV report.

Lookups are made one domain at a time. A failed lookup is reported and the
run moves on to the next domain; failing to read the domain list or to write
the report ends the run with a non-zero exit code.
*/
package main

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
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/x-stp/ctissuers/internal/certlib"
	"github.com/x-stp/ctissuers/internal/client"
	"github.com/x-stp/ctissuers/internal/core"
	"github.com/x-stp/ctissuers/internal/metrics"
)

var (
	inputFile      string
	outputFile     string
	endpoint       string
	requestTimeout time.Duration
	metricsAddr    string
	bufferSize     int
	debug          bool
)

var rootCmd = &cobra.Command{
	Use:   "ctissuers",
	Short: "ctissuers - list active certificates and their issuers for a set of domains via crt.sh",
	Long: `Looks up every domain of the input file on crt.sh, keeps certificates whose not_after
is still in the future and writes them to a CSV report with the columns:
domain,issuer,not_before,not_after,common_name,identities`,
	SilenceUsage: true,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return validateEndpoint(endpoint)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&inputFile, "input", "i", core.DefaultInputFile, "File with one domain per line")
	rootCmd.Flags().StringVarP(&outputFile, "output", "o", core.DefaultOutputFile, "CSV report to write")
	rootCmd.Flags().StringVar(&endpoint, "endpoint", certlib.CrtShURLTemplate, "Lookup URL template; %s receives the escaped domain")
	rootCmd.Flags().DurationVar(&requestTimeout, "request-timeout", 0, "Overall timeout per lookup (0 for none)")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090); disabled when empty")
	rootCmd.Flags().IntVarP(&bufferSize, "buffer", "b", 0, "Buffer size in bytes for the report writer (0 for default)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "Log every certificate record returned by crt.sh")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, stopping after the current lookup...", sig)
		cancel()
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// validateEndpoint checks that the lookup template has exactly one %s verb.
func validateEndpoint(tmpl string) error {
	if strings.Count(tmpl, "%s") != 1 || strings.Count(strings.ReplaceAll(tmpl, "%%", ""), "%") != 1 {
		return fmt.Errorf("invalid --endpoint %q: must contain exactly one %%s", tmpl)
	}
	return nil
}

func run(ctx context.Context) error {
	if metricsAddr != "" {
		metrics.EnableMetrics()
		if err := metrics.StartMetricsServer(metricsAddr); err != nil {
			log.Printf("Failed to start metrics server: %v", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.ShutdownMetricsServer(shutdownCtx); err != nil {
				log.Printf("Metrics server shutdown error: %v", err)
			}
		}()
	}

	client.InitHTTPClient(&client.Config{RequestTimeout: requestTimeout})
	fetcher := certlib.NewFetcher()
	fetcher.URLTemplate = endpoint

	runner := core.NewRunner(&core.Config{
		InputFile:  inputFile,
		OutputFile: outputFile,
		BufferSize: bufferSize,
		Debug:      debug,
	}, fetcher)

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	log.Printf("Processed %d domain(s) (%d skipped), %d active certificate(s) in %v",
		summary.Domains, summary.SkippedDomains, summary.Rows, summary.Elapsed.Round(time.Millisecond))
	return nil
}
