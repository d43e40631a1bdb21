package metrics

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
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     atomic.Bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the application
type Metrics struct {
	// Lookup metrics
	LookupDuration    *prometheus.HistogramVec
	LookupsTotal      *prometheus.CounterVec
	LookupErrorsTotal *prometheus.CounterVec

	// Record metrics
	RecordsTotal *prometheus.CounterVec

	// Pipeline metrics
	DomainsTotal       *prometheus.CounterVec
	ReportRowsWritten  prometheus.Counter
	ReportBytesWritten prometheus.Gauge
}

// Global instance of metrics
var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// Registry exposes the private registry all metrics are registered with.
func Registry() *prometheus.Registry {
	return registry
}

// EnableMetrics enables metrics collection
func EnableMetrics() {
	metricsEnabled.Store(true)
}

// IsMetricsEnabled returns whether metrics collection is enabled
func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// newMetrics creates and registers all metrics
func newMetrics() *Metrics {
	// crt.sh answers in anything from a few hundred ms to over a minute.
	buckets := []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300}

	return &Metrics{
		LookupDuration: defaultRegisterer.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ctissuers_lookup_duration_seconds",
				Help:    "Time spent on crt.sh lookups",
				Buckets: buckets,
			},
			[]string{"outcome"},
		),
		LookupsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctissuers_lookups_total",
				Help: "Total number of crt.sh lookups by HTTP status",
			},
			[]string{"status"},
		),
		LookupErrorsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctissuers_lookup_errors_total",
				Help: "Total number of failed crt.sh lookups",
			},
			[]string{"error_type"},
		),
		RecordsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctissuers_records_total",
				Help: "Certificate records seen, by filter outcome",
			},
			[]string{"outcome"},
		),
		DomainsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ctissuers_domains_total",
				Help: "Domains processed, by result",
			},
			[]string{"result"},
		),
		ReportRowsWritten: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "ctissuers_report_rows_written_total",
				Help: "Rows written to the CSV report",
			},
		),
		ReportBytesWritten: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "ctissuers_report_bytes",
				Help: "Size in bytes of the last written report",
			},
		),
	}
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics
func StartMetricsServer(addr string) error {
	if !IsMetricsEnabled() || addr == "" {
		return nil
	}

	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			log.Printf("Starting metrics server on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	})

	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		log.Println("Shutting down metrics server...")
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// MeasureDuration is a helper to measure the duration of a function.
// The returned func observes the elapsed time under the given outcome label.
func MeasureDuration(histogram *prometheus.HistogramVec) func(outcome string) {
	if !IsMetricsEnabled() {
		return func(string) {}
	}

	start := time.Now()
	return func(outcome string) {
		histogram.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}
}

// RecordLookup counts a lookup. statusCode is 0 when no response was received,
// errorType is empty on success.
func (m *Metrics) RecordLookup(statusCode int, errorType string) {
	if !IsMetricsEnabled() {
		return
	}

	status := "none"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	m.LookupsTotal.WithLabelValues(status).Inc()
	if errorType != "" {
		m.LookupErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

// RecordRecords adds n records under the given filter outcome.
func (m *Metrics) RecordRecords(outcome string, n int) {
	if !IsMetricsEnabled() || n == 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(outcome).Add(float64(n))
}

// RecordDomain counts a processed domain under result.
func (m *Metrics) RecordDomain(result string) {
	if !IsMetricsEnabled() {
		return
	}
	m.DomainsTotal.WithLabelValues(result).Inc()
}

// RecordReport records the final size of the written report.
func (m *Metrics) RecordReport(rows int, bytes int64) {
	if !IsMetricsEnabled() {
		return
	}
	m.ReportRowsWritten.Add(float64(rows))
	m.ReportBytesWritten.Set(float64(bytes))
}
