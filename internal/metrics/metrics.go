// Package metrics exposes Prometheus instruments for the pipeline stages.
//
// Instruments live on a private registry so tests can construct as many
// Metrics values as they like. A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	registry *prometheus.Registry

	ExtractFiles               *prometheus.CounterVec
	ExtractDocuments           prometheus.Counter
	ExtractRelationships       prometheus.Counter
	ExtractSkippedRecords      prometheus.Counter
	ExtractSkippedAffiliations prometheus.Counter
	ExtractUniqueAffiliations  prometheus.Gauge

	ResolveOutcomes      *prometheus.CounterVec
	ResolveAttempts      *prometheus.CounterVec
	ResolveLookupSeconds prometheus.Histogram
	ResolveInFlight      prometheus.Gauge
	ResolveRateLimited   prometheus.Counter
	ResolveRemaining     prometheus.Gauge

	ReconcileRecords       prometheus.Counter
	ReconcileRelationships *prometheus.CounterVec
	ReconcileDisagreements *prometheus.CounterVec

	StageDuration    *prometheus.GaugeVec
	StageLastSuccess *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ExtractFiles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "affilink_extract_files_total",
			Help: "Corpus files processed by extraction, by result",
		}, []string{"result"}),
		ExtractDocuments: factory.NewCounter(prometheus.CounterOpts{
			Name: "affilink_extract_documents_total",
			Help: "Source records parsed by extraction",
		}),
		ExtractRelationships: factory.NewCounter(prometheus.CounterOpts{
			Name: "affilink_extract_relationships_total",
			Help: "Author-affiliation relationships emitted by extraction",
		}),
		ExtractSkippedRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "affilink_extract_skipped_records_total",
			Help: "Malformed source records skipped by extraction",
		}),
		ExtractSkippedAffiliations: factory.NewCounter(prometheus.CounterOpts{
			Name: "affilink_extract_skipped_affiliations_total",
			Help: "Malformed affiliation entries skipped by extraction",
		}),
		ExtractUniqueAffiliations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "affilink_extract_unique_affiliations",
			Help: "Distinct affiliation strings in the last extraction",
		}),
		ResolveOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "affilink_resolve_outcomes_total",
			Help: "Terminal lookup outcomes recorded by resolution",
		}, []string{"status", "reason"}),
		ResolveAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "affilink_resolve_attempts_total",
			Help: "Registry lookup attempts, by result class",
		}, []string{"result"}),
		ResolveLookupSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "affilink_resolve_lookup_seconds",
			Help:    "Latency of individual registry lookup attempts",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		ResolveInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "affilink_resolve_in_flight",
			Help: "Lookups currently holding a concurrency slot",
		}),
		ResolveRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "affilink_resolve_rate_limited_total",
			Help: "Responses that asked the client to back off",
		}),
		ResolveRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "affilink_resolve_remaining",
			Help: "Fingerprints left unprocessed at the end of the last resolution",
		}),
		ReconcileRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "affilink_reconcile_records_total",
			Help: "Enriched records written by reconciliation",
		}),
		ReconcileRelationships: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "affilink_reconcile_relationships_total",
			Help: "Relationships joined by reconciliation, by whether an identifier was attached",
		}, []string{"identified"}),
		ReconcileDisagreements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "affilink_reconcile_disagreements_total",
			Help: "Disagreements between asserted and matched identifiers",
		}, []string{"type"}),
		StageDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "affilink_stage_duration_seconds",
			Help: "Wall time of the last run of each stage",
		}, []string{"stage"}),
		StageLastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "affilink_stage_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run of each stage",
		}, []string{"stage"}),
	}
}

// Registry returns the registry holding every instrument.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveFile(failed bool) {
	if m == nil {
		return
	}
	result := "ok"
	if failed {
		result = "failed"
	}
	m.ExtractFiles.WithLabelValues(result).Inc()
}

func (m *Metrics) AddExtracted(documents, relationships, skippedRecords, skippedAffiliations int) {
	if m == nil {
		return
	}
	m.ExtractDocuments.Add(float64(documents))
	m.ExtractRelationships.Add(float64(relationships))
	m.ExtractSkippedRecords.Add(float64(skippedRecords))
	m.ExtractSkippedAffiliations.Add(float64(skippedAffiliations))
}

func (m *Metrics) SetUniqueAffiliations(n int) {
	if m == nil {
		return
	}
	m.ExtractUniqueAffiliations.Set(float64(n))
}

// ObserveOutcome counts one terminal outcome. Reason is empty for matches.
func (m *Metrics) ObserveOutcome(status, reason string) {
	if m == nil {
		return
	}
	m.ResolveOutcomes.WithLabelValues(status, reason).Inc()
}

// ObserveAttempt records one registry round trip and its result class.
func (m *Metrics) ObserveAttempt(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ResolveAttempts.WithLabelValues(result).Inc()
	m.ResolveLookupSeconds.Observe(elapsed.Seconds())
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.ResolveInFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.ResolveInFlight.Dec()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.ResolveRateLimited.Inc()
}

func (m *Metrics) SetRemaining(n int) {
	if m == nil {
		return
	}
	m.ResolveRemaining.Set(float64(n))
}

func (m *Metrics) AddReconciled(records, identified, unidentified int) {
	if m == nil {
		return
	}
	m.ReconcileRecords.Add(float64(records))
	m.ReconcileRelationships.WithLabelValues("yes").Add(float64(identified))
	m.ReconcileRelationships.WithLabelValues("no").Add(float64(unidentified))
}

func (m *Metrics) AddDisagreements(kind string, n int) {
	if m == nil {
		return
	}
	m.ReconcileDisagreements.WithLabelValues(kind).Add(float64(n))
}

// StageFinished records duration and, on success, the completion time.
func (m *Metrics) StageFinished(stage string, elapsed time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Set(elapsed.Seconds())
	if ok {
		m.StageLastSuccess.WithLabelValues(stage).SetToCurrentTime()
	}
}

// WriteTextfile writes the registry in the node-exporter textfile format,
// atomically replacing path.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
