package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "biosurvey_"

	// Row outcomes.
	RowAccepted = "accepted"
	RowRejected = "rejected"

	// Batch results.
	BatchSuccess = "success"
	BatchErrors  = "errors"
	BatchFailed  = "failed"
)

var (
	registerOnce sync.Once

	rowsTotal          *prometheus.CounterVec
	rowWarningsTotal   prometheus.Counter
	sitesCreated       prometheus.Counter
	derivationFailures *prometheus.CounterVec
	batchLatency       *prometheus.HistogramVec
	speciesSnapshots   *prometheus.CounterVec
)

// Init registers ingestion metrics with the default registry. Safe to call
// more than once; recording helpers are no-ops until Init runs.
func Init() {
	registerOnce.Do(func() {
		rowsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_rows_total",
				Help: "Total ingested rows by outcome",
			},
			[]string{"dataset_type", "outcome"},
		)
		rowWarningsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingest_row_warnings_total",
				Help: "Total accepted rows that carried validation warnings",
			},
		)
		sitesCreated = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "sites_created_total",
				Help: "Total sites created implicitly during ingestion",
			},
		)
		derivationFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "derivation_failures_total",
				Help: "Total derivations that could not cast their source column",
			},
			[]string{"field"},
		)
		batchLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "ingest_batch_latency_seconds",
				Help:    "Ingestion batch latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "result"},
		)
		speciesSnapshots = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "species_snapshot_total",
				Help: "Species snapshot loads by origin",
			},
			[]string{"origin"},
		)

		prometheus.MustRegister(
			rowsTotal,
			rowWarningsTotal,
			sitesCreated,
			derivationFailures,
			batchLatency,
			speciesSnapshots,
		)
	})
}

// ObserveRow counts one processed row.
func ObserveRow(datasetType, outcome string, warned bool) {
	if rowsTotal != nil {
		rowsTotal.WithLabelValues(datasetType, outcome).Inc()
	}
	if warned && rowWarningsTotal != nil {
		rowWarningsTotal.Inc()
	}
}

// IncSiteCreated counts a site created by find-or-create.
func IncSiteCreated() {
	if sitesCreated != nil {
		sitesCreated.Inc()
	}
}

// IncDerivationFailure counts a derivation that degraded to an empty field.
func IncDerivationFailure(field string) {
	if derivationFailures != nil {
		derivationFailures.WithLabelValues(field).Inc()
	}
}

// ObserveBatch records the latency of a whole upload or bulk request.
func ObserveBatch(source, result string, duration time.Duration) {
	if result == "" {
		result = BatchSuccess
	}
	if batchLatency != nil {
		batchLatency.WithLabelValues(source, result).Observe(duration.Seconds())
	}
}

// IncSpeciesSnapshot counts snapshot loads; origin is "cache" or "remote".
func IncSpeciesSnapshot(origin string) {
	if speciesSnapshots != nil {
		speciesSnapshots.WithLabelValues(origin).Inc()
	}
}
