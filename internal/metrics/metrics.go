// Package metrics содержит prometheus-коллекторы циклов загрузки и расчета различий.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "stash"

	MetricIngestionsTotal   = "ingestions_total"
	MetricIngestionDuration = "ingestion_duration_seconds"
	MetricRowsChanged       = "rows_changed_total"
	MetricCellsWritten      = "cells_written_total"
	MetricDiffsTotal        = "diffs_total"
	MetricQueueJobsInFlight = "queue_jobs_in_flight"
	MetricQueueRetries      = "queue_retries_total"
	MetricEncryptedValues   = "encrypted_values_total"
)

// Результаты цикла загрузки.
const (
	OutcomeChanged   = "changed"
	OutcomeUnchanged = "unchanged"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var CounterIngestions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricIngestionsTotal,
		Help:      "Количество циклов загрузки по результату.",
	},
	[]string{"outcome"},
)

var HistogramIngestionDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      MetricIngestionDuration,
		Help:      "Длительность цикла загрузки.",
		Buckets:   prometheus.DefBuckets,
	},
)

var CounterRowsChanged = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricRowsChanged,
		Help:      "Строки, созданные, обновленные или удаленные при слиянии.",
	},
	[]string{"op"},
)

var CounterCellsWritten = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricCellsWritten,
		Help:      "Новые версии ячеек.",
	},
)

var CounterDiffs = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricDiffsTotal,
		Help:      "Задачи расчета различий по статусу.",
	},
	[]string{"status"},
)

var GaugeQueueJobsInFlight = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      MetricQueueJobsInFlight,
		Help:      "Задачи, выполняющиеся в очередях источников.",
	},
)

var CounterQueueRetries = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricQueueRetries,
		Help:      "Повторные попытки задач очереди.",
	},
)

var CounterEncryptedValues = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      MetricEncryptedValues,
		Help:      "Значения, зашифрованные на сервере.",
	},
)

func init() {
	prometheus.MustRegister(CounterIngestions)
	prometheus.MustRegister(HistogramIngestionDuration)
	prometheus.MustRegister(CounterRowsChanged)
	prometheus.MustRegister(CounterCellsWritten)
	prometheus.MustRegister(CounterDiffs)
	prometheus.MustRegister(GaugeQueueJobsInFlight)
	prometheus.MustRegister(CounterQueueRetries)
	prometheus.MustRegister(CounterEncryptedValues)
}
