package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total scheduled emails delivered",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total scheduled emails that failed permanently or ran out of retries",
		},
	)

	EmailRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Total failed attempts returned to pending for a later retry",
		},
	)

	EmailsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emails_queued_total",
			Help: "Total records handed to the task queue, by lane",
		},
		[]string{"lane"},
	)

	TasksSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_tasks_skipped_total",
			Help: "Total send tasks skipped, by reason",
		},
		[]string{"reason"},
	)

	ProviderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_provider_attempts_total",
			Help: "Delivery attempts per provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ScanDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_dispatch_scan_seconds",
			Help:    "Duration of dispatch scans",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecordsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_records_purged_total",
			Help: "Terminal records deleted by cleanup",
		},
	)

	RecordsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_records_recovered_total",
			Help: "Stuck queued or sending records returned to pending",
		},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(EmailRetries)
	prometheus.MustRegister(EmailsQueued)
	prometheus.MustRegister(TasksSkipped)
	prometheus.MustRegister(ProviderAttempts)
	prometheus.MustRegister(ScanDuration)
	prometheus.MustRegister(RecordsPurged)
	prometheus.MustRegister(RecordsRecovered)
}
