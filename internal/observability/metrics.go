package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FetchRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_fetch_requests_total",
			Help: "Outbound source requests by source and outcome",
		},
		[]string{"source", "outcome"},
	)
	ScrapedRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_records_total",
			Help: "Raw product records returned by adapters",
		},
		[]string{"source"},
	)
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_cache_lookups_total",
			Help: "Fetch guard cache lookups",
		},
		[]string{"result"},
	)
	IngestedProductsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_products_total",
			Help: "Products written by ingestion",
		},
		[]string{"op"},
	)
	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Alert rules that fired",
		},
		[]string{"kind"},
	)
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_notifications_total",
			Help: "Notification sends by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Duration of scheduled pipeline jobs",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"job", "status"},
	)
)

func Start(port string) {
	prometheus.MustRegister(
		FetchRequestsTotal,
		ScrapedRecordsTotal,
		CacheLookupsTotal,
		IngestedProductsTotal,
		AlertsFiredTotal,
		NotificationsTotal,
		JobDuration,
	)
	http.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(":"+port, nil)
}

func ObserveJob(job, status string, started time.Time) {
	JobDuration.WithLabelValues(job, status).Observe(time.Since(started).Seconds())
}

// ClassifyStatus buckets an HTTP status code for metric labels.
func ClassifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	}
	return "error"
}
