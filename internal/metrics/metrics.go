package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var stages = []string{"idle", "acquiring", "tracking", "error"}

type Collector struct {
	reg *prometheus.Registry

	// driver tracker
	FixesProcessed prometheus.Counter
	Sends          prometheus.Counter
	SendErrors     prometheus.Counter
	Throttled      prometheus.Counter
	Stage          *prometheus.GaugeVec // stage label, 1 for the current stage
	SendDuration   prometheus.Histogram

	MinSendInterval prometheus.Gauge // seconds
	MaxDerivedSpeed prometheus.Gauge // km/h

	// ingest server
	Accepted      *prometheus.CounterVec // source label: client|webhook|nats
	Rejected      *prometheus.CounterVec // reason label: invalid|malformed|unknown_device|store
	UnknownDevice prometheus.Counter
	StoreDuration prometheus.Histogram

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		FixesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busbuddy_tracker_fixes_processed_total",
			Help: "Total raw fixes normalized by the tracking session.",
		}),
		Sends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busbuddy_tracker_sends_total",
			Help: "Total location updates accepted by ingestion.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busbuddy_tracker_send_errors_total",
			Help: "Total location updates that failed or were rejected.",
		}),
		Throttled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busbuddy_tracker_throttled_total",
			Help: "Total fixes skipped because the send interval had not elapsed.",
		}),
		Stage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "busbuddy_tracker_stage",
			Help: "1 for the current tracking stage, 0 otherwise.",
		}, []string{"stage"}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busbuddy_tracker_send_duration_seconds",
			Help:    "Duration of a single location update request.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		MinSendInterval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busbuddy_tracker_min_send_interval_seconds",
			Help: "Minimum interval between location updates.",
		}),
		MaxDerivedSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busbuddy_tracker_max_derived_speed_kmh",
			Help: "Upper bound for speeds derived from consecutive fixes.",
		}),
		Accepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busbuddy_ingest_accepted_total",
			Help: "Total location updates stored.",
		}, []string{"source"}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busbuddy_ingest_rejected_total",
			Help: "Total location updates refused.",
		}, []string{"reason"}),
		UnknownDevice: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busbuddy_ingest_webhook_unknown_device_total",
			Help: "Total webhook calls for devices without a bus mapping.",
		}),
		StoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busbuddy_ingest_store_duration_seconds",
			Help:    "Duration of a location insert.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busbuddy_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busbuddy_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "busbuddy_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busbuddy_nats_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.FixesProcessed, c.Sends, c.SendErrors, c.Throttled, c.Stage, c.SendDuration,
		c.MinSendInterval, c.MaxDerivedSpeed,
		c.Accepted, c.Rejected, c.UnknownDevice, c.StoreDuration,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
	)
	c.SetStage("idle")

	return c
}

// SetTrackerConfig publishes the static tracker settings as gauges.
func (c *Collector) SetTrackerConfig(minInterval time.Duration, maxDerivedSpeedKmh float64) {
	c.MinSendInterval.Set(minInterval.Seconds())
	c.MaxDerivedSpeed.Set(maxDerivedSpeedKmh)
}

func (c *Collector) SetStage(stage string) {
	for _, s := range stages {
		v := 0.0
		if s == stage {
			v = 1
		}
		c.Stage.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address. Extra
// handlers are mounted next to it.
func (c *Collector) Serve(addr string, extra map[string]http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	for path, h := range extra {
		mux.Handle(path, h)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
