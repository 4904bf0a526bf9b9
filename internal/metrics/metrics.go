package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	SamplesProcessed prometheus.Counter
	SampleErrors     prometheus.Counter
	TrackedTrips     prometheus.Gauge
	TripsCompleted   prometheus.Counter
	Evictions        prometheus.Counter

	StopEvents *prometheus.CounterVec // kind label: APPROACHING|ARRIVED

	NotificationsSent   prometheus.Counter
	NotificationsFailed prometheus.Counter
	SendDuration        prometheus.Histogram

	CacheRebuilds     prometheus.Counter
	CacheRebuildErrs  prometheus.Counter
	NATSConnected     prometheus.Gauge
	ApproachingRadius prometheus.Gauge // meters
}

func NewCollector(approachingRadius float64) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SamplesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_location_samples_total",
			Help: "Total location samples processed.",
		}),
		SampleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_location_sample_errors_total",
			Help: "Total location samples rejected or failed.",
		}),
		TrackedTrips: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifier_tracked_trips",
			Help: "Number of trips with an in-memory tracking record.",
		}),
		TripsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_trips_completed_total",
			Help: "Total trips auto-completed by the proximity engine.",
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_track_evictions_total",
			Help: "Total idle tracking records reclaimed by the janitor.",
		}),
		StopEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifier_stop_events_total",
			Help: "Stop proximity events fired.",
		}, []string{"kind"}),
		NotificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_notifications_sent_total",
			Help: "Total push notifications delivered.",
		}),
		NotificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_notifications_failed_total",
			Help: "Total push notification sends that failed.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notifier_send_duration_seconds",
			Help:    "Duration of a single push send.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		CacheRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_cache_rebuilds_total",
			Help: "Total target-cache rebuilds.",
		}),
		CacheRebuildErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifier_cache_rebuild_errors_total",
			Help: "Total target-cache rebuild failures.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifier_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		ApproachingRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifier_approaching_radius_meters",
			Help: "Configured approaching radius.",
		}),
	}

	reg.MustRegister(
		c.SamplesProcessed, c.SampleErrors, c.TrackedTrips,
		c.TripsCompleted, c.Evictions, c.StopEvents,
		c.NotificationsSent, c.NotificationsFailed, c.SendDuration,
		c.CacheRebuilds, c.CacheRebuildErrs, c.NATSConnected,
		c.ApproachingRadius,
	)

	c.ApproachingRadius.Set(approachingRadius)

	return c
}

// Interface adapters for the tracker, notify and cache packages.

func (c *Collector) SampleInc()            { c.SamplesProcessed.Inc() }
func (c *Collector) SampleErrInc()         { c.SampleErrors.Inc() }
func (c *Collector) EventInc(kind string)  { c.StopEvents.WithLabelValues(kind).Inc() }
func (c *Collector) TrackedTripsSet(n int) { c.TrackedTrips.Set(float64(n)) }
func (c *Collector) TripCompletedInc()     { c.TripsCompleted.Inc() }
func (c *Collector) EvictionInc()          { c.Evictions.Inc() }

func (c *Collector) NotificationSentInc()        { c.NotificationsSent.Inc() }
func (c *Collector) NotificationFailedInc()      { c.NotificationsFailed.Inc() }
func (c *Collector) SendObserve(d time.Duration) { c.SendDuration.Observe(d.Seconds()) }

func (c *Collector) CacheRebuildInc()    { c.CacheRebuilds.Inc() }
func (c *Collector) CacheRebuildErrInc() { c.CacheRebuildErrs.Inc() }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
