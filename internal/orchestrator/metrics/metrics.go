// Package metrics exposes orchestrator-side Prometheus collectors: session
// counts, job outcomes, and sweep activity.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector wraps the Prometheus metrics the orchestrator reports.
type Collector struct {
	jobsSubmitted  prometheus.Counter
	jobsSucceeded  prometheus.Counter
	jobsFailed     prometheus.Counter
	jobsTimedOut   prometheus.Counter
	jobLatency     prometheus.Histogram
	sessionsOnline prometheus.Gauge
	recoveriesRun  prometheus.Counter
}

// NewCollector builds and registers every metric against reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_jobs_submitted_total",
			Help: "Total jobs submitted to the router.",
		}),
		jobsSucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_jobs_succeeded_total",
			Help: "Total jobs that reached state success.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_jobs_failed_total",
			Help: "Total jobs that reached state failed.",
		}),
		jobsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_jobs_timed_out_total",
			Help: "Total jobs that reached state timed_out (result deadline elapsed or orchestrator shutdown).",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetgate_job_latency_seconds",
			Help:    "Time from job submission to terminal state.",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetgate_sessions_online",
			Help: "Current count of sessions in state online.",
		}),
		recoveriesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetgate_recovery_directives_total",
			Help: "Total recovery directives synthesized by the policy engine.",
		}),
	}

	reg.MustRegister(c.jobsSubmitted, c.jobsSucceeded, c.jobsFailed, c.jobsTimedOut, c.jobLatency, c.sessionsOnline, c.recoveriesRun)
	return c
}

// RecordSubmit increments the submitted counter.
func (c *Collector) RecordSubmit() { c.jobsSubmitted.Inc() }

// RecordOutcome records a job's terminal state and its end-to-end latency.
func (c *Collector) RecordOutcome(state string, latency time.Duration) {
	switch state {
	case "success":
		c.jobsSucceeded.Inc()
	case "failed":
		c.jobsFailed.Inc()
	case "timed_out":
		c.jobsTimedOut.Inc()
	}
	c.jobLatency.Observe(latency.Seconds())
}

// SetSessionsOnline sets the current online-session gauge.
func (c *Collector) SetSessionsOnline(n int) { c.sessionsOnline.Set(float64(n)) }

// RecordRecovery increments the recovery-directive counter.
func (c *Collector) RecordRecovery() { c.recoveriesRun.Inc() }

// Serve starts an HTTP server exposing /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv
}
