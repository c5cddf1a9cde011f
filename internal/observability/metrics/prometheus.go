package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"triggerd/internal/trigger"
	logx "triggerd/pkg/logx"
)

const namespace = "triggerd"

// PrometheusSink implements Sink with client_golang collectors.
// A collector that fails to register is logged and keeps counting unexported.
type PrometheusSink struct {
	claimed     *prometheus.CounterVec
	conflicts   *prometheus.CounterVec
	recovered   *prometheus.CounterVec
	expired     *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	finished    *prometheus.CounterVec
	duration    *prometheus.HistogramVec

	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobSkipped  *prometheus.CounterVec
}

// Gauges are sampled on scrape. Nil funcs are not registered.
type Gauges struct {
	InFlight   func() float64
	BusDropped func() float64
	LogDropped func() float64
}

func NewPrometheusSink(reg prometheus.Registerer, g Gauges, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{
		claimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_claimed_total",
			Help: "Triggers claimed by this worker.",
		}, []string{"type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trigger_claim_conflicts_total",
			Help: "Claims lost to another worker.",
		}, []string{"type"}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_recovered_total",
			Help: "Stuck triggers reset by recovery.",
		}, []string{"type", "to"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_expired_total",
			Help: "Triggers deleted by TTL.",
		}, []string{"type"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "trigger_fetch_errors_total",
			Help: "Fetch cycles that failed and yielded an empty batch.",
		}, []string{"type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "triggers_finished_total",
			Help: "Triggers that reached a final status.",
		}, []string{"type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "trigger_process_duration_seconds",
			Help:    "Time from start of processing to the persisted outcome.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"type"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total",
			Help: "Scheduled job executions.",
		}, []string{"job", "failed"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds",
			Help:    "Scheduled job execution time.",
			Buckets: []float64{0.005, 0.05, 0.25, 1, 5, 30, 120},
		}, []string{"job"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_skipped_total",
			Help: "Job firings not executed: previous run busy, queue full or stale.",
		}, []string{"job"}),
	}

	for _, c := range []prometheus.Collector{
		s.claimed, s.conflicts, s.recovered, s.expired, s.fetchErrors,
		s.finished, s.duration, s.jobRuns, s.jobDuration, s.jobSkipped,
	} {
		register(reg, c, log)
	}
	gauge := func(name, help string, fn func() float64) {
		if fn != nil {
			register(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, fn), log)
		}
	}
	gauge("triggers_in_flight", "Triggers registered with the shutdown coordinator.", g.InFlight)
	gauge("eventbus_dropped_total", "Events dropped by full subscribers.", g.BusDropped)
	gauge("log_alerts_dropped_total", "Alert log lines dropped by rate limiting.", g.LogDropped)
	return s
}

func register(reg prometheus.Registerer, c prometheus.Collector, log logx.Logger) {
	if err := reg.Register(c); err != nil {
		log.Warn("metric register failed", logx.Err(err))
	}
}

func (s *PrometheusSink) Claimed(typ string, n int64) { s.claimed.WithLabelValues(typ).Add(float64(n)) }

func (s *PrometheusSink) Conflicts(typ string, n int64) {
	s.conflicts.WithLabelValues(typ).Add(float64(n))
}

func (s *PrometheusSink) Recovered(typ string, to trigger.Status, n int64) {
	s.recovered.WithLabelValues(typ, string(to)).Add(float64(n))
}

func (s *PrometheusSink) Expired(typ string, n int64) { s.expired.WithLabelValues(typ).Add(float64(n)) }

func (s *PrometheusSink) FetchFailed(typ string) { s.fetchErrors.WithLabelValues(typ).Inc() }

func (s *PrometheusSink) Finished(typ string, status trigger.Status, d time.Duration) {
	s.finished.WithLabelValues(typ, string(status)).Inc()
	s.duration.WithLabelValues(typ).Observe(d.Seconds())
}

func (s *PrometheusSink) JobFinished(name string, failed bool, d time.Duration) {
	s.jobRuns.WithLabelValues(name, strconv.FormatBool(failed)).Inc()
	s.jobDuration.WithLabelValues(name).Observe(d.Seconds())
}

func (s *PrometheusSink) JobSkipped(name string) { s.jobSkipped.WithLabelValues(name).Inc() }
