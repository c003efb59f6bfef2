package metrics

import (
	"time"

	"github.com/leozw/voice-keypool/internal/core"
	"github.com/leozw/voice-keypool/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicepool"

// Collector implements the pool, selection and orchestrator observers and
// exposes pool gauges refreshed by the scheduler.
type Collector struct {
	// Pool events
	outcomes     *prometheus.CounterVec
	pauses       *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec
	selections   *prometheus.CounterVec

	// Requests
	speechRequests *prometheus.CounterVec
	speechDuration *prometheus.HistogramVec

	// Pool state
	resources        *prometheus.GaugeVec
	avgHealth        *prometheus.GaugeVec
	credentialHealth *prometheus.GaugeVec
	quotaUsed        prometheus.Gauge
	quotaAvailable   prometheus.Gauge
	users            *prometheus.GaugeVec

	// Background jobs
	sweeps        *prometheus.CounterVec
	sweepAffected *prometheus.CounterVec
	lastSweep     *prometheus.GaugeVec
}

func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		outcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_outcomes_total",
				Help:      "Reported request outcomes per pool",
			},
			[]string{"pool", "result"},
		),

		pauses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_pauses_total",
				Help:      "Resources paused, by cause",
			},
			[]string{"pool", "cause"},
		),

		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_cache_lookups_total",
				Help:      "Selection cache lookups",
			},
			[]string{"pool", "result"},
		),

		selections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_selections_total",
				Help:      "Credential selection attempts by caller tier",
			},
			[]string{"tier", "result"},
		),

		speechRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "speech_requests_total",
				Help:      "Speech generation requests by outcome",
			},
			[]string{"outcome"},
		),

		speechDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "speech_duration_seconds",
				Help:      "End to end speech generation latency",
				Buckets:   []float64{.25, .5, 1, 2, 4, 8, 16, 32},
			},
			[]string{"outcome"},
		),

		resources: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_resources",
				Help:      "Resources per pool and status",
			},
			[]string{"pool", "status"},
		),

		avgHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_average_health",
				Help:      "Average health score per pool (0-100)",
			},
			[]string{"pool"},
		),

		credentialHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credential_health_score",
				Help:      "Health score of each credential (0-100)",
			},
			[]string{"credential", "tier"},
		),

		quotaUsed: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credential_quota_used",
				Help:      "Units consumed this period across all credentials",
			},
		),

		quotaAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "credential_quota_available",
				Help:      "Units left this period across finite credentials",
			},
		),

		users: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "users",
				Help:      "Registered users by tier",
			},
			[]string{"tier"},
		),

		sweeps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Background sweep runs",
			},
			[]string{"sweep", "result"},
		),

		sweepAffected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_affected_total",
				Help:      "Resources changed or reported by background sweeps",
			},
			[]string{"sweep"},
		),

		lastSweep: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sweep_last_run_timestamp_seconds",
				Help:      "Unix time of the last completed sweep",
			},
			[]string{"sweep"},
		),
	}
}

func result(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

func (c *Collector) ObserveOutcome(pool string, success bool) {
	c.outcomes.WithLabelValues(pool, result(success, "success", "failure")).Inc()
}

func (c *Collector) ObservePause(pool string, cause health.PauseCause) {
	c.pauses.WithLabelValues(pool, string(cause)).Inc()
}

func (c *Collector) ObserveCache(pool string, hit bool) {
	c.cacheLookups.WithLabelValues(pool, result(hit, "hit", "miss")).Inc()
}

func (c *Collector) ObserveSelection(tier string, ok bool) {
	c.selections.WithLabelValues(tier, result(ok, "ok", "exhausted")).Inc()
}

func (c *Collector) ObserveSpeech(outcome string, elapsed time.Duration) {
	c.speechRequests.WithLabelValues(outcome).Inc()
	c.speechDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// ObserveSweep records one run of a background job. affected counts the
// resources it changed.
func (c *Collector) ObserveSweep(sweep string, affected int, err error) {
	c.sweeps.WithLabelValues(sweep, result(err == nil, "success", "error")).Inc()
	if err != nil {
		return
	}
	c.sweepAffected.WithLabelValues(sweep).Add(float64(affected))
	c.lastSweep.WithLabelValues(sweep).SetToCurrentTime()
}

func (c *Collector) RecordPoolStats(pool string, s core.PoolStats) {
	c.resources.WithLabelValues(pool, "active").Set(float64(s.Active))
	c.resources.WithLabelValues(pool, "paused").Set(float64(s.Paused))
	c.avgHealth.WithLabelValues(pool).Set(s.AvgHealth)
	if pool == "credentials" {
		c.quotaUsed.Set(float64(s.QuotaUsed))
		c.quotaAvailable.Set(float64(s.QuotaAvailable))
	}
}

// RecordCredentials replaces the per-credential health series so deleted
// credentials disappear.
func (c *Collector) RecordCredentials(list []core.Credential) {
	c.credentialHealth.Reset()
	for _, cred := range list {
		c.credentialHealth.WithLabelValues(cred.Name, cred.Tier).Set(cred.Score)
	}
}

func (c *Collector) RecordUserStats(s core.UserStats) {
	c.users.WithLabelValues(string(core.TierFree)).Set(float64(s.Free))
	c.users.WithLabelValues(string(core.TierSupporter)).Set(float64(s.Supporter))
	c.users.WithLabelValues(string(core.TierPremium)).Set(float64(s.Premium))
}
