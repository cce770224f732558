package kvik

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional set of Prometheus instruments the client updates
// as it runs. Construct with NewMetrics and register it with your own
// registry, or leave Config.Metrics nil to disable instrumentation
// entirely (every call site is nil-safe).
type Metrics struct {
	discoveryAttempts  prometheus.Counter
	discoverySuccesses prometheus.Counter
	gatewayBound       prometheus.Gauge
	msgsFailCnt        prometheus.Gauge
	timeSyncNoRespCnt  prometheus.Gauge
	timeSyncSuccesses  prometheus.Counter
	timeSyncFailures   prometheus.Counter
	subRenewals        prometheus.Counter
	subRenewalFailures prometheus.Counter
	subCount           prometheus.Gauge
	idCacheDuplicates  prometheus.Counter
}

// NewMetrics creates a Metrics bound to the given registerer (a
// *prometheus.Registry or prometheus.DefaultRegisterer both satisfy this).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		discoveryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvik_discovery_attempts_total",
			Help: "Gateway discovery attempts started.",
		}),
		discoverySuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvik_discovery_successes_total",
			Help: "Gateway discovery attempts that selected a gateway.",
		}),
		gatewayBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvik_gateway_bound",
			Help: "1 if the client currently has a bound gateway, 0 otherwise.",
		}),
		msgsFailCnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvik_msgs_fail_count",
			Help: "Current consecutive-unicast-failure counter.",
		}),
		timeSyncNoRespCnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvik_time_sync_no_resp_count",
			Help: "Current consecutive-time-sync-failure counter.",
		}),
		timeSyncSuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvik_time_sync_successes_total",
			Help: "Successful time sync rounds.",
		}),
		timeSyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvik_time_sync_failures_total",
			Help: "Failed time sync rounds.",
		}),
		subRenewals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvik_subscription_renewals_total",
			Help: "Subscription lease renewal rounds sent.",
		}),
		subRenewalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvik_subscription_renewal_failures_total",
			Help: "Subscription lease renewal rounds that failed.",
		}),
		subCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kvik_subscription_count",
			Help: "Number of patterns currently in the local subscription database.",
		}),
		idCacheDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kvik_id_cache_duplicates_total",
			Help: "Messages dropped as duplicate IDs by the dispatcher.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.discoveryAttempts, m.discoverySuccesses, m.gatewayBound,
			m.msgsFailCnt, m.timeSyncNoRespCnt, m.timeSyncSuccesses,
			m.timeSyncFailures, m.subRenewals, m.subRenewalFailures,
			m.subCount, m.idCacheDuplicates,
		)
	}
	return m
}

func (m *Metrics) incDiscoveryAttempts() {
	if m != nil {
		m.discoveryAttempts.Inc()
	}
}

func (m *Metrics) incDiscoverySuccesses() {
	if m != nil {
		m.discoverySuccesses.Inc()
	}
}

func (m *Metrics) setGatewayBound(bound bool) {
	if m == nil {
		return
	}
	if bound {
		m.gatewayBound.Set(1)
	} else {
		m.gatewayBound.Set(0)
	}
}

func (m *Metrics) setMsgsFailCnt(v uint16) {
	if m != nil {
		m.msgsFailCnt.Set(float64(v))
	}
}

func (m *Metrics) setTimeSyncNoRespCnt(v uint16) {
	if m != nil {
		m.timeSyncNoRespCnt.Set(float64(v))
	}
}

func (m *Metrics) incTimeSyncSuccesses() {
	if m != nil {
		m.timeSyncSuccesses.Inc()
	}
}

func (m *Metrics) incTimeSyncFailures() {
	if m != nil {
		m.timeSyncFailures.Inc()
	}
}

func (m *Metrics) incSubRenewals() {
	if m != nil {
		m.subRenewals.Inc()
	}
}

func (m *Metrics) incIDCacheDuplicates() {
	if m != nil {
		m.idCacheDuplicates.Inc()
	}
}

func (m *Metrics) incSubRenewalFailures() {
	if m != nil {
		m.subRenewalFailures.Inc()
	}
}

func (m *Metrics) setSubCount(v int) {
	if m != nil {
		m.subCount.Set(float64(v))
	}
}
