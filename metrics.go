package pmwcas

import "github.com/prometheus/client_golang/prometheus"

// Metrics records PMwCAS activity for external observation. The zero
// value is not usable directly; construct one with NewMetrics and
// register it with a prometheus.Registerer, or pass nil to WithMetrics
// to record nothing.
type Metrics struct {
	attempts     prometheus.Counter
	succeeded    prometheus.Counter
	failed       prometheus.Counter
	installRetry prometheus.Counter
	resolverWait prometheus.Counter
	liveDesc     prometheus.Gauge
}

// NewMetrics builds a Metrics recorder with the standard pmwcas_*
// collectors and registers them with reg. Pass prometheus.NewRegistry()
// for an isolated registry, or prometheus.DefaultRegisterer to expose
// them on the process-wide /metrics endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmwcas_attempts_total",
			Help: "Total number of PMwCAS operations attempted.",
		}),
		succeeded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmwcas_succeeded_total",
			Help: "Total number of PMwCAS operations that committed.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmwcas_failed_total",
			Help: "Total number of PMwCAS operations that lost an install race.",
		}),
		installRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmwcas_install_retries_total",
			Help: "Total number of target install attempts that helped an intermediate word before retrying.",
		}),
		resolverWait: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pmwcas_resolver_backoff_total",
			Help: "Total number of times the intermediate-state resolver slept after exhausting its spin budget.",
		}),
		liveDesc: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pmwcas_live_descriptors",
			Help: "Number of descriptors handed out by Pool.Get; incremented on every call and never decremented.",
		}),
	}
	reg.MustRegister(m.attempts, m.succeeded, m.failed, m.installRetry, m.resolverWait, m.liveDesc)
	return m
}

func (m *Metrics) recordAttempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

func (m *Metrics) recordResult(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.succeeded.Inc()
	} else {
		m.failed.Inc()
	}
}

func (m *Metrics) recordInstallRetry() {
	if m == nil {
		return
	}
	m.installRetry.Inc()
}

func (m *Metrics) recordResolverWait() {
	if m == nil {
		return
	}
	m.resolverWait.Inc()
}

func (m *Metrics) descriptorCheckedOut() {
	if m == nil {
		return
	}
	m.liveDesc.Inc()
}
