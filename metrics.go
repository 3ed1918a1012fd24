package pemi

//
// Metrics (spec §4.6, §4.7, §7: "counter incremented" on every resource-
// pressure and injection-budget path).
//
// Grounded on runZeroInc-sockstats/pkg/exporter/exporter.go and
// runZeroInc-conniver/pkg/exporter/exporter.go, the pack's two users of
// github.com/prometheus/client_golang. Those collectors are dynamic
// (one time series per live socket), which PEMI's fixed set of
// process-wide counters doesn't need; here the simpler
// prometheus.NewCounter/CounterVec registration idiom suffices, still
// against the same library.
//

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds every counter and gauge the engine exposes. All fields are
// safe for concurrent use; callers obtain Metrics from [NewMetrics] and
// register it with a prometheus.Registerer.
type Metrics struct {
	flowsCreated  prometheus.Counter
	flowEvictions prometheus.Counter

	sentBufferEvictions prometheus.Counter

	uninformativeReverse prometheus.Counter
	injectionsTotal      prometheus.Counter
	injectCapDrops       prometheus.Counter
	rateLimitDrops       prometheus.Counter
	dupSuppressedDrops   prometheus.Counter

	packetsForwarded prometheus.Counter
	packetsSkipped   prometheus.Counter
}

// NewMetrics constructs a fresh set of metrics, ready to be registered.
func NewMetrics() *Metrics {
	return &Metrics{
		flowsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "flows_created_total",
			Help:      "Number of flows created.",
		}),
		flowEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "flow_evictions_total",
			Help:      "Number of flows removed by idle expiry or table overflow.",
		}),
		sentBufferEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "sent_buffer_evictions_total",
			Help:      "Number of sent-buffer entries evicted by count or age bound.",
		}),
		uninformativeReverse: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "uninformative_reverse_total",
			Help:      "Number of reverse packets whose candidate window was empty.",
		}),
		injectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "injections_total",
			Help:      "Number of retransmissions injected onto the forward path.",
		}),
		injectCapDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "inject_cap_drops_total",
			Help:      "Number of injections withheld by the amplification cap.",
		}),
		rateLimitDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "inject_rate_limit_drops_total",
			Help:      "Number of injections withheld by the per-flow token bucket.",
		}),
		dupSuppressedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "inject_dup_suppressed_total",
			Help:      "Number of injections withheld by duplicate suppression.",
		}),
		packetsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "packets_forwarded_total",
			Help:      "Number of packets forwarded to the opposite interface.",
		}),
		packetsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pemi",
			Name:      "packets_skipped_total",
			Help:      "Number of packets that failed parsing and were forwarded unexamined.",
		}),
	}
}

// Collectors returns every metric as a prometheus.Collector, for bulk
// registration with a Registerer.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.flowsCreated,
		m.flowEvictions,
		m.sentBufferEvictions,
		m.uninformativeReverse,
		m.injectionsTotal,
		m.injectCapDrops,
		m.rateLimitDrops,
		m.dupSuppressedDrops,
		m.packetsForwarded,
		m.packetsSkipped,
	}
}

// recordInjectionVerdict increments the counter matching v.
func (m *Metrics) recordInjectionVerdict(v injectionVerdict) {
	if m == nil {
		return
	}
	switch v {
	case verdictInject:
		m.injectionsTotal.Inc()
	case verdictSuppressedDuplicate:
		m.dupSuppressedDrops.Inc()
	case verdictRateLimited:
		m.rateLimitDrops.Inc()
	case verdictAmplificationCapped:
		m.injectCapDrops.Inc()
	}
}
