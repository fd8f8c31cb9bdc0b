package fib

import (
	"github.com/prometheus/client_golang/prometheus"
)

// newMetricsRegistry exposes engine occupancy and update statistics for
// scraping. Values are read on collect, so the registry stays valid across
// flushes and engine rebuilds.
func newMetricsRegistry(engine Engine) *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fibd",
			Name:      "route_prefixes",
			Help:      "Number of prefixes in the route table.",
		},
		func() float64 { return float64(engine.PrefixCount()) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fibd",
			Name:      "route_nexthops",
			Help:      "Number of live interned next-hops.",
		},
		func() float64 { return float64(engine.NexthopCount()) },
	))
	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "fibd",
			Name:      "last_update_seconds",
			Help:      "Duration of the most recent batched chunk expansion.",
		},
		func() float64 { return engine.LastUpdate().Seconds() },
	))

	return reg
}
