package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Gauges is a point-in-time view of gateway state.
type Gauges struct {
	QueueDepth        map[string]int
	Leased            int
	OldestPendingSecs float64
	Backends          []BackendGauge
	ResourceUsed      int64
	ResourceBudget    int64
	AccountingTripped bool
}

type BackendGauge struct {
	Name     string
	Circuit  string
	InFlight int
	Capacity int
}

// circuitStates fixes the label set of the breaker state gauge.
var circuitStates = []string{"closed", "open", "half_open"}

type gaugeCollector struct {
	source func() Gauges

	queueDepth     *prometheus.Desc
	leased         *prometheus.Desc
	oldestPending  *prometheus.Desc
	breakerState   *prometheus.Desc
	backendLoad    *prometheus.Desc
	backendCap     *prometheus.Desc
	resourceUsed   *prometheus.Desc
	resourceBudget *prometheus.Desc
	tripped        *prometheus.Desc
}

func newGaugeCollector(source func() Gauges) *gaugeCollector {
	name := func(suffix string) string {
		return prometheus.BuildFQName(namespace, "", suffix)
	}
	return &gaugeCollector{
		source:         source,
		queueDepth:     prometheus.NewDesc(name("queue_depth"), "Queued requests by priority.", []string{"priority"}, nil),
		leased:         prometheus.NewDesc(name("queue_leased"), "Queued requests currently leased to the drain loop.", nil, nil),
		oldestPending:  prometheus.NewDesc(name("queue_oldest_pending_seconds"), "Age of the oldest queued request.", nil, nil),
		breakerState:   prometheus.NewDesc(name("breaker_state"), "1 for the current circuit state of each backend.", []string{"backend", "state"}, nil),
		backendLoad:    prometheus.NewDesc(name("backend_in_flight"), "Dispatches in flight per backend.", []string{"backend"}, nil),
		backendCap:     prometheus.NewDesc(name("backend_capacity"), "Concurrent dispatch capacity per backend.", []string{"backend"}, nil),
		resourceUsed:   prometheus.NewDesc(name("resource_used_bytes"), "Bytes reserved against the memory budget.", nil, nil),
		resourceBudget: prometheus.NewDesc(name("resource_budget_bytes"), "Configured memory budget.", nil, nil),
		tripped:        prometheus.NewDesc(name("accounting_tripped"), "1 once a memory accounting defect was detected.", nil, nil),
	}
}

func (c *gaugeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.leased
	ch <- c.oldestPending
	ch <- c.breakerState
	ch <- c.backendLoad
	ch <- c.backendCap
	ch <- c.resourceUsed
	ch <- c.resourceBudget
	ch <- c.tripped
}

func (c *gaugeCollector) Collect(ch chan<- prometheus.Metric) {
	g := c.source()
	for priority, depth := range g.QueueDepth {
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(depth), priority)
	}
	ch <- prometheus.MustNewConstMetric(c.leased, prometheus.GaugeValue, float64(g.Leased))
	ch <- prometheus.MustNewConstMetric(c.oldestPending, prometheus.GaugeValue, g.OldestPendingSecs)
	for _, backend := range g.Backends {
		for _, state := range circuitStates {
			value := 0.0
			if backend.Circuit == state {
				value = 1
			}
			ch <- prometheus.MustNewConstMetric(c.breakerState, prometheus.GaugeValue, value, backend.Name, state)
		}
		ch <- prometheus.MustNewConstMetric(c.backendLoad, prometheus.GaugeValue, float64(backend.InFlight), backend.Name)
		ch <- prometheus.MustNewConstMetric(c.backendCap, prometheus.GaugeValue, float64(backend.Capacity), backend.Name)
	}
	ch <- prometheus.MustNewConstMetric(c.resourceUsed, prometheus.GaugeValue, float64(g.ResourceUsed))
	ch <- prometheus.MustNewConstMetric(c.resourceBudget, prometheus.GaugeValue, float64(g.ResourceBudget))
	tripped := 0.0
	if g.AccountingTripped {
		tripped = 1
	}
	ch <- prometheus.MustNewConstMetric(c.tripped, prometheus.GaugeValue, tripped)
}
