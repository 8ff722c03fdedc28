package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mir00r/openflow-lb/internal/domain"
)

const metricsNamespace = "openflow_lb"

// Metrics collects controller counters on a private Prometheus registry
type Metrics struct {
	registry *prometheus.Registry

	packetIns      *prometheus.CounterVec
	packetDrops    *prometheus.CounterVec
	arpReplies     prometheus.Counter
	flowSetups     *prometheus.CounterVec
	rulesInstalled *prometheus.CounterVec
	pathRequests   *prometheus.CounterVec
	statsReplies   *prometheus.CounterVec
	pollCycles     prometheus.Counter
	backendLoad    *prometheus.GaugeVec
}

// NewMetrics creates and registers the controller metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		packetIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packet_in_total",
			Help:      "Packets punted to the controller, by classification.",
		}, []string{"class"}),
		packetDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "packet_in_dropped_total",
			Help:      "Packets dropped before flow setup, by reason.",
		}, []string{"reason"}),
		arpReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "arp_replies_total",
			Help:      "ARP replies sent by the proxy.",
		}),
		flowSetups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flow_setups_total",
			Help:      "Flow setups by direction and result code.",
		}, []string{"direction", "result"}),
		rulesInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flow_rules_installed_total",
			Help:      "Flow rules handed to switches, by path position.",
		}, []string{"position"}),
		pathRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "path_requests_total",
			Help:      "Path resolutions by result.",
		}, []string{"result"}),
		statsReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flow_stats_replies_total",
			Help:      "Flow statistics replies, by whether they were counted.",
		}, []string{"result"}),
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stats_poll_cycles_total",
			Help:      "Statistics poll cycles started.",
		}),
		backendLoad: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "backend_load",
			Help:      "Rules aimed at each backend in the last completed poll cycle.",
		}, []string{"backend"}),
	}

	m.registry.MustRegister(
		m.packetIns,
		m.packetDrops,
		m.arpReplies,
		m.flowSetups,
		m.rulesInstalled,
		m.pathRequests,
		m.statsReplies,
		m.pollCycles,
		m.backendLoad,
	)
	return m
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterSwitchGauge exposes the number of connected switches through fn
func (m *Metrics) RegisterSwitchGauge(fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "connected_switches",
		Help:      "Switches with a live control channel.",
	}, fn))
}

func (m *Metrics) ObservePacketIn(class Classification) {
	m.packetIns.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) ObserveDrop(reason string) {
	m.packetDrops.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveARPReply() {
	m.arpReplies.Inc()
}

func (m *Metrics) ObserveFlowSetup(direction Direction, result string) {
	m.flowSetups.WithLabelValues(direction.String(), result).Inc()
}

func (m *Metrics) ObserveRuleInstalled(position Position) {
	m.rulesInstalled.WithLabelValues(position.String()).Inc()
}

func (m *Metrics) ObservePathRequest(result string) {
	m.pathRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveStatsReply(accepted bool) {
	result := "ignored"
	if accepted {
		result = "counted"
	}
	m.statsReplies.WithLabelValues(result).Inc()
}

func (m *Metrics) ObservePollCycle() {
	m.pollCycles.Inc()
}

// SetBackendLoads publishes a load snapshot
func (m *Metrics) SetBackendLoads(loads domain.LoadSnapshot) {
	for id, load := range loads {
		m.backendLoad.WithLabelValues(id).Set(float64(load))
	}
}
