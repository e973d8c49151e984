// Package metrics exposes the replication state to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dreamware/replicad/internal/replication"
)

const namespace = "replicad"

// StatsFunc returns the current replication summary.
type StatsFunc func() replication.Stats

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Metrics holds the server's Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP request stats
	RequestsTotal   *prometheus.CounterVec   // replicad_http_requests_total{route,code}
	RequestDuration *prometheus.HistogramVec // replicad_http_request_duration_seconds{route}

	// Monitor loop stats
	HeartbeatChecks  prometheus.Counter
	ReplicationTicks prometheus.Counter
	ExcludeRefreshes *prometheus.CounterVec // replicad_exclude_refreshes_total{result}
}

// New registers every instrument on reg. Replication state is read from
// stats on each scrape.
func New(reg *prometheus.Registry, stats StatsFunc) *Metrics {
	reg.MustRegister(&statsCollector{stats: stats})
	return &Metrics{
		registry: reg,

		RequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests handled, by route and status code",
		}, []string{"route", "code"}),

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		HeartbeatChecks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_checks_total",
			Help:      "Liveness sweeps run",
		}),

		ReplicationTicks: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_ticks_total",
			Help:      "Replication scheduling rounds run",
		}),

		ExcludeRefreshes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exclude_refreshes_total",
			Help:      "Exclude list reloads, by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(route string, code int, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

var (
	nodesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "nodes"),
		"Storage nodes by state", []string{"state"}, nil)
	blocksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "blocks"),
		"Blocks known to the catalog", nil, nil)
	underReplicatedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "under_replicated_blocks"),
		"Queued under-replicated blocks by priority", []string{"priority"}, nil)
	pendingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pending_replications"),
		"Copies scheduled and not yet confirmed", nil, nil)
	excessDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "excess_replicas"),
		"Replicas chosen for deletion", nil, nil)
	invalidateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pending_deletions"),
		"Replicas waiting for a delete command", nil, nil)
	corruptDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "corrupt_replicas"),
		"Replicas flagged corrupt", nil, nil)
	capacityDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "capacity_bytes"),
		"Capacity of in-service nodes", []string{"kind"}, nil)
	deadEventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "dead_node_events_total"),
		"Nodes declared dead", nil, nil)
	scheduledDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "scheduled_replications_total"),
		"Copies scheduled", nil, nil)
	timeoutsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "pending_timeouts_total"),
		"Scheduled copies that timed out", nil, nil)
	excessChosenDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "excess_chosen_total"),
		"Replicas chosen as excess", nil, nil)
)

// statsCollector turns one Stats call into a consistent set of samples.
type statsCollector struct {
	stats StatsFunc
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		nodesDesc, blocksDesc, underReplicatedDesc, pendingDesc, excessDesc,
		invalidateDesc, corruptDesc, capacityDesc, deadEventsDesc,
		scheduledDesc, timeoutsDesc, excessChosenDesc,
	} {
		ch <- d
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(nodesDesc, s.LiveNodes, replication.NodeLive.String())
	gauge(nodesDesc, s.DeadNodes, replication.NodeDead.String())
	gauge(nodesDesc, s.DecommissioningNodes, replication.NodeDecommissioning.String())
	gauge(nodesDesc, s.DecommissionedNodes, replication.NodeDecommissioned.String())
	gauge(blocksDesc, s.Blocks)
	gauge(underReplicatedDesc, s.MissingBlocks, replication.PriorityMissing.String())
	gauge(underReplicatedDesc, s.BelowThreshold, replication.PriorityBelowThreshold.String())
	gauge(underReplicatedDesc, s.UnderReplicated-s.MissingBlocks-s.BelowThreshold, replication.PriorityUnderReplicated.String())
	gauge(pendingDesc, s.PendingReplications)
	gauge(excessDesc, s.ExcessReplicas)
	gauge(invalidateDesc, s.PendingDeletions)
	gauge(corruptDesc, s.CorruptReplicas)
	ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(s.CapacityBytes), "total")
	ch <- prometheus.MustNewConstMetric(capacityDesc, prometheus.GaugeValue, float64(s.RemainingBytes), "remaining")
	counter(deadEventsDesc, s.DeadNodeEvents)
	counter(scheduledDesc, s.ScheduledReplications)
	counter(timeoutsDesc, s.PendingTimeouts)
	counter(excessChosenDesc, s.ExcessChosen)
}
