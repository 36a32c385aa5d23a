// Package metrics exposes a Node's state as Prometheus gauges: a
// pull-based Collector that reads Node.Status() on every scrape instead of
// pushing updates, which keeps the raft package free of any metrics
// dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quorumkv/raftkv/pkg/raft"
)

// Collector adapts a *raft.Node to prometheus.Collector.
type Collector struct {
	node *raft.Node

	role            *prometheus.Desc
	term            *prometheus.Desc
	commitIndex     *prometheus.Desc
	lastApplied     *prometheus.Desc
	snapshotVersion *prometheus.Desc
	logLength       *prometheus.Desc
}

// NewCollector returns a Collector for node. Register it with a
// prometheus.Registry to expose /metrics.
func NewCollector(node *raft.Node) *Collector {
	constLabels := prometheus.Labels{"node": node.Name()}
	return &Collector{
		node: node,
		role: prometheus.NewDesc(
			"raftkv_role", "Current role as an enum: 0=follower 1=candidate 2=leader.", nil, constLabels),
		term: prometheus.NewDesc(
			"raftkv_current_term", "Current term.", nil, constLabels),
		commitIndex: prometheus.NewDesc(
			"raftkv_commit_index", "Highest log index known committed.", nil, constLabels),
		lastApplied: prometheus.NewDesc(
			"raftkv_last_applied", "Highest log index applied to the state machine.", nil, constLabels),
		snapshotVersion: prometheus.NewDesc(
			"raftkv_snapshot_version", "Current snapshot cursor.", nil, constLabels),
		logLength: prometheus.NewDesc(
			"raftkv_log_length", "Number of in-memory log entries, including the sentinel.", nil, constLabels),
	}
}

var _ prometheus.Collector = (*Collector)(nil)

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.role
	ch <- c.term
	ch <- c.commitIndex
	ch <- c.lastApplied
	ch <- c.snapshotVersion
	ch <- c.logLength
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.node.Status()
	ch <- prometheus.MustNewConstMetric(c.role, prometheus.GaugeValue, float64(st.Role))
	ch <- prometheus.MustNewConstMetric(c.term, prometheus.GaugeValue, float64(st.CurrentTerm))
	ch <- prometheus.MustNewConstMetric(c.commitIndex, prometheus.GaugeValue, float64(st.CommitIndex))
	ch <- prometheus.MustNewConstMetric(c.lastApplied, prometheus.GaugeValue, float64(st.LastApplied))
	ch <- prometheus.MustNewConstMetric(c.snapshotVersion, prometheus.GaugeValue, float64(st.SnapshotVersion))
	ch <- prometheus.MustNewConstMetric(c.logLength, prometheus.GaugeValue, float64(len(st.Entries)))
}
