// Package metrics exposes the control plane's operational state as
// Prometheus collectors. The Collector holds live component references
// and reads their stats snapshots at scrape time, so no counter has to
// be threaded through the hot paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
	"github.com/YigremTamiru/cell0-os-sub002/internal/gateway"
	"github.com/YigremTamiru/cell0-os-sub002/internal/raft"
)

const namespace = "cell0"

var (
	descConnsActive = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "gateway", "connections_active"),
		"Number of currently open WebSocket connections.",
		nil, nil,
	)
	descConnsTotal = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "gateway", "connections_total"),
		"Total WebSocket connections accepted since start.",
		nil, nil,
	)
	descMessages = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "gateway", "messages_total"),
		"Messages handled by the gateway, partitioned by direction.",
		[]string{"direction"}, nil,
	)
	descGatewayErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "gateway", "errors_total"),
		"Gateway transport errors since start.",
		nil, nil,
	)
	descUptime = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "gateway", "uptime_seconds"),
		"Seconds since the gateway started.",
		nil, nil,
	)

	descRPCRequests = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rpc", "requests_total"),
		"JSON-RPC requests processed.",
		nil, nil,
	)
	descRPCNotifications = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rpc", "notifications_total"),
		"JSON-RPC notifications received.",
		nil, nil,
	)
	descRPCBatches = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rpc", "batches_total"),
		"JSON-RPC batches processed.",
		nil, nil,
	)
	descRPCErrors = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "rpc", "errors_total"),
		"JSON-RPC errors returned, partitioned by error code.",
		[]string{"code"}, nil,
	)

	descEntities = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "presence", "entities"),
		"Registered entities, partitioned by entity type.",
		[]string{"type"}, nil,
	)
	descEntitiesOnline = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "presence", "entities_online"),
		"Entities currently online.",
		nil, nil,
	)
	descSessions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "presence", "sessions_active"),
		"Active sessions across all entities.",
		nil, nil,
	)

	descChannels = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "router", "channels"),
		"Channels with at least one subscriber.",
		nil, nil,
	)
	descSubscriptions = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "router", "subscriptions"),
		"Channel subscriptions across all connections.",
		nil, nil,
	)
	descEventsRecorded = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "router", "events_recorded_total"),
		"Events recorded to the history ring since start.",
		nil, nil,
	)

	descTasks = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tasks", "by_state"),
		"Tasks known to the distributor, partitioned by state.",
		[]string{"state"}, nil,
	)
	descTaskAgents = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "tasks", "agents_registered"),
		"Agents registered with the distributor.",
		nil, nil,
	)

	descTokensActive = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "auth", "tokens_active"),
		"Unexpired, unrevoked gateway tokens.",
		nil, nil,
	)
	descTokensRevoked = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "auth", "tokens_revoked"),
		"Tokens in the revocation set awaiting natural expiry.",
		nil, nil,
	)

	descRaftTerm = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "raft", "term"),
		"Current Raft term.",
		nil, nil,
	)
	descRaftRole = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "raft", "role"),
		"1 for the node's current role, 0 for the others.",
		[]string{"role"}, nil,
	)
	descRaftCommit = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "raft", "commit_index"),
		"Highest log index known committed.",
		nil, nil,
	)
	descRaftApplied = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "raft", "last_applied"),
		"Highest log index applied to the state machine.",
		nil, nil,
	)
	descRaftLastLog = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "raft", "last_log_index"),
		"Index of the last entry in the local log.",
		nil, nil,
	)
)

// raftRoles is the full label set for the one-hot role gauge.
var raftRoles = []string{"follower", "candidate", "leader"}

// Collector implements prometheus.Collector over the live components.
// node may be nil when the daemon runs without consensus.
type Collector struct {
	gateway *gateway.Gateway
	tokens  *auth.Manager
	node    *raft.Node
}

// NewCollector builds a collector over the given components.
func NewCollector(gw *gateway.Gateway, tokens *auth.Manager, node *raft.Node) *Collector {
	return &Collector{gateway: gw, tokens: tokens, node: node}
}

// NewRegistry returns a registry holding c plus the standard Go runtime
// and process collectors. The monitor serves it on /metrics.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descConnsActive
	ch <- descConnsTotal
	ch <- descMessages
	ch <- descGatewayErrors
	ch <- descUptime
	ch <- descRPCRequests
	ch <- descRPCNotifications
	ch <- descRPCBatches
	ch <- descRPCErrors
	ch <- descEntities
	ch <- descEntitiesOnline
	ch <- descSessions
	ch <- descChannels
	ch <- descSubscriptions
	ch <- descEventsRecorded
	ch <- descTasks
	ch <- descTaskAgents
	ch <- descTokensActive
	ch <- descTokensRevoked
	ch <- descRaftTerm
	ch <- descRaftRole
	ch <- descRaftCommit
	ch <- descRaftApplied
	ch <- descRaftLastLog
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.gateway.Stats()

	ch <- prometheus.MustNewConstMetric(descConnsActive, prometheus.GaugeValue, float64(s.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(descConnsTotal, prometheus.CounterValue, float64(s.TotalConnections))
	ch <- prometheus.MustNewConstMetric(descMessages, prometheus.CounterValue, float64(s.MessagesSent), "sent")
	ch <- prometheus.MustNewConstMetric(descMessages, prometheus.CounterValue, float64(s.MessagesReceived), "received")
	ch <- prometheus.MustNewConstMetric(descGatewayErrors, prometheus.CounterValue, float64(s.Errors))
	ch <- prometheus.MustNewConstMetric(descUptime, prometheus.GaugeValue, s.UptimeSeconds)

	ch <- prometheus.MustNewConstMetric(descRPCRequests, prometheus.CounterValue, float64(s.Dispatcher.RequestsProcessed))
	ch <- prometheus.MustNewConstMetric(descRPCNotifications, prometheus.CounterValue, float64(s.Dispatcher.NotificationsReceived))
	ch <- prometheus.MustNewConstMetric(descRPCBatches, prometheus.CounterValue, float64(s.Dispatcher.BatchesProcessed))
	for code, n := range s.Dispatcher.ErrorsByCode {
		ch <- prometheus.MustNewConstMetric(descRPCErrors, prometheus.CounterValue, float64(n), code)
	}

	for typ, n := range s.Presence.ByType {
		ch <- prometheus.MustNewConstMetric(descEntities, prometheus.GaugeValue, float64(n), typ)
	}
	ch <- prometheus.MustNewConstMetric(descEntitiesOnline, prometheus.GaugeValue, float64(s.Presence.Online))
	ch <- prometheus.MustNewConstMetric(descSessions, prometheus.GaugeValue, float64(s.Presence.ActiveSessions))

	ch <- prometheus.MustNewConstMetric(descChannels, prometheus.GaugeValue, float64(s.Router.Channels))
	ch <- prometheus.MustNewConstMetric(descSubscriptions, prometheus.GaugeValue, float64(s.Router.Subscriptions))
	ch <- prometheus.MustNewConstMetric(descEventsRecorded, prometheus.CounterValue, float64(s.Router.EventsRecorded))

	if d := s.Distributor; d != nil {
		q := d.Queue
		ch <- prometheus.MustNewConstMetric(descTasks, prometheus.GaugeValue, float64(q.Pending), "pending")
		ch <- prometheus.MustNewConstMetric(descTasks, prometheus.GaugeValue, float64(q.Assigned), "assigned")
		ch <- prometheus.MustNewConstMetric(descTasks, prometheus.GaugeValue, float64(q.Running), "running")
		ch <- prometheus.MustNewConstMetric(descTasks, prometheus.GaugeValue, float64(q.Completed), "completed")
		ch <- prometheus.MustNewConstMetric(descTasks, prometheus.GaugeValue, float64(q.Failed), "failed")
		ch <- prometheus.MustNewConstMetric(descTasks, prometheus.GaugeValue, float64(q.Cancelled), "cancelled")
		ch <- prometheus.MustNewConstMetric(descTaskAgents, prometheus.GaugeValue, float64(d.RegisteredAgents))
	}

	ts := c.tokens.Stats()
	ch <- prometheus.MustNewConstMetric(descTokensActive, prometheus.GaugeValue, float64(ts.ActiveTokens))
	ch <- prometheus.MustNewConstMetric(descTokensRevoked, prometheus.GaugeValue, float64(ts.RevokedTokens))

	if c.node != nil {
		st := c.node.Status()
		ch <- prometheus.MustNewConstMetric(descRaftTerm, prometheus.GaugeValue, float64(st.Term))
		for _, role := range raftRoles {
			v := 0.0
			if st.Role == role {
				v = 1.0
			}
			ch <- prometheus.MustNewConstMetric(descRaftRole, prometheus.GaugeValue, v, role)
		}
		ch <- prometheus.MustNewConstMetric(descRaftCommit, prometheus.GaugeValue, float64(st.CommitIndex))
		ch <- prometheus.MustNewConstMetric(descRaftApplied, prometheus.GaugeValue, float64(st.LastApplied))
		ch <- prometheus.MustNewConstMetric(descRaftLastLog, prometheus.GaugeValue, float64(st.LastLogIndex))
	}
}
