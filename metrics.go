// Copyright 2015 The Cockroach Authors.
//
// Use of this software is governed by the CockroachDB Software License
// included in the /LICENSE file.

package multiraft

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks the routing and lifecycle activity of a MultiRaft node.
// Routing failures are expected transients in a cluster with moving group
// membership; they are counted here rather than escalated.
type Metrics struct {
	InboundRouted    prometheus.Counter
	InboundMisdirect prometheus.Counter
	InboundUnknown   prometheus.Counter
	InboundQueueFull prometheus.Counter
	InboundRejected  prometheus.Counter

	OutboundSent       prometheus.Counter
	OutboundStaleRoute prometheus.Counter
	OutboundSendErr    prometheus.Counter

	GroupsActive prometheus.Gauge
	GroupsCreate prometheus.Counter
	GroupsRemove prometheus.Counter
}

// NewMetrics builds the metric set and registers it with the given
// registerer, which may be nil to leave the metrics unregistered (tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "multiraft",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		InboundRouted:    counter("inbound_routed_total", "Inbound raft messages enqueued to a group"),
		InboundMisdirect: counter("inbound_misdirected_total", "Inbound raft messages addressed to another node"),
		InboundUnknown:   counter("inbound_unknown_group_total", "Inbound raft messages for groups with no resident replica"),
		InboundQueueFull: counter("inbound_queue_full_total", "Inbound raft messages dropped due to a full group queue"),
		InboundRejected:  counter("inbound_rejected_total", "Inbound raft messages rejected by a tearing-down group"),

		OutboundSent:       counter("outbound_sent_total", "Outbound raft messages handed to the transport"),
		OutboundStaleRoute: counter("outbound_stale_route_total", "Outbound raft messages dropped due to unresolvable destination"),
		OutboundSendErr:    counter("outbound_send_error_total", "Outbound raft messages the transport failed to send"),

		GroupsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "multiraft",
			Name:      "groups_active",
			Help:      "Number of group runtimes resident on this node",
		}),
		GroupsCreate: counter("groups_created_total", "Group runtimes created"),
		GroupsRemove: counter("groups_removed_total", "Group runtimes removed"),
	}
	if reg != nil {
		reg.MustRegister(
			m.InboundRouted, m.InboundMisdirect, m.InboundUnknown,
			m.InboundQueueFull, m.InboundRejected,
			m.OutboundSent, m.OutboundStaleRoute, m.OutboundSendErr,
			m.GroupsActive, m.GroupsCreate, m.GroupsRemove,
		)
	}
	return m
}
