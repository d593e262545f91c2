// Package metrics exposes the sync core's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OutboxPublished counts rows appended to the outbox, by topic.
	OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "outbox_published_total",
		Help:      "Outbox rows published, by topic.",
	}, []string{"topic"})

	// PeerFramesSent counts envelopes transmitted to peers.
	PeerFramesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "peer_frames_sent_total",
		Help:      "Envelopes sent to peers, including retransmissions.",
	})

	// PeerAcksReceived counts acks received from peers.
	PeerAcksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "peer_acks_received_total",
		Help:      "Acks received from peers.",
	})

	// PeerRetries counts ack timeouts and send failures.
	PeerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "peer_retries_total",
		Help:      "Peer delivery retries (ack timeout or send failure).",
	})

	// PeersConnected tracks currently connected outbound peers.
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lanesync",
		Name:      "peers_connected",
		Help:      "Outbound peer connections currently open.",
	})

	// InboxApplied counts inbound messages applied, by topic.
	InboxApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "inbox_applied_total",
		Help:      "Inbound messages applied, by topic.",
	}, []string{"topic"})

	// InboxDuplicates counts inbound messages already processed.
	InboxDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "inbox_duplicates_total",
		Help:      "Inbound messages acked without re-application.",
	})

	// CloudPosts counts uplink POSTs by outcome (ok, retry, dead_letter).
	CloudPosts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "cloud_posts_total",
		Help:      "Cloud ingest POST attempts, by outcome.",
	}, []string{"outcome"})

	// DeadLettered counts rows that reached the error status.
	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "outbox_dead_lettered_total",
		Help:      "Outbox rows transitioned to error.",
	})

	// ReconcileRuns counts reconciler passes.
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "reconcile_runs_total",
		Help:      "Reconciler checksum publications.",
	})

	// ReconcileRepairs counts rows repaired by the reconciler.
	ReconcileRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "reconcile_repairs_total",
		Help:      "Inventory rows repaired by reconciliation.",
	})

	// ReconcileAlerts counts divergences left for the operator.
	ReconcileAlerts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lanesync",
		Name:      "reconcile_alerts_total",
		Help:      "Divergences above threshold raised as alerts.",
	})
)
