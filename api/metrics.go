package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PeersKnown tracks the current size of the peer directory
var PeersKnown = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "modsync_peers_known",
		Help: "Current number of peers in the directory",
	},
)

// DatagramsTotal counts processed discovery datagrams by message type
var DatagramsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "modsync_datagrams_total",
		Help: "Total number of discovery datagrams processed",
	},
	[]string{"type"},
)

// DiscoveryErrorsTotal counts discovery loop errors
var DiscoveryErrorsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "modsync_discovery_errors_total",
		Help: "Total number of discovery errors",
	},
)

// TransfersTotal counts finished transfers by terminal state
var TransfersTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "modsync_transfers_total",
		Help: "Total number of finished transfers",
	},
	[]string{"state"},
)

// TransfersActive tracks the number of currently active transfers
var TransfersActive = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "modsync_transfers_active",
		Help: "Current number of active transfers",
	},
)

// WatchSyncsTotal counts sync requests flushed by the watch engine
var WatchSyncsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "modsync_watch_syncs_total",
		Help: "Total number of sync requests produced by file watching",
	},
)

// InviteJoinsTotal counts quick-join outcomes
var InviteJoinsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "modsync_invite_joins_total",
		Help: "Total number of quick-join attempts",
	},
	[]string{"result"},
)
