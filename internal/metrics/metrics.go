package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DocumentWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatgram_docstore_writes_total",
			Help: "Total document store writes",
		},
		[]string{"op"},
	)

	SnapshotsDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgram_docstore_snapshots_total",
			Help: "Total live query snapshots delivered",
		},
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgram_docstore_subscriptions",
			Help: "Currently registered live query subscriptions",
		},
	)

	MessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgram_messages_sent_total",
			Help: "Total chat messages sent",
		},
	)

	CallsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatgram_calls_started_total",
			Help: "Total call sessions started",
		},
	)

	WSClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatgram_ws_clients",
			Help: "Currently connected websocket clients",
		},
	)
)
