package socket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slidetile_socket_connections_active",
			Help: "Current open viewer connections",
		},
	)

	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slidetile_socket_connections_total",
			Help: "Total viewer connections accepted",
		},
	)

	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slidetile_socket_connection_duration_seconds",
			Help:    "Viewer connection lifetime",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidetile_socket_frames_total",
			Help: "Frames handled by direction and result",
		},
		[]string{"direction", "result"},
	)

	BytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidetile_socket_bytes_total",
			Help: "Total bytes transferred",
		},
		[]string{"direction"},
	)

	TileRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidetile_tile_requests_total",
			Help: "Tile requests dispatched from sockets by result",
		},
		[]string{"result"},
	)

	TileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "slidetile_tile_duration_seconds",
			Help:    "Time to retrieve and encode one tile",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slidetile_socket_broadcasts_total",
			Help: "Broadcast deliveries by result",
		},
		[]string{"result"},
	)
)
