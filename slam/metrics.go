package slam

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package level metrics, registered on the default registry by promauto.
var (
	// ConnectionUpdatesTotal counts UpdateConnections calls that changed a node
	ConnectionUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "covimesh_graph_connection_updates_total",
			Help: "Total number of covisibility recomputations",
		},
	)

	// SpanningRepairsTotal counts re-parented children, labeled by how they were attached
	SpanningRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covimesh_graph_spanning_repairs_total",
			Help: "Children re-parented after a keyframe erasure",
		},
		[]string{"result"}, // reassigned, forced, detached
	)

	// KeyframeErasuresTotal counts erasure requests by outcome
	KeyframeErasuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covimesh_map_keyframe_erasures_total",
			Help: "Keyframe erasure requests by outcome",
		},
		[]string{"result"}, // erased, deferred, refused
	)

	// MapKeyframes tracks the number of live keyframes
	MapKeyframes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "covimesh_map_keyframes",
			Help: "Number of live keyframes in the map",
		},
	)

	// MapLandmarks tracks the number of live landmarks
	MapLandmarks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "covimesh_map_landmarks",
			Help: "Number of live landmarks in the map",
		},
	)

	// LoopEdgesTotal counts loop edges recorded in the graph
	LoopEdgesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "covimesh_graph_loop_edges_total",
			Help: "Total number of loop edges added",
		},
	)

	// LoopVerificationsTotal counts loop candidate verifications by outcome
	LoopVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "covimesh_loop_verifications_total",
			Help: "Loop candidate verifications by outcome",
		},
		[]string{"result"}, // accepted, rejected, skipped
	)

	// Sim3Inliers observes the best inlier count of each RANSAC run
	Sim3Inliers = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "covimesh_sim3_inliers",
			Help:    "Inlier count of the best Sim3 hypothesis",
			Buckets: []float64{0, 5, 10, 20, 40, 80, 160, 320},
		},
	)

	// Sim3Duration measures RANSAC wall time
	Sim3Duration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "covimesh_sim3_duration_seconds",
			Help:    "Duration of Sim3 RANSAC in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)
)
