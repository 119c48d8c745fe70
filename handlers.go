package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/kwv/covimesh/slam"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// graphStatus is the body of GET /graph
type graphStatus struct {
	Stats       slam.MapStats `json:"stats"`
	Components  int           `json:"components"`
	TreeValid   bool          `json:"treeValid"`
	TreeProblem string        `json:"treeProblem,omitempty"`
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(m *slam.Map, publisher *slam.LoopPublisher) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] /health request from %s", r.RemoteAddr)
		writeJSON(w, http.StatusOK, struct {
			Status    string    `json:"status"`
			Timestamp time.Time `json:"timestamp"`
			Keyframes int       `json:"keyframes"`
		}{
			Status:    "ok",
			Timestamp: time.Now(),
			Keyframes: m.NumKeyframes(),
		})
	})

	mux.HandleFunc("GET /graph", func(w http.ResponseWriter, r *http.Request) {
		status := graphStatus{
			Stats:      m.Stats(),
			Components: len(m.ConnectedComponents()),
			TreeValid:  true,
		}
		if err := m.ValidateSpanningTree(); err != nil {
			status.TreeValid = false
			status.TreeProblem = err.Error()
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /keyframes/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid keyframe id", http.StatusBadRequest)
			return
		}
		snap, err := m.Snapshot(slam.KeyframeID(id))
		if errors.Is(err, slam.ErrKeyframeNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	mux.HandleFunc("GET /loops", func(w http.ResponseWriter, r *http.Request) {
		events := []slam.LoopEvent{}
		if publisher != nil {
			events = append(events, publisher.RecentEvents()...)
		}
		writeJSON(w, http.StatusOK, events)
	})

	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Error encoding response: %v", err)
	}
}
