package slam

import (
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// LoopCandidate is a pair of keyframes proposed as the same place.
// Matches is indexed by Current's feature index and holds Candidate's landmark.
type LoopCandidate struct {
	Current   KeyframeID
	Candidate KeyframeID
	Matches   []*Landmark
}

// LoopEvent describes an accepted loop closure
type LoopEvent struct {
	ID           string     `json:"id"`
	Current      KeyframeID `json:"current"`
	Candidate    KeyframeID `json:"candidate"`
	Inliers      int        `json:"inliers"`
	CommonPoints int        `json:"commonPoints"`
	Scale        float64    `json:"scale"`
	Rotation     [9]float64 `json:"rotation"` // row-major, current camera -> candidate camera
	Translation  [3]float64 `json:"translation"`
	Timestamp    int64      `json:"timestamp"`
}

// LoopEventSink receives accepted loop closures
type LoopEventSink interface {
	PublishLoopClosure(event LoopEvent) error
}

// LoopCloser verifies loop candidates with Sim3 RANSAC and records accepted
// ones as loop edges.
type LoopCloser struct {
	m    *Map
	cfg  SolverConfig
	sink LoopEventSink

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// NewLoopCloser creates a loop closer. A zero cfg.Seed seeds from the clock.
// sink may be nil.
func NewLoopCloser(m *Map, cfg SolverConfig, sink LoopEventSink) *LoopCloser {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &LoopCloser{
		m:    m,
		cfg:  cfg,
		sink: sink,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Verify runs the solver on a candidate. Both keyframes are pinned for the
// duration; on success a loop edge is added and the sink is notified.
// A rejected candidate is not an error.
func (lc *LoopCloser) Verify(cand LoopCandidate) (Sim3Result, error) {
	cur, ok := lc.m.Keyframe(cand.Current)
	if !ok {
		LoopVerificationsTotal.WithLabelValues("skipped").Inc()
		return Sim3Result{}, fmt.Errorf("loop current %d: %w", cand.Current, ErrKeyframeNotFound)
	}
	other, ok := lc.m.Keyframe(cand.Candidate)
	if !ok {
		LoopVerificationsTotal.WithLabelValues("skipped").Inc()
		return Sim3Result{}, fmt.Errorf("loop candidate %d: %w", cand.Candidate, ErrKeyframeNotFound)
	}

	// a keyframe whose erasure has started refuses the pin
	if !cur.SetNotToBeErased() {
		LoopVerificationsTotal.WithLabelValues("skipped").Inc()
		return Sim3Result{}, fmt.Errorf("loop current %d: %w", cand.Current, ErrKeyframeNotFound)
	}
	defer lc.release(cand.Current)
	if !other.SetNotToBeErased() {
		LoopVerificationsTotal.WithLabelValues("skipped").Inc()
		return Sim3Result{}, fmt.Errorf("loop candidate %d: %w", cand.Candidate, ErrKeyframeNotFound)
	}
	defer lc.release(cand.Candidate)

	lc.mu.Lock()
	solver := NewSim3Solver(cur, other, cand.Matches, lc.cfg, lc.rng)
	start := time.Now()
	result := solver.FindViaRANSAC(lc.cfg.MaxIterations)
	Sim3Duration.Observe(time.Since(start).Seconds())
	lc.mu.Unlock()
	Sim3Inliers.Observe(float64(result.NumInliers))

	if !result.Valid {
		LoopVerificationsTotal.WithLabelValues("rejected").Inc()
		log.Printf("[LOOP] candidate %d -> %d rejected (%d common points)",
			cand.Current, cand.Candidate, solver.NumCommonPoints())
		return result, nil
	}

	if err := lc.m.AddLoopEdge(cand.Current, cand.Candidate); err != nil {
		return result, fmt.Errorf("recording loop edge: %w", err)
	}
	LoopVerificationsTotal.WithLabelValues("accepted").Inc()
	log.Printf("[LOOP] candidate %d -> %d accepted: %d/%d inliers, scale %.4f",
		cand.Current, cand.Candidate, result.NumInliers, solver.NumCommonPoints(), result.Scale21)

	if lc.sink != nil {
		event := newLoopEvent(cand, result, solver.NumCommonPoints())
		if err := lc.sink.PublishLoopClosure(event); err != nil {
			log.Printf("[LOOP] publishing loop %s: %v", event.ID, err)
		}
	}
	return result, nil
}

func (lc *LoopCloser) release(id KeyframeID) {
	if _, err := lc.m.SetToBeErased(id); err != nil {
		log.Printf("[LOOP] releasing keyframe %d: %v", id, err)
	}
}

func newLoopEvent(cand LoopCandidate, result Sim3Result, common int) LoopEvent {
	ev := LoopEvent{
		ID:           uuid.NewString(),
		Current:      cand.Current,
		Candidate:    cand.Candidate,
		Inliers:      result.NumInliers,
		CommonPoints: common,
		Scale:        result.Scale21,
		Translation:  [3]float64{result.Trans21.X, result.Trans21.Y, result.Trans21.Z},
		Timestamp:    time.Now().Unix(),
	}
	copy(ev.Rotation[:], flatten3(result.Rot21))
	return ev
}

func flatten3(m mat.Matrix) []float64 {
	out := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}
