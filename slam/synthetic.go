package slam

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	sceneWallRadius       = 10.0
	sceneWallThickness    = 1.0
	sceneWallHeight       = 3.0
	sceneTrajectoryRadius = 5.0
	sceneRevisitYaw       = 0.05 // radians
	sceneLandmarkNoise    = 0.005
	sceneOutlierRatio     = 0.1
)

// SceneKeyframe is one keyframe of a synthetic scene
type SceneKeyframe struct {
	ID        KeyframeID
	RotCW     *mat.Dense
	TransCW   r3.Vec
	Keypoints []Keypoint
	Landmarks []LandmarkID // parallel to Keypoints
}

// sceneLoop is a ground-truth loop: matches maps current feature index to the
// candidate's landmark
type sceneLoop struct {
	candidate KeyframeID
	matches   map[int]LandmarkID
}

// SyntheticScene is a deterministic camera trajectory around a ring of
// landmarks. The trajectory completes a lap and then revisits its start; new
// landmarks triangulated during the revisit duplicate earlier ones, which
// yields loop candidates with a known answer.
type SyntheticScene struct {
	Camera    Camera
	Pyramid   ScalePyramid
	Keyframes []SceneKeyframe

	positions map[LandmarkID]r3.Vec
	redundant map[KeyframeID]struct{}
	loops     map[KeyframeID]sceneLoop
}

// NewSyntheticScene generates a scene from cfg
func NewSyntheticScene(cfg SceneConfig, cam Camera, pyramid ScalePyramid) (*SyntheticScene, error) {
	if cfg.Keyframes < 2 || cfg.Revisit < 0 || cfg.Revisit >= cfg.Keyframes {
		return nil, fmt.Errorf("invalid scene: %d keyframes with %d revisits", cfg.Keyframes, cfg.Revisit)
	}
	if cfg.Landmarks <= 0 {
		return nil, fmt.Errorf("invalid scene: %d landmarks", cfg.Landmarks)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	s := &SyntheticScene{
		Camera:    cam,
		Pyramid:   pyramid,
		positions: make(map[LandmarkID]r3.Vec),
		redundant: make(map[KeyframeID]struct{}),
		loops:     make(map[KeyframeID]sceneLoop),
	}

	originals := make([]LandmarkID, cfg.Landmarks)
	for i := range originals {
		phi := rng.Float64() * 2 * math.Pi
		r := sceneWallRadius + (rng.Float64()-0.5)*sceneWallThickness
		h := (rng.Float64() - 0.5) * sceneWallHeight
		id := LandmarkID(i)
		s.positions[id] = r3.Vec{X: r * math.Cos(phi), Y: h, Z: r * math.Sin(phi)}
		originals[i] = id
	}
	nextID := LandmarkID(cfg.Landmarks)

	lap := cfg.Keyframes - cfg.Revisit
	duplicates := make(map[LandmarkID]LandmarkID)
	var prevUsed map[LandmarkID]LandmarkID // original -> landmark used by previous keyframe

	levels := pyramid.Levels()
	if levels > 3 {
		levels = 3
	}

	for k := 0; k < cfg.Keyframes; k++ {
		theta := 2 * math.Pi * float64(k%lap) / float64(lap)
		revisit := k >= lap
		if revisit {
			theta += sceneRevisitYaw
		}
		rot, trans := ringPose(theta)

		sk := SceneKeyframe{ID: KeyframeID(k), RotCW: rot, TransCW: trans}
		used := make(map[LandmarkID]LandmarkID)
		var origins []LandmarkID
		for _, o := range originals {
			pt, ok := cam.ReprojectToImage(rot, trans, s.positions[o])
			if !ok {
				continue
			}
			id := o
			if revisit {
				if prev, tracked := prevUsed[o]; tracked {
					id = prev
				} else {
					dup, ok := duplicates[o]
					if !ok {
						dup = nextID
						nextID++
						duplicates[o] = dup
						s.positions[dup] = r3.Add(s.positions[o], r3.Vec{
							X: rng.NormFloat64() * sceneLandmarkNoise,
							Y: rng.NormFloat64() * sceneLandmarkNoise,
							Z: rng.NormFloat64() * sceneLandmarkNoise,
						})
					}
					id = dup
				}
			}
			used[o] = id
			sk.Keypoints = append(sk.Keypoints, Keypoint{Pt: pt, Octave: rng.Intn(levels), Response: rng.Float64()})
			sk.Landmarks = append(sk.Landmarks, id)
			origins = append(origins, o)
		}
		spreadKeypoints(&sk, origins, used, cam.ImageBounds())
		prevUsed = used
		s.Keyframes = append(s.Keyframes, sk)
	}

	// cull every fifth keyframe of the lap away from the loop region
	for k := cfg.Revisit + 2; k < lap-1; k++ {
		if k%5 == 2 {
			s.redundant[KeyframeID(k)] = struct{}{}
		}
	}

	for k := lap; k < cfg.Keyframes; k++ {
		s.loops[KeyframeID(k)] = s.buildLoop(rng, k, k-lap, duplicates)
	}
	return s, nil
}

// spreadKeypoints drops keypoints that share a quadtree cell with a stronger
// one, the way a detector keeps one corner per cell. The survivors keep their
// order so feature indices stay stable; dropped observations are forgotten in
// used so the next keyframe does not track them.
func spreadKeypoints(sk *SceneKeyframe, origins []LandmarkID, used map[LandmarkID]LandmarkID, bound orb.Bound) {
	kept := make(map[Keypoint]struct{}, len(sk.Keypoints))
	for _, kp := range DistributeKeypoints(sk.Keypoints, bound, len(sk.Keypoints)) {
		kept[kp] = struct{}{}
	}
	if len(kept) == len(sk.Keypoints) {
		return
	}
	keypts := sk.Keypoints[:0]
	landmarks := sk.Landmarks[:0]
	for i, kp := range sk.Keypoints {
		if _, ok := kept[kp]; !ok {
			delete(used, origins[i])
			continue
		}
		keypts = append(keypts, kp)
		landmarks = append(landmarks, sk.Landmarks[i])
	}
	sk.Keypoints, sk.Landmarks = keypts, landmarks
}

// ringPose places the camera on the trajectory circle looking outward
func ringPose(theta float64) (*mat.Dense, r3.Vec) {
	forward := r3.Vec{X: math.Cos(theta), Z: math.Sin(theta)}
	down := r3.Vec{Y: 1}
	right := r3.Cross(down, forward)
	center := r3.Scale(sceneTrajectoryRadius, forward)

	rot := mat.NewDense(3, 3, []float64{
		right.X, right.Y, right.Z,
		down.X, down.Y, down.Z,
		forward.X, forward.Y, forward.Z,
	})
	return rot, r3.Scale(-1, Rotate(rot, center))
}

func (s *SyntheticScene) buildLoop(rng *rand.Rand, current, candidate int, duplicates map[LandmarkID]LandmarkID) sceneLoop {
	original := make(map[LandmarkID]LandmarkID, len(duplicates))
	for o, d := range duplicates {
		original[d] = o
	}

	cand := s.Keyframes[candidate]
	observed := make(map[LandmarkID]struct{}, len(cand.Landmarks))
	for _, id := range cand.Landmarks {
		observed[id] = struct{}{}
	}

	loop := sceneLoop{candidate: KeyframeID(candidate), matches: make(map[int]LandmarkID)}
	for i, id := range s.Keyframes[current].Landmarks {
		o, dup := original[id]
		if !dup {
			continue
		}
		if _, ok := observed[o]; !ok {
			continue
		}
		if rng.Float64() < sceneOutlierRatio {
			wrong := cand.Landmarks[rng.Intn(len(cand.Landmarks))]
			if wrong != o {
				o = wrong
			}
		}
		loop.matches[i] = o
	}
	return loop
}

// LandmarkPosition returns the ground-truth position of a scene landmark
func (s *SyntheticScene) LandmarkPosition(id LandmarkID) (r3.Vec, bool) {
	p, ok := s.positions[id]
	return p, ok
}

// IsRedundant reports whether local mapping should cull keyframe id
func (s *SyntheticScene) IsRedundant(id KeyframeID) bool {
	_, ok := s.redundant[id]
	return ok
}

// HasLoopCandidate reports whether keyframe id closes a loop
func (s *SyntheticScene) HasLoopCandidate(id KeyframeID) bool {
	_, ok := s.loops[id]
	return ok
}

// LoopCandidateIDs returns the (current, candidate) pairs of the scene
func (s *SyntheticScene) LoopCandidateIDs() map[KeyframeID]KeyframeID {
	out := make(map[KeyframeID]KeyframeID, len(s.loops))
	for cur, l := range s.loops {
		out[cur] = l.candidate
	}
	return out
}

// Insert adds a scene keyframe, and any landmark it first observes, to m
func (s *SyntheticScene) Insert(m *Map, sk SceneKeyframe) (*Keyframe, error) {
	kf := NewKeyframe(sk.ID, s.Camera, sk.Keypoints, s.Pyramid.LevelSigmaSq, sk.RotCW, sk.TransCW)
	if err := m.AddKeyframe(kf); err != nil {
		return nil, err
	}
	for idx, lmID := range sk.Landmarks {
		if _, ok := m.Landmark(lmID); !ok {
			if err := m.AddLandmark(NewLandmark(lmID, s.positions[lmID])); err != nil {
				return nil, err
			}
		}
		if err := m.AddObservation(sk.ID, lmID, idx); err != nil {
			return nil, fmt.Errorf("inserting keyframe %d: %w", sk.ID, err)
		}
	}
	return kf, nil
}

// LoopCandidate resolves the ground-truth loop of keyframe current against the
// landmarks currently in m.
func (s *SyntheticScene) LoopCandidate(m *Map, current KeyframeID) (LoopCandidate, bool) {
	loop, ok := s.loops[current]
	if !ok {
		return LoopCandidate{}, false
	}
	kf, ok := m.Keyframe(current)
	if !ok {
		return LoopCandidate{}, false
	}
	cand := LoopCandidate{
		Current:   current,
		Candidate: loop.candidate,
		Matches:   make([]*Landmark, kf.NumFeatures()),
	}
	for idx, lmID := range loop.matches {
		if lm, ok := m.Landmark(lmID); ok && idx < len(cand.Matches) {
			cand.Matches[idx] = lm
		}
	}
	return cand, true
}

// Populate inserts every scene keyframe into m and updates connections after
// each insertion, without culling or loop closing.
func (s *SyntheticScene) Populate(m *Map) error {
	for _, sk := range s.Keyframes {
		kf, err := s.Insert(m, sk)
		if err != nil {
			return err
		}
		kf.Graph.UpdateConnections()
	}
	return nil
}
