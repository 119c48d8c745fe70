package slam

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScene(t *testing.T) *SyntheticScene {
	t.Helper()
	cfg := DefaultConfig()
	cam, err := NewCamera(cfg.Camera)
	require.NoError(t, err)
	pyramid := NewScalePyramid(cfg.Pyramid.Levels, cfg.Pyramid.ScaleFactor)
	scene, err := NewSyntheticScene(cfg.Simulation, cam, pyramid)
	require.NoError(t, err)
	return scene
}

func TestNewSyntheticSceneRejectsBadConfig(t *testing.T) {
	cam := NewPerspective(640, 480, 500, 500, 320, 240)
	pyramid := NewScalePyramid(1, 1.2)

	tests := []struct {
		name string
		cfg  SceneConfig
	}{
		{"single keyframe", SceneConfig{Keyframes: 1, Landmarks: 10}},
		{"negative revisit", SceneConfig{Keyframes: 10, Revisit: -1, Landmarks: 10}},
		{"revisit everything", SceneConfig{Keyframes: 10, Revisit: 10, Landmarks: 10}},
		{"no landmarks", SceneConfig{Keyframes: 10, Revisit: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSyntheticScene(tt.cfg, cam, pyramid)
			assert.Error(t, err)
		})
	}
}

func TestSyntheticSceneLayout(t *testing.T) {
	scene := newTestScene(t)
	cfg := DefaultConfig().Simulation
	require.Len(t, scene.Keyframes, cfg.Keyframes)

	bounds := scene.Camera.ImageBounds()
	for _, sk := range scene.Keyframes {
		require.Len(t, sk.Landmarks, len(sk.Keypoints), "keyframe %d", sk.ID)
		assert.Greater(t, len(sk.Keypoints), 20, "keyframe %d sees too little", sk.ID)
		cells := make(map[[2]int]struct{})
		for _, k := range sk.Keypoints {
			assert.True(t, bounds.Contains(k.Pt))
			cell := [2]int{int(math.Floor(k.Pt.X())), int(math.Floor(k.Pt.Y()))}
			_, taken := cells[cell]
			assert.False(t, taken, "keyframe %d: two keypoints in pixel %v", sk.ID, cell)
			cells[cell] = struct{}{}
		}
		for _, id := range sk.Landmarks {
			_, ok := scene.LandmarkPosition(id)
			assert.True(t, ok, "landmark %d has no position", id)
		}
	}

	lap := cfg.Keyframes - cfg.Revisit
	assert.Equal(t, map[KeyframeID]KeyframeID{36: 0, 37: 1, 38: 2, 39: 3}, scene.LoopCandidateIDs())
	for k := 0; k < lap; k++ {
		assert.False(t, scene.HasLoopCandidate(KeyframeID(k)))
	}

	// revisits triangulate duplicates of landmarks mapped on the first lap
	dups := 0
	for _, id := range scene.Keyframes[lap+1].Landmarks {
		if id >= LandmarkID(cfg.Landmarks) {
			dups++
		}
	}
	assert.Greater(t, dups, 0)
	for _, id := range scene.Keyframes[1].Landmarks {
		assert.Less(t, id, LandmarkID(cfg.Landmarks))
	}
}

func TestSyntheticSceneRedundantKeyframes(t *testing.T) {
	scene := newTestScene(t)
	var redundant []KeyframeID
	for _, sk := range scene.Keyframes {
		if scene.IsRedundant(sk.ID) {
			redundant = append(redundant, sk.ID)
		}
	}
	assert.Equal(t, []KeyframeID{7, 12, 17, 22, 27, 32}, redundant)
	for _, cand := range scene.LoopCandidateIDs() {
		assert.False(t, scene.IsRedundant(cand), "loop candidates are never culled")
	}
}

func TestSyntheticSceneDeterministic(t *testing.T) {
	a := newTestScene(t)
	b := newTestScene(t)
	for i := range a.Keyframes {
		assert.Equal(t, a.Keyframes[i].Landmarks, b.Keyframes[i].Landmarks)
	}
}

func TestSyntheticScenePopulate(t *testing.T) {
	scene := newTestScene(t)
	m := NewMap(DefaultConfig().Graph)
	require.NoError(t, scene.Populate(m))

	assert.Equal(t, len(scene.Keyframes), m.NumKeyframes())
	require.NoError(t, m.ValidateSpanningTree())
	assert.Len(t, m.ConnectedComponents(), 1)

	for _, kf := range m.Keyframes() {
		if kf.ID == RootKeyframeID {
			continue
		}
		p, ok := kf.Graph.SpanningParent()
		require.True(t, ok, "keyframe %d has no parent", kf.ID)
		assert.Less(t, p, kf.ID)
	}

	// neighbours along the trajectory are strongly covisible
	for k := 1; k < 36; k++ {
		kf, _ := m.Keyframe(KeyframeID(k))
		assert.Greater(t, kf.Graph.Weight(KeyframeID(k-1)), uint32(15), "keyframes %d-%d", k, k-1)
	}

	// every edge is mirrored
	for _, kf := range m.Keyframes() {
		for id := range kf.Graph.ConnectedKeyframes() {
			other, ok := m.Keyframe(id)
			require.True(t, ok)
			assert.Equal(t, kf.Graph.Weight(id), other.Graph.Weight(kf.ID))
		}
	}
}

func TestSyntheticSceneLoopCandidate(t *testing.T) {
	scene := newTestScene(t)
	m := NewMap(DefaultConfig().Graph)
	require.NoError(t, scene.Populate(m))

	cand, ok := scene.LoopCandidate(m, 37)
	require.True(t, ok)
	assert.Equal(t, KeyframeID(37), cand.Current)
	assert.Equal(t, KeyframeID(1), cand.Candidate)

	kf, _ := m.Keyframe(37)
	require.Len(t, cand.Matches, kf.NumFeatures())
	matched := 0
	for _, lm := range cand.Matches {
		if lm != nil {
			matched++
			assert.True(t, lm.IsObservedIn(1), "match %d is not a candidate landmark", lm.ID)
		}
	}
	assert.Greater(t, matched, 10)

	_, ok = scene.LoopCandidate(m, 5)
	assert.False(t, ok)
}

func TestSpreadKeypoints(t *testing.T) {
	sk := SceneKeyframe{
		Keypoints: []Keypoint{kp(10.2, 10.2, 0.3), kp(100, 50, 0.1), kp(10.7, 10.4, 0.9), kp(300, 200, 0.5)},
		Landmarks: []LandmarkID{40, 41, 42, 43},
	}
	origins := []LandmarkID{0, 1, 2, 3}
	used := map[LandmarkID]LandmarkID{0: 40, 1: 41, 2: 42, 3: 43}

	spreadKeypoints(&sk, origins, used, imageBound(640, 480))

	assert.Equal(t, []Keypoint{kp(100, 50, 0.1), kp(10.7, 10.4, 0.9), kp(300, 200, 0.5)}, sk.Keypoints,
		"the weaker keypoint of a shared pixel is dropped, order is kept")
	assert.Equal(t, []LandmarkID{41, 42, 43}, sk.Landmarks)
	assert.NotContains(t, used, LandmarkID(0))
	assert.Len(t, used, 3)
}
