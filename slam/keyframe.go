package slam

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Keyframe is a selected frame with a pose, keypoints and landmark slots.
// Keyframes are owned by a Map and referenced elsewhere by KeyframeID.
type Keyframe struct {
	ID           KeyframeID
	Camera       Camera
	Keypoints    []Keypoint
	LevelSigmaSq []float64

	// Graph is attached by Map.AddKeyframe
	Graph *GraphNode

	mu        sync.RWMutex
	rotCW     *mat.Dense
	transCW   r3.Vec
	landmarks []*Landmark

	// pins counts in-flight operations protecting the keyframe from erasure;
	// toBeErased records an erasure requested while pinned
	pins       int
	toBeErased bool

	willBeErased atomic.Bool
}

// NewKeyframe creates a keyframe with the given pose (world -> camera).
// A nil rotation is treated as identity.
func NewKeyframe(id KeyframeID, cam Camera, keypts []Keypoint, levelSigmaSq []float64, rotCW mat.Matrix, transCW r3.Vec) *Keyframe {
	rot := Identity3()
	if rotCW != nil {
		rot = mat.DenseCopyOf(rotCW)
	}
	return &Keyframe{
		ID:           id,
		Camera:       cam,
		Keypoints:    keypts,
		LevelSigmaSq: levelSigmaSq,
		rotCW:        rot,
		transCW:      transCW,
		landmarks:    make([]*Landmark, len(keypts)),
	}
}

// Equal compares keyframes by ID
func (kf *Keyframe) Equal(other *Keyframe) bool {
	if kf == nil || other == nil {
		return kf == other
	}
	return kf.ID == other.ID
}

// Rotation returns a copy of the world -> camera rotation
func (kf *Keyframe) Rotation() *mat.Dense {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return mat.DenseCopyOf(kf.rotCW)
}

// Translation returns the world -> camera translation
func (kf *Keyframe) Translation() r3.Vec {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.transCW
}

// SetPose replaces the world -> camera pose
func (kf *Keyframe) SetPose(rotCW mat.Matrix, transCW r3.Vec) {
	kf.mu.Lock()
	kf.rotCW = mat.DenseCopyOf(rotCW)
	kf.transCW = transCW
	kf.mu.Unlock()
}

// CameraCenter returns the camera position in world coordinates
func (kf *Keyframe) CameraCenter() r3.Vec {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return CameraCenter(kf.rotCW, kf.transCW)
}

// ToCamera transforms a world point into this keyframe's camera frame
func (kf *Keyframe) ToCamera(posW r3.Vec) r3.Vec {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return TransformPoint(kf.rotCW, kf.transCW, posW)
}

// NumFeatures returns the number of keypoints
func (kf *Keyframe) NumFeatures() int {
	return len(kf.Keypoints)
}

// LevelSigmaSqAt returns sigma^2 for an octave, 1 when the octave is unknown
func (kf *Keyframe) LevelSigmaSqAt(octave int) float64 {
	if octave < 0 || octave >= len(kf.LevelSigmaSq) {
		return 1
	}
	return kf.LevelSigmaSq[octave]
}

// setLandmark fills feature slot idx. Callers go through Map.AddObservation.
func (kf *Keyframe) setLandmark(lm *Landmark, idx int) error {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if idx < 0 || idx >= len(kf.landmarks) {
		return fmt.Errorf("keyframe %d slot %d: %w", kf.ID, idx, ErrFeatureIndex)
	}
	kf.landmarks[idx] = lm
	return nil
}

// clearLandmark empties the slot holding lm, if any
func (kf *Keyframe) clearLandmark(lm *Landmark) {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	for i, slot := range kf.landmarks {
		if slot == lm {
			kf.landmarks[i] = nil
		}
	}
}

// Landmarks returns a copy of the landmark slots, parallel to Keypoints
func (kf *Keyframe) Landmarks() []*Landmark {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*Landmark, len(kf.landmarks))
	copy(out, kf.landmarks)
	return out
}

// LandmarkAt returns the landmark in feature slot idx, or nil
func (kf *Keyframe) LandmarkAt(idx int) *Landmark {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	if idx < 0 || idx >= len(kf.landmarks) {
		return nil
	}
	return kf.landmarks[idx]
}

// NumTrackedLandmarks counts live landmarks in the slots
func (kf *Keyframe) NumTrackedLandmarks() int {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	n := 0
	for _, lm := range kf.landmarks {
		if lm != nil && !lm.WillBeErased() {
			n++
		}
	}
	return n
}

// SetNotToBeErased pins the keyframe so erasure requests are deferred.
// Pins nest; each must be released with Map.SetToBeErased. It returns false,
// taking no pin, once erasure of the keyframe has started.
func (kf *Keyframe) SetNotToBeErased() bool {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if kf.willBeErased.Load() {
		return false
	}
	kf.pins++
	return true
}

// unpin releases one pin and reports whether the last pin was released with
// an erasure deferred meanwhile.
func (kf *Keyframe) unpin() bool {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	if kf.pins > 0 {
		kf.pins--
	}
	if kf.pins > 0 {
		return false
	}
	deferred := kf.toBeErased
	kf.toBeErased = false
	return deferred
}

// IsPinned reports whether an in-flight operation protects the keyframe
func (kf *Keyframe) IsPinned() bool {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.pins > 0
}

// IsErasable reports whether the keyframe may be erased now: it is not pinned
// and has no loop edges.
func (kf *Keyframe) IsErasable() bool {
	if kf.IsPinned() {
		return false
	}
	return kf.Graph == nil || !kf.Graph.HasLoopEdge()
}

type eraseDecision int

const (
	eraseStarted eraseDecision = iota
	eraseDeferred
	eraseRefused
)

// requestErase decides an erasure request under kf.mu and sets WillBeErased
// when it returns eraseStarted. A pin taken concurrently either defers the
// request or fails. A pinned keyframe records the request so that unpinning
// performs it.
func (kf *Keyframe) requestErase() eraseDecision {
	kf.mu.Lock()
	defer kf.mu.Unlock()
	switch {
	case kf.willBeErased.Load():
		return eraseRefused
	case kf.pins > 0:
		kf.toBeErased = true
		return eraseDeferred
	case kf.Graph != nil && kf.Graph.HasLoopEdge():
		return eraseRefused
	}
	kf.willBeErased.Store(true)
	return eraseStarted
}

// WillBeErased reports whether the keyframe is being removed from the map
func (kf *Keyframe) WillBeErased() bool {
	return kf.willBeErased.Load()
}
