package slam

import (
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r3"
)

// Landmark is a 3D world point observed by one or more keyframes
type Landmark struct {
	ID LandmarkID

	mu           sync.RWMutex
	posW         r3.Vec
	observations map[KeyframeID]int

	willBeErased atomic.Bool
}

// NewLandmark creates a landmark at the given world position
func NewLandmark(id LandmarkID, posW r3.Vec) *Landmark {
	return &Landmark{
		ID:           id,
		posW:         posW,
		observations: make(map[KeyframeID]int),
	}
}

// PosInWorld returns the landmark position in world coordinates
func (lm *Landmark) PosInWorld() r3.Vec {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.posW
}

// SetPosInWorld moves the landmark
func (lm *Landmark) SetPosInWorld(pos r3.Vec) {
	lm.mu.Lock()
	lm.posW = pos
	lm.mu.Unlock()
}

// AddObservation records that keyframe kf sees this landmark at feature idx
func (lm *Landmark) AddObservation(kf KeyframeID, idx int) {
	lm.mu.Lock()
	lm.observations[kf] = idx
	lm.mu.Unlock()
}

// EraseObservation removes the observation by kf and returns how many remain
func (lm *Landmark) EraseObservation(kf KeyframeID) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.observations, kf)
	return len(lm.observations)
}

// Observations returns a copy of the keyframe -> feature index map
func (lm *Landmark) Observations() map[KeyframeID]int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	obs := make(map[KeyframeID]int, len(lm.observations))
	for k, v := range lm.observations {
		obs[k] = v
	}
	return obs
}

// ObservingKeyframes returns the observing keyframe IDs in ascending order
func (lm *Landmark) ObservingKeyframes() []KeyframeID {
	lm.mu.RLock()
	ids := make([]KeyframeID, 0, len(lm.observations))
	for k := range lm.observations {
		ids = append(ids, k)
	}
	lm.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NumObservations returns the number of keyframes observing this landmark
func (lm *Landmark) NumObservations() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.observations)
}

// IsObservedIn reports whether kf observes this landmark
func (lm *Landmark) IsObservedIn(kf KeyframeID) bool {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	_, ok := lm.observations[kf]
	return ok
}

// IndexInKeyframe returns the feature index of this landmark in kf, or -1
func (lm *Landmark) IndexInKeyframe(kf KeyframeID) int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if idx, ok := lm.observations[kf]; ok {
		return idx
	}
	return -1
}

// WillBeErased reports whether the landmark is pending erasure
func (lm *Landmark) WillBeErased() bool {
	return lm.willBeErased.Load()
}

func (lm *Landmark) markWillBeErased() {
	lm.willBeErased.Store(true)
}
