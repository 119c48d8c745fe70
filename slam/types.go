package slam

import (
	"errors"

	"github.com/paulmach/orb"
)

// KeyframeID is the stable, monotonic handle of a keyframe. Handles are never
// reused, so a deleted-and-recreated keyframe can never alias an old one.
type KeyframeID uint64

// LandmarkID is the stable handle of a landmark.
type LandmarkID uint64

// RootKeyframeID is the origin keyframe of a map. It never has a spanning parent
// and is never erased.
const RootKeyframeID KeyframeID = 0

// chiSq2D is the chi-square value at 1% significance with 2 degrees of freedom
const chiSq2D = 9.21034

// Keypoint is an undistorted feature position in image coordinates
type Keypoint struct {
	Pt       orb.Point `json:"pt"`
	Octave   int       `json:"octave"`   // pyramid level the feature was detected at
	Response float64   `json:"response"` // detector response, higher is stronger
}

// Neighbor is one weighted covisibility entry
type Neighbor struct {
	ID     KeyframeID `json:"id"`
	Weight uint32     `json:"weight"`
}

// NodeSnapshot is a consistent copy of a graph node's state
type NodeSnapshot struct {
	Keyframe  KeyframeID   `json:"keyframe"`
	Neighbors []Neighbor   `json:"neighbors"`
	Parent    *KeyframeID  `json:"parent,omitempty"`
	Children  []KeyframeID `json:"children"`
	LoopEdges []KeyframeID `json:"loopEdges"`
	Erasable  bool         `json:"erasable"`
}

// MapStats summarizes the size of the map and its graph
type MapStats struct {
	Keyframes     int `json:"keyframes"`
	Landmarks     int `json:"landmarks"`
	Connections   int `json:"connections"` // undirected covisibility edges
	SpanningEdges int `json:"spanningEdges"`
	LoopEdges     int `json:"loopEdges"` // undirected loop edges
}

// RepairReport describes how the children of an erased keyframe were re-parented
type RepairReport struct {
	Reassigned int // children moved to a covisible candidate
	Forced     int // children attached directly to the erased keyframe's parent
	Detached   int // children left without a parent until their next connection update
}

var (
	// ErrKeyframeNotFound is returned when a handle does not resolve to a live keyframe.
	ErrKeyframeNotFound = errors.New("keyframe not found")
	// ErrKeyframeExists is returned when adding a keyframe whose ID is already in use.
	ErrKeyframeExists = errors.New("keyframe already exists")
	// ErrLandmarkNotFound is returned when a handle does not resolve to a live landmark.
	ErrLandmarkNotFound = errors.New("landmark not found")
	// ErrLandmarkExists is returned when adding a landmark whose ID is already in use.
	ErrLandmarkExists = errors.New("landmark already exists")
	// ErrFeatureIndex is returned for a feature index outside a keyframe's keypoints.
	ErrFeatureIndex = errors.New("feature index out of range")

	// ErrSpanningParentAlreadySet is returned when a second parent is assigned without ChangeSpanningParent.
	ErrSpanningParentAlreadySet = errors.New("spanning parent already set")
	// ErrSpanningCycle is returned when a parent assignment would make a keyframe its own ancestor.
	ErrSpanningCycle = errors.New("spanning parent would create a cycle")
	// ErrRootHasNoParent is returned for parent operations on the root keyframe.
	ErrRootHasNoParent = errors.New("root keyframe has no spanning parent")
)
