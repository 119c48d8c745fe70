package slam

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/paulmach/orb"
)

func kp(x, y, response float64) Keypoint {
	return Keypoint{Pt: orb.Point{x, y}, Response: response}
}

func TestKeypointNode_Divide(t *testing.T) {
	node := KeypointNode{
		Bound: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}},
		Keypoints: []Keypoint{
			kp(1, 1, 0),
			kp(5, 1, 0), // on the vertical split line
			kp(1, 5, 0),
			kp(5, 5, 0),
			kp(9, 9, 0),
		},
	}
	children := node.Divide()

	wantCounts := [4]int{1, 1, 1, 2}
	for i, child := range children {
		if len(child.Keypoints) != wantCounts[i] {
			t.Errorf("child %d has %d keypoints, want %d", i, len(child.Keypoints), wantCounts[i])
		}
	}
	if children[0].Bound.Max != (orb.Point{5, 5}) {
		t.Errorf("top-left max = %v, want [5 5]", children[0].Bound.Max)
	}
	if children[3].Bound.Min != (orb.Point{5, 5}) || children[3].Bound.Max != (orb.Point{10, 10}) {
		t.Errorf("bottom-right bound = %v", children[3].Bound)
	}
	for i, child := range children {
		for _, k := range child.Keypoints {
			if !child.Bound.Contains(k.Pt) {
				t.Errorf("child %d bound %v does not contain %v", i, child.Bound, k.Pt)
			}
		}
	}
}

func TestKeypointNode_DivideOddSize(t *testing.T) {
	node := KeypointNode{Bound: orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{5, 3}}}
	children := node.Divide()

	center := orb.Point{3, 2}
	if children[0].Bound.Max != center {
		t.Errorf("split at %v, want ceil-half %v", children[0].Bound.Max, center)
	}
	if children[1].Bound != (orb.Bound{Min: orb.Point{3, 0}, Max: orb.Point{5, 2}}) {
		t.Errorf("top-right bound = %v", children[1].Bound)
	}
	if children[2].Bound != (orb.Bound{Min: orb.Point{0, 2}, Max: orb.Point{3, 3}}) {
		t.Errorf("bottom-left bound = %v", children[2].Bound)
	}
}

func TestDistributeKeypoints_OnePerCluster(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{100, 100}}
	keypts := []Keypoint{
		kp(10, 10, 0.1), kp(12, 12, 0.9),
		kp(90, 10, 0.5), kp(91, 11, 0.4),
		kp(10, 90, 0.3), kp(11, 91, 0.2),
		kp(90, 90, 0.8), kp(91, 91, 0.7),
	}

	got := DistributeKeypoints(keypts, bound, 4)
	want := []float64{0.9, 0.8, 0.5, 0.3}
	if len(got) != len(want) {
		t.Fatalf("got %d keypoints, want %d", len(got), len(want))
	}
	for i, k := range got {
		if k.Response != want[i] {
			t.Errorf("got[%d].Response = %v, want %v", i, k.Response, want[i])
		}
	}
}

func TestDistributeKeypoints_Edges(t *testing.T) {
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{10, 10}}

	if got := DistributeKeypoints(nil, bound, 5); got != nil {
		t.Errorf("no keypoints: got %v", got)
	}
	if got := DistributeKeypoints([]Keypoint{kp(1, 1, 1)}, bound, 0); got != nil {
		t.Errorf("zero target: got %v", got)
	}

	// coincident keypoints can never be separated
	got := DistributeKeypoints([]Keypoint{kp(5, 5, 0.1), kp(5, 5, 0.2)}, bound, 5)
	if len(got) != 1 || got[0].Response != 0.2 {
		t.Errorf("coincident keypoints: got %v", got)
	}
}

func TestDistributeKeypoints_Spread(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	bound := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{640, 480}}
	keypts := make([]Keypoint, 500)
	for i := range keypts {
		keypts[i] = kp(rng.Float64()*640, rng.Float64()*480, rng.Float64())
	}

	got := DistributeKeypoints(keypts, bound, 50)
	if len(got) < 50 || len(got) > len(keypts) {
		t.Fatalf("got %d keypoints, want at least 50", len(got))
	}
	if !sort.SliceIsSorted(got, func(i, j int) bool { return got[i].Response > got[j].Response }) {
		t.Error("result is not ordered by descending response")
	}
	seen := make(map[orb.Point]bool)
	for _, k := range got {
		if seen[k.Pt] {
			t.Errorf("keypoint %v returned twice", k.Pt)
		}
		seen[k.Pt] = true
		if !bound.Contains(k.Pt) {
			t.Errorf("keypoint %v outside %v", k.Pt, bound)
		}
	}
}
