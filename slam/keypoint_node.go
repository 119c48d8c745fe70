package slam

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
)

// KeypointNode is one quadtree patch used to spread keypoints over an image
type KeypointNode struct {
	Bound     orb.Bound
	Keypoints []Keypoint
}

// Divide splits the patch at its ceil-half into top-left, top-right,
// bottom-left and bottom-right children and distributes the keypoints.
// A keypoint on a split line goes to the right/bottom child.
func (n KeypointNode) Divide() [4]KeypointNode {
	begin, end := n.Bound.Min, n.Bound.Max
	halfX := math.Ceil((end.X() - begin.X()) / 2)
	halfY := math.Ceil((end.Y() - begin.Y()) / 2)
	center := orb.Point{begin.X() + halfX, begin.Y() + halfY}

	children := [4]KeypointNode{
		{Bound: orb.Bound{Min: begin, Max: center}},
		{Bound: orb.Bound{Min: orb.Point{center.X(), begin.Y()}, Max: orb.Point{end.X(), center.Y()}}},
		{Bound: orb.Bound{Min: orb.Point{begin.X(), center.Y()}, Max: orb.Point{center.X(), end.Y()}}},
		{Bound: orb.Bound{Min: center, Max: end}},
	}

	for _, kp := range n.Keypoints {
		idx := 0
		if center.X() <= kp.Pt.X() {
			idx++
		}
		if center.Y() <= kp.Pt.Y() {
			idx += 2
		}
		children[idx].Keypoints = append(children[idx].Keypoints, kp)
	}
	return children
}

// splittable reports whether dividing the node can separate its keypoints
func (n KeypointNode) splittable() bool {
	if len(n.Keypoints) < 2 {
		return false
	}
	return n.Bound.Max.X()-n.Bound.Min.X() > 1 || n.Bound.Max.Y()-n.Bound.Min.Y() > 1
}

// strongest returns the keypoint with the highest response
func (n KeypointNode) strongest() Keypoint {
	best := n.Keypoints[0]
	for _, kp := range n.Keypoints[1:] {
		if kp.Response > best.Response {
			best = kp
		}
	}
	return best
}

// DistributeKeypoints spreads keypoints over bound by splitting the most
// populated patches until at least target patches exist or no patch can be
// split, then keeps the strongest keypoint of each patch. The result is
// ordered by descending response.
func DistributeKeypoints(keypts []Keypoint, bound orb.Bound, target int) []Keypoint {
	if len(keypts) == 0 || target <= 0 {
		return nil
	}
	nodes := []KeypointNode{{Bound: bound, Keypoints: keypts}}

	for len(nodes) < target {
		sort.SliceStable(nodes, func(i, j int) bool {
			return len(nodes[i].Keypoints) > len(nodes[j].Keypoints)
		})
		split := -1
		for i, node := range nodes {
			if node.splittable() {
				split = i
				break
			}
		}
		if split < 0 {
			break
		}

		children := nodes[split].Divide()
		nodes = append(nodes[:split], nodes[split+1:]...)
		for _, child := range children {
			if len(child.Keypoints) > 0 {
				nodes = append(nodes, child)
			}
		}
	}

	result := make([]Keypoint, 0, len(nodes))
	for _, node := range nodes {
		result = append(result, node.strongest())
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Response > result[j].Response
	})
	return result
}
