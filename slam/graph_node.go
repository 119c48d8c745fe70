package slam

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
)

// KeyframeResolver resolves handles to live keyframes. Map implements it.
type KeyframeResolver interface {
	Keyframe(id KeyframeID) (*Keyframe, bool)
}

// GraphNode holds one keyframe's covisibility connections, spanning tree links
// and loop edges.
//
// Each node has its own mutex. It is held only while this node's state is read
// or written and never while another node is called; operations that touch
// several nodes snapshot under the lock, release it, then call out.
type GraphNode struct {
	owner     KeyframeID
	resolver  KeyframeResolver
	minWeight uint32

	mu               sync.Mutex
	connections      map[KeyframeID]uint32
	orderedNeighbors []KeyframeID
	orderedWeights   []uint32

	spanningParent   KeyframeID
	hasParent        bool
	parentAssigned   bool // first-time assignment done
	spanningChildren map[KeyframeID]struct{}

	loopEdges map[KeyframeID]struct{}

	// treeMu is shared by every node of a map and serializes parent changes so
	// that the cycle check and the assignment are atomic. It is always taken
	// before any node mutex.
	treeMu *sync.Mutex

	retired atomic.Bool
}

// NewGraphNode creates the graph node of keyframe owner. Connections at or
// below minWeight are only kept as a connectivity fallback.
func NewGraphNode(owner KeyframeID, resolver KeyframeResolver, minWeight uint32) *GraphNode {
	return &GraphNode{
		owner:            owner,
		resolver:         resolver,
		minWeight:        minWeight,
		connections:      make(map[KeyframeID]uint32),
		spanningChildren: make(map[KeyframeID]struct{}),
		loopEdges:        make(map[KeyframeID]struct{}),
	}
}

func (n *GraphNode) lockTree() {
	if n.treeMu != nil {
		n.treeMu.Lock()
	}
}

func (n *GraphNode) unlockTree() {
	if n.treeMu != nil {
		n.treeMu.Unlock()
	}
}

// Owner returns the keyframe this node belongs to
func (n *GraphNode) Owner() KeyframeID {
	return n.owner
}

func (n *GraphNode) peer(id KeyframeID) (*GraphNode, bool) {
	kf, ok := n.resolver.Keyframe(id)
	if !ok || kf.Graph == nil {
		return nil, false
	}
	return kf.Graph, true
}

// AddConnection inserts or updates the one-sided edge to id. It returns true
// when the node changed.
func (n *GraphNode) AddConnection(id KeyframeID, weight uint32) bool {
	if id == n.owner {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	// under mu: EraseAllConnections must see every edge added before retirement
	if n.retired.Load() {
		return false
	}
	if cur, ok := n.connections[id]; ok && cur == weight {
		return false
	}
	n.connections[id] = weight
	n.updateOrderLocked()
	return true
}

// EraseConnection removes the one-sided edge to id. It returns true when the
// node changed.
func (n *GraphNode) EraseConnection(id KeyframeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.connections[id]; !ok {
		return false
	}
	delete(n.connections, id)
	n.updateOrderLocked()
	return true
}

// EraseAllConnections clears this node and removes the mirror edge from every
// former neighbor. The node accepts no new connections afterwards.
func (n *GraphNode) EraseAllConnections() {
	n.retired.Store(true)

	n.mu.Lock()
	former := make([]KeyframeID, 0, len(n.connections))
	for id := range n.connections {
		former = append(former, id)
	}
	n.connections = make(map[KeyframeID]uint32)
	n.orderedNeighbors = nil
	n.orderedWeights = nil
	n.mu.Unlock()

	for _, id := range former {
		if p, ok := n.peer(id); ok {
			p.EraseConnection(n.owner)
		}
	}
}

// updateOrderLocked rebuilds the ordered cache: weight descending, larger ID
// first on equal weight.
func (n *GraphNode) updateOrderLocked() {
	entries := make([]Neighbor, 0, len(n.connections))
	for id, w := range n.connections {
		entries = append(entries, Neighbor{ID: id, Weight: w})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Weight != entries[j].Weight {
			return entries[i].Weight > entries[j].Weight
		}
		return entries[i].ID > entries[j].ID
	})
	n.orderedNeighbors = make([]KeyframeID, len(entries))
	n.orderedWeights = make([]uint32, len(entries))
	for i, e := range entries {
		n.orderedNeighbors[i] = e.ID
		n.orderedWeights[i] = e.Weight
	}
}

// reliesOn reports whether this node's single best edge points at id and is
// below the threshold, i.e. the edge exists only to keep this node connected.
func (n *GraphNode) reliesOn(id KeyframeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.orderedNeighbors) == 0 {
		return false
	}
	return n.orderedNeighbors[0] == id && n.orderedWeights[0] <= n.minWeight
}

// UpdateConnections recomputes covisibility weights from the landmarks the
// owner observes and mirrors the result on every affected neighbor. The first
// time it finds a neighbor on a non-root keyframe it also assigns the
// spanning parent.
func (n *GraphNode) UpdateConnections() {
	if n.retired.Load() {
		return
	}
	owner, ok := n.resolver.Keyframe(n.owner)
	if !ok {
		return
	}

	weights := make(map[KeyframeID]uint32)
	for _, lm := range owner.Landmarks() {
		if lm == nil || lm.WillBeErased() {
			continue
		}
		for id := range lm.Observations() {
			if id == n.owner {
				continue
			}
			weights[id]++
		}
	}
	for id := range weights {
		p, ok := n.peer(id)
		if !ok || p.retired.Load() {
			delete(weights, id)
		}
	}
	if len(weights) == 0 {
		return
	}

	kept := make(map[KeyframeID]uint32)
	var bestID KeyframeID
	var bestWeight uint32
	found := false
	for id, w := range weights {
		if !found || w > bestWeight || (w == bestWeight && id > bestID) {
			bestID, bestWeight, found = id, w, true
		}
		if w > n.minWeight {
			kept[id] = w
		}
	}
	if len(kept) == 0 {
		kept[bestID] = bestWeight
	}

	n.mu.Lock()
	previous := make([]KeyframeID, 0, len(n.connections))
	for id := range n.connections {
		previous = append(previous, id)
	}
	n.mu.Unlock()

	for _, id := range previous {
		if _, ok := kept[id]; ok {
			continue
		}
		w, shared := weights[id]
		if !shared {
			continue
		}
		if p, ok := n.peer(id); ok && p.reliesOn(n.owner) {
			kept[id] = w
		}
	}

	peers := make(map[KeyframeID]*GraphNode, len(kept))
	for id, w := range kept {
		p, ok := n.peer(id)
		if !ok {
			delete(kept, id)
			continue
		}
		if !p.AddConnection(n.owner, w) && p.retired.Load() {
			delete(kept, id)
			continue
		}
		peers[id] = p
	}
	for _, id := range previous {
		if _, ok := kept[id]; ok {
			continue
		}
		if p, ok := n.peer(id); ok {
			p.EraseConnection(n.owner)
		}
	}

	n.mu.Lock()
	if n.retired.Load() {
		n.mu.Unlock()
		// erased meanwhile: withdraw the mirrors written above
		for _, p := range peers {
			p.EraseConnection(n.owner)
		}
		return
	}
	// a neighbor retired since its mirror was written has already erased
	// its edge here, or will once mu is released
	for id, p := range peers {
		if p.retired.Load() {
			delete(kept, id)
		}
	}
	n.connections = kept
	n.updateOrderLocked()
	needParent := !n.parentAssigned && n.owner != RootKeyframeID
	candidates := append([]KeyframeID(nil), n.orderedNeighbors...)
	n.mu.Unlock()

	ConnectionUpdatesTotal.Inc()

	if needParent {
		n.assignFirstParent(candidates)
	}
}

// assignFirstParent picks the best-connected neighbor that is not a
// descendant of this node.
func (n *GraphNode) assignFirstParent(candidates []KeyframeID) {
	for _, id := range candidates {
		err := n.SetSpanningParent(id)
		if err == nil {
			return
		}
		if errors.Is(err, ErrSpanningParentAlreadySet) {
			return
		}
	}
}

// ConnectedKeyframes returns the neighbor set
func (n *GraphNode) ConnectedKeyframes() map[KeyframeID]struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make(map[KeyframeID]struct{}, len(n.connections))
	for id := range n.connections {
		out[id] = struct{}{}
	}
	return out
}

// Covisibilities returns all neighbors ordered by descending weight
func (n *GraphNode) Covisibilities() []KeyframeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]KeyframeID{}, n.orderedNeighbors...)
}

// OrderedWeights returns the weights parallel to Covisibilities
func (n *GraphNode) OrderedWeights() []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint32{}, n.orderedWeights...)
}

// TopNCovisibilities returns the first num ordered neighbors
func (n *GraphNode) TopNCovisibilities(num int) []KeyframeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	if num < 0 {
		num = 0
	}
	if num > len(n.orderedNeighbors) {
		num = len(n.orderedNeighbors)
	}
	return append([]KeyframeID{}, n.orderedNeighbors[:num]...)
}

// CovisibilitiesOverWeight returns the ordered neighbors whose weight is
// strictly greater than weight.
func (n *GraphNode) CovisibilitiesOverWeight(weight uint32) []KeyframeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	idx := sort.Search(len(n.orderedWeights), func(i int) bool {
		return n.orderedWeights[i] <= weight
	})
	return append([]KeyframeID{}, n.orderedNeighbors[:idx]...)
}

// Weight returns the edge weight to id, 0 if not connected
func (n *GraphNode) Weight(id KeyframeID) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connections[id]
}

// NumConnections returns the number of neighbors
func (n *GraphNode) NumConnections() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.connections)
}

// SetSpanningParent assigns the first parent and registers this node as the
// parent's child.
func (n *GraphNode) SetSpanningParent(parent KeyframeID) error {
	if n.owner == RootKeyframeID {
		return ErrRootHasNoParent
	}
	n.lockTree()
	defer n.unlockTree()
	if parent == n.owner || n.isAncestorOf(parent) {
		return fmt.Errorf("keyframe %d -> %d: %w", n.owner, parent, ErrSpanningCycle)
	}
	p, err := n.liveParent(parent)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if n.hasParent {
		n.mu.Unlock()
		return ErrSpanningParentAlreadySet
	}
	n.spanningParent = parent
	n.hasParent = true
	n.parentAssigned = true
	n.mu.Unlock()

	p.AddSpanningChild(n.owner)
	return nil
}

// ChangeSpanningParent moves this node under a new parent. The new parent may
// not be the node itself or one of its descendants.
func (n *GraphNode) ChangeSpanningParent(parent KeyframeID) error {
	if n.owner == RootKeyframeID {
		return ErrRootHasNoParent
	}
	n.lockTree()
	defer n.unlockTree()
	if parent == n.owner || n.isAncestorOf(parent) {
		return fmt.Errorf("keyframe %d -> %d: %w", n.owner, parent, ErrSpanningCycle)
	}
	p, err := n.liveParent(parent)
	if err != nil {
		return err
	}

	n.mu.Lock()
	old, had := n.spanningParent, n.hasParent
	n.spanningParent = parent
	n.hasParent = true
	n.parentAssigned = true
	n.mu.Unlock()

	if had && old != parent {
		if op, ok := n.peer(old); ok {
			op.EraseSpanningChild(n.owner)
		}
	}
	p.AddSpanningChild(n.owner)
	return nil
}

// liveParent resolves a prospective parent. A keyframe whose erasure has
// started no longer takes children; the caller holds the tree lock, which
// RecoverSpanningConnections also holds while listing children.
func (n *GraphNode) liveParent(parent KeyframeID) (*GraphNode, error) {
	kf, ok := n.resolver.Keyframe(parent)
	if !ok || kf.Graph == nil || kf.WillBeErased() || kf.Graph.retired.Load() {
		return nil, fmt.Errorf("spanning parent %d: %w", parent, ErrKeyframeNotFound)
	}
	return kf.Graph, nil
}

// detachSpanningParent clears the parent so the next UpdateConnections picks
// a new one.
func (n *GraphNode) detachSpanningParent() {
	n.lockTree()
	defer n.unlockTree()
	n.mu.Lock()
	n.hasParent = false
	n.parentAssigned = false
	n.mu.Unlock()
}

// isAncestorOf reports whether this node appears on id's parent chain,
// including id itself. Each ancestor is locked one at a time.
func (n *GraphNode) isAncestorOf(id KeyframeID) bool {
	visited := make(map[KeyframeID]struct{})
	cur := id
	for {
		if cur == n.owner {
			return true
		}
		if _, seen := visited[cur]; seen {
			// corrupt chain, refuse to extend it
			return true
		}
		visited[cur] = struct{}{}
		p, ok := n.peer(cur)
		if !ok {
			return false
		}
		parent, ok := p.SpanningParent()
		if !ok {
			return false
		}
		cur = parent
	}
}

// AddSpanningChild records id as a child
func (n *GraphNode) AddSpanningChild(id KeyframeID) {
	n.mu.Lock()
	n.spanningChildren[id] = struct{}{}
	n.mu.Unlock()
}

// EraseSpanningChild removes id from the children
func (n *GraphNode) EraseSpanningChild(id KeyframeID) {
	n.mu.Lock()
	delete(n.spanningChildren, id)
	n.mu.Unlock()
}

// SpanningParent returns the parent, if any
func (n *GraphNode) SpanningParent() (KeyframeID, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.spanningParent, n.hasParent
}

// SpanningChildren returns the children in ascending ID order
func (n *GraphNode) SpanningChildren() []KeyframeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedIDs(n.spanningChildren)
}

// HasSpanningChild reports whether id is a child of this node
func (n *GraphNode) HasSpanningChild(id KeyframeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.spanningChildren[id]
	return ok
}

// RecoverSpanningConnections re-parents every child of this node before it
// is erased. Children are attached greedily to the candidate (own parent or an
// already re-parented sibling) they share the most covisibility with; children
// with no covisible candidate are attached to own parent.
func (n *GraphNode) RecoverSpanningConnections() (RepairReport, error) {
	var report RepairReport
	if n.owner == RootKeyframeID {
		return report, ErrRootHasNoParent
	}

	// parent setters check liveness under the tree lock, so no child can
	// join after this listing
	n.lockTree()
	n.mu.Lock()
	parent, hasParent := n.spanningParent, n.hasParent
	pending := sortedIDs(n.spanningChildren)
	n.mu.Unlock()
	n.unlockTree()

	if !hasParent {
		for _, id := range pending {
			if c, ok := n.peer(id); ok {
				c.detachSpanningParent()
				report.Detached++
			}
		}
		n.clearSpanningChildren()
		SpanningRepairsTotal.WithLabelValues("detached").Add(float64(report.Detached))
		return report, nil
	}

	candidates := map[KeyframeID]struct{}{parent: {}}
	for len(pending) > 0 {
		var bestWeight uint32
		var bestChild, bestParent KeyframeID
		found := false

		candOrder := sortedIDs(candidates)
		for _, childID := range pending {
			child, ok := n.resolver.Keyframe(childID)
			if !ok || child.WillBeErased() || child.Graph == nil {
				continue
			}
			for _, cand := range candOrder {
				w := child.Graph.Weight(cand)
				if w > bestWeight {
					bestWeight, bestChild, bestParent, found = w, childID, cand, true
				}
			}
		}
		if !found {
			break
		}

		child, _ := n.peer(bestChild)
		if err := child.ChangeSpanningParent(bestParent); err != nil {
			log.Printf("[GRAPH] keyframe %d: reassigning child %d to %d failed: %v", n.owner, bestChild, bestParent, err)
			break
		}
		report.Reassigned++
		pending = removeID(pending, bestChild)
		candidates[bestChild] = struct{}{}
	}

	for _, id := range pending {
		c, ok := n.peer(id)
		if !ok {
			continue
		}
		if err := n.forceChild(c); err != nil {
			log.Printf("[GRAPH] keyframe %d: forcing child %d failed, detaching: %v", n.owner, id, err)
			c.detachSpanningParent()
			report.Detached++
			continue
		}
		report.Forced++
	}

	n.clearSpanningChildren()
	if cur, ok := n.SpanningParent(); ok {
		if p, ok := n.peer(cur); ok {
			p.EraseSpanningChild(n.owner)
		}
	}

	SpanningRepairsTotal.WithLabelValues("reassigned").Add(float64(report.Reassigned))
	SpanningRepairsTotal.WithLabelValues("forced").Add(float64(report.Forced))
	SpanningRepairsTotal.WithLabelValues("detached").Add(float64(report.Detached))
	return report, nil
}

// forceChild moves child under this node's parent. When that parent is being
// erased concurrently its own repair may move this node meanwhile, so the
// parent is re-read until it stops changing.
func (n *GraphNode) forceChild(child *GraphNode) error {
	tried := make(map[KeyframeID]struct{})
	for {
		parent, ok := n.SpanningParent()
		if !ok {
			return fmt.Errorf("keyframe %d has no parent: %w", n.owner, ErrKeyframeNotFound)
		}
		if _, seen := tried[parent]; seen {
			return fmt.Errorf("spanning parent %d: %w", parent, ErrKeyframeNotFound)
		}
		err := child.ChangeSpanningParent(parent)
		if err == nil || !errors.Is(err, ErrKeyframeNotFound) {
			return err
		}
		tried[parent] = struct{}{}
	}
}

func (n *GraphNode) clearSpanningChildren() {
	n.mu.Lock()
	n.spanningChildren = make(map[KeyframeID]struct{})
	n.mu.Unlock()
}

// AddLoopEdge records a loop edge to id. Loop edges are never removed.
func (n *GraphNode) AddLoopEdge(id KeyframeID) {
	n.mu.Lock()
	n.loopEdges[id] = struct{}{}
	n.mu.Unlock()
}

// LoopEdges returns the loop partners in ascending ID order
func (n *GraphNode) LoopEdges() []KeyframeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return sortedIDs(n.loopEdges)
}

// HasLoopEdge reports whether this node has any loop edge
func (n *GraphNode) HasLoopEdge() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.loopEdges) > 0
}

// Snapshot returns a consistent copy of this node's state
func (n *GraphNode) Snapshot() NodeSnapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	snap := NodeSnapshot{
		Keyframe:  n.owner,
		Neighbors: make([]Neighbor, len(n.orderedNeighbors)),
		Children:  sortedIDs(n.spanningChildren),
		LoopEdges: sortedIDs(n.loopEdges),
	}
	for i, id := range n.orderedNeighbors {
		snap.Neighbors[i] = Neighbor{ID: id, Weight: n.orderedWeights[i]}
	}
	if n.hasParent {
		parent := n.spanningParent
		snap.Parent = &parent
	}
	return snap
}

func sortedIDs(set map[KeyframeID]struct{}) []KeyframeID {
	ids := make([]KeyframeID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func removeID(ids []KeyframeID, id KeyframeID) []KeyframeID {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
