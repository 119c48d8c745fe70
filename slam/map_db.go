package slam

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"
)

// Map owns keyframes and landmarks and resolves handles for the graph.
// Keyframe 0 is the origin of the map.
type Map struct {
	graphCfg GraphConfig

	mu        sync.RWMutex
	treeMu    sync.Mutex
	keyframes *btree.BTreeG[*Keyframe]
	landmarks map[LandmarkID]*Landmark

	nextKeyframeID atomic.Uint64
	nextLandmarkID atomic.Uint64
}

// NewMap creates an empty map
func NewMap(cfg GraphConfig) *Map {
	return &Map{
		graphCfg: cfg,
		keyframes: btree.NewBTreeG(func(a, b *Keyframe) bool {
			return a.ID < b.ID
		}),
		landmarks: make(map[LandmarkID]*Landmark),
	}
}

// NextKeyframeID reserves a fresh keyframe handle. The first one is the root.
func (m *Map) NextKeyframeID() KeyframeID {
	return KeyframeID(m.nextKeyframeID.Add(1) - 1)
}

// NextLandmarkID reserves a fresh landmark handle
func (m *Map) NextLandmarkID() LandmarkID {
	return LandmarkID(m.nextLandmarkID.Add(1) - 1)
}

// AddKeyframe attaches a graph node to kf and inserts it
func (m *Map) AddKeyframe(kf *Keyframe) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keyframes.Get(&Keyframe{ID: kf.ID}); ok {
		return fmt.Errorf("keyframe %d: %w", kf.ID, ErrKeyframeExists)
	}
	if kf.Graph == nil {
		kf.Graph = NewGraphNode(kf.ID, m, m.graphCfg.MinCovisibilityWeight)
	}
	kf.Graph.treeMu = &m.treeMu
	m.keyframes.Set(kf)
	bumpCounter(&m.nextKeyframeID, uint64(kf.ID)+1)
	MapKeyframes.Set(float64(m.keyframes.Len()))
	return nil
}

// Keyframe resolves a handle to a live keyframe
func (m *Map) Keyframe(id KeyframeID) (*Keyframe, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyframes.Get(&Keyframe{ID: id})
}

// Keyframes returns all live keyframes in ascending ID order
func (m *Map) Keyframes() []*Keyframe {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Keyframe, 0, m.keyframes.Len())
	m.keyframes.Scan(func(kf *Keyframe) bool {
		out = append(out, kf)
		return true
	})
	return out
}

// NumKeyframes returns the number of live keyframes
func (m *Map) NumKeyframes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keyframes.Len()
}

// AddLandmark inserts a landmark
func (m *Map) AddLandmark(lm *Landmark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.landmarks[lm.ID]; ok {
		return fmt.Errorf("landmark %d: %w", lm.ID, ErrLandmarkExists)
	}
	m.landmarks[lm.ID] = lm
	bumpCounter(&m.nextLandmarkID, uint64(lm.ID)+1)
	MapLandmarks.Set(float64(len(m.landmarks)))
	return nil
}

// Landmark resolves a handle to a live landmark
func (m *Map) Landmark(id LandmarkID) (*Landmark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	lm, ok := m.landmarks[id]
	return lm, ok
}

// NumLandmarks returns the number of live landmarks
func (m *Map) NumLandmarks() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.landmarks)
}

// AddObservation links feature idx of a keyframe to a landmark on both sides
func (m *Map) AddObservation(kfID KeyframeID, lmID LandmarkID, idx int) error {
	kf, ok := m.Keyframe(kfID)
	if !ok {
		return fmt.Errorf("keyframe %d: %w", kfID, ErrKeyframeNotFound)
	}
	lm, ok := m.Landmark(lmID)
	if !ok {
		return fmt.Errorf("landmark %d: %w", lmID, ErrLandmarkNotFound)
	}
	if err := kf.setLandmark(lm, idx); err != nil {
		return err
	}
	lm.AddObservation(kfID, idx)
	return nil
}

// EraseObservation unlinks a keyframe and a landmark on both sides
func (m *Map) EraseObservation(kfID KeyframeID, lmID LandmarkID) error {
	kf, ok := m.Keyframe(kfID)
	if !ok {
		return fmt.Errorf("keyframe %d: %w", kfID, ErrKeyframeNotFound)
	}
	lm, ok := m.Landmark(lmID)
	if !ok {
		return fmt.Errorf("landmark %d: %w", lmID, ErrLandmarkNotFound)
	}
	kf.clearLandmark(lm)
	lm.EraseObservation(kfID)
	return nil
}

// EraseLandmark flags a landmark, detaches it from every observing keyframe and
// removes it from the map.
func (m *Map) EraseLandmark(id LandmarkID) error {
	lm, ok := m.Landmark(id)
	if !ok {
		return fmt.Errorf("landmark %d: %w", id, ErrLandmarkNotFound)
	}
	lm.markWillBeErased()
	for _, kfID := range lm.ObservingKeyframes() {
		if kf, ok := m.Keyframe(kfID); ok {
			kf.clearLandmark(lm)
		}
		lm.EraseObservation(kfID)
	}

	m.mu.Lock()
	delete(m.landmarks, id)
	MapLandmarks.Set(float64(len(m.landmarks)))
	m.mu.Unlock()
	return nil
}

// EraseKeyframe removes a keyframe from the map, repairing the graph first.
// It returns false without error when the keyframe is the root or is not
// erasable yet; a pinned keyframe is erased once it is unpinned.
func (m *Map) EraseKeyframe(id KeyframeID) (bool, error) {
	kf, ok := m.Keyframe(id)
	if !ok {
		return false, fmt.Errorf("keyframe %d: %w", id, ErrKeyframeNotFound)
	}
	if id == RootKeyframeID {
		KeyframeErasuresTotal.WithLabelValues("refused").Inc()
		return false, nil
	}
	switch kf.requestErase() {
	case eraseDeferred:
		KeyframeErasuresTotal.WithLabelValues("deferred").Inc()
		log.Printf("[GRAPH] keyframe %d is pinned, erasure deferred", id)
		return false, nil
	case eraseRefused:
		KeyframeErasuresTotal.WithLabelValues("refused").Inc()
		return false, nil
	}

	for _, lm := range kf.Landmarks() {
		if lm != nil {
			lm.EraseObservation(id)
		}
	}

	kf.Graph.EraseAllConnections()
	report, err := kf.Graph.RecoverSpanningConnections()
	if err != nil {
		return false, fmt.Errorf("repairing spanning tree of keyframe %d: %w", id, err)
	}

	m.mu.Lock()
	m.keyframes.Delete(kf)
	MapKeyframes.Set(float64(m.keyframes.Len()))
	m.mu.Unlock()

	KeyframeErasuresTotal.WithLabelValues("erased").Inc()
	log.Printf("[GRAPH] erased keyframe %d (reassigned %d, forced %d, detached %d children)",
		id, report.Reassigned, report.Forced, report.Detached)
	return true, nil
}

// SetNotToBeErased pins a keyframe. A keyframe whose erasure has started is
// reported as not found.
func (m *Map) SetNotToBeErased(id KeyframeID) error {
	kf, ok := m.Keyframe(id)
	if !ok || !kf.SetNotToBeErased() {
		return fmt.Errorf("keyframe %d: %w", id, ErrKeyframeNotFound)
	}
	return nil
}

// SetToBeErased unpins a keyframe and performs an erasure that was requested
// while it was pinned. It reports whether the keyframe was erased.
func (m *Map) SetToBeErased(id KeyframeID) (bool, error) {
	kf, ok := m.Keyframe(id)
	if !ok {
		return false, fmt.Errorf("keyframe %d: %w", id, ErrKeyframeNotFound)
	}
	if !kf.unpin() {
		return false, nil
	}
	return m.EraseKeyframe(id)
}

// Connect adds a symmetric covisibility edge
func (m *Map) Connect(a, b KeyframeID, weight uint32) error {
	ka, kb, err := m.pair(a, b)
	if err != nil {
		return err
	}
	ka.Graph.AddConnection(b, weight)
	kb.Graph.AddConnection(a, weight)
	return nil
}

// Disconnect removes a symmetric covisibility edge
func (m *Map) Disconnect(a, b KeyframeID) error {
	ka, kb, err := m.pair(a, b)
	if err != nil {
		return err
	}
	ka.Graph.EraseConnection(b)
	kb.Graph.EraseConnection(a)
	return nil
}

// AddLoopEdge records a symmetric loop edge, which makes both keyframes
// permanently non-erasable. Both keyframes are pinned while the edge is
// written; one whose erasure has started is reported as not found.
func (m *Map) AddLoopEdge(a, b KeyframeID) error {
	ka, kb, err := m.pair(a, b)
	if err != nil {
		return err
	}
	if !ka.SetNotToBeErased() {
		return fmt.Errorf("keyframe %d: %w", a, ErrKeyframeNotFound)
	}
	defer m.release(a)
	if !kb.SetNotToBeErased() {
		return fmt.Errorf("keyframe %d: %w", b, ErrKeyframeNotFound)
	}
	defer m.release(b)

	ka.Graph.AddLoopEdge(b)
	kb.Graph.AddLoopEdge(a)
	LoopEdgesTotal.Inc()
	log.Printf("[LOOP] loop edge %d <-> %d", a, b)
	return nil
}

// release drops a pin taken by the map itself
func (m *Map) release(id KeyframeID) {
	if _, err := m.SetToBeErased(id); err != nil {
		log.Printf("[GRAPH] releasing keyframe %d: %v", id, err)
	}
}

func (m *Map) pair(a, b KeyframeID) (*Keyframe, *Keyframe, error) {
	ka, ok := m.Keyframe(a)
	if !ok {
		return nil, nil, fmt.Errorf("keyframe %d: %w", a, ErrKeyframeNotFound)
	}
	kb, ok := m.Keyframe(b)
	if !ok {
		return nil, nil, fmt.Errorf("keyframe %d: %w", b, ErrKeyframeNotFound)
	}
	return ka, kb, nil
}

// Snapshot returns the graph state of one keyframe
func (m *Map) Snapshot(id KeyframeID) (NodeSnapshot, error) {
	kf, ok := m.Keyframe(id)
	if !ok {
		return NodeSnapshot{}, fmt.Errorf("keyframe %d: %w", id, ErrKeyframeNotFound)
	}
	snap := kf.Graph.Snapshot()
	snap.Erasable = id != RootKeyframeID && kf.IsErasable()
	return snap, nil
}

// Stats counts keyframes, landmarks and graph edges
func (m *Map) Stats() MapStats {
	stats := MapStats{Landmarks: m.NumLandmarks()}
	for _, kf := range m.Keyframes() {
		stats.Keyframes++
		stats.Connections += kf.Graph.NumConnections()
		stats.LoopEdges += len(kf.Graph.LoopEdges())
		if _, ok := kf.Graph.SpanningParent(); ok {
			stats.SpanningEdges++
		}
	}
	stats.Connections /= 2
	stats.LoopEdges /= 2
	return stats
}

// ValidateSpanningTree checks that parent and child links agree and that every
// live keyframe with a parent reaches the root without a cycle.
func (m *Map) ValidateSpanningTree() error {
	keyframes := m.Keyframes()
	live := make(map[KeyframeID]*Keyframe, len(keyframes))
	for _, kf := range keyframes {
		live[kf.ID] = kf
	}

	for _, kf := range keyframes {
		parent, ok := kf.Graph.SpanningParent()
		if kf.ID == RootKeyframeID {
			if ok {
				return fmt.Errorf("root keyframe has parent %d", parent)
			}
			continue
		}
		if !ok {
			continue
		}
		pkf, isLive := live[parent]
		if !isLive {
			return fmt.Errorf("keyframe %d has erased parent %d", kf.ID, parent)
		}
		if !pkf.Graph.HasSpanningChild(kf.ID) {
			return fmt.Errorf("keyframe %d missing from children of parent %d", kf.ID, parent)
		}
		for _, child := range kf.Graph.SpanningChildren() {
			ckf, ok := m.Keyframe(child)
			if !ok {
				return fmt.Errorf("keyframe %d has erased child %d", kf.ID, child)
			}
			if p, ok := ckf.Graph.SpanningParent(); !ok || p != kf.ID {
				return fmt.Errorf("child %d of keyframe %d points at another parent", child, kf.ID)
			}
		}

		seen := map[KeyframeID]struct{}{kf.ID: {}}
		cur := parent
		for cur != RootKeyframeID {
			if _, dup := seen[cur]; dup {
				return fmt.Errorf("cycle through keyframe %d", cur)
			}
			seen[cur] = struct{}{}
			ckf, ok := live[cur]
			if !ok {
				return fmt.Errorf("keyframe %d: ancestor %d is not live", kf.ID, cur)
			}
			next, ok := ckf.Graph.SpanningParent()
			if !ok {
				// chain ends in a detached subtree; accepted until it reconnects
				break
			}
			cur = next
		}
	}
	return nil
}

// ConnectedComponents returns the spanning-tree components of live keyframes,
// each in ascending ID order. A healthy map has exactly one.
func (m *Map) ConnectedComponents() [][]KeyframeID {
	keyframes := m.Keyframes()
	root := make(map[KeyframeID]KeyframeID, len(keyframes))
	var find func(id KeyframeID) KeyframeID
	find = func(id KeyframeID) KeyframeID {
		for root[id] != id {
			root[id] = root[root[id]]
			id = root[id]
		}
		return id
	}
	for _, kf := range keyframes {
		root[kf.ID] = kf.ID
	}
	for _, kf := range keyframes {
		if p, ok := kf.Graph.SpanningParent(); ok {
			if _, live := root[p]; live {
				root[find(kf.ID)] = find(p)
			}
		}
	}

	groups := make(map[KeyframeID][]KeyframeID)
	for _, kf := range keyframes {
		r := find(kf.ID)
		groups[r] = append(groups[r], kf.ID)
	}
	out := make([][]KeyframeID, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// bumpCounter raises c to at least v
func bumpCounter(c *atomic.Uint64, v uint64) {
	for {
		cur := c.Load()
		if cur >= v || c.CompareAndSwap(cur, v) {
			return
		}
	}
}
