package slam

import (
	"math"
	"math/rand"
	"time"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// degenerateEps bounds squared norms and cross products of rejected samples
const degenerateEps = 1e-10

// Sim3Result is the outcome of a RANSAC run. On failure Valid is false,
// rotations are identity, translations zero and scales zero.
type Sim3Result struct {
	Valid bool

	Rot21   *mat.Dense // kf1 camera -> kf2 camera
	Trans21 r3.Vec
	Scale21 float64

	Rot12   *mat.Dense // kf2 camera -> kf1 camera
	Trans12 r3.Vec
	Scale12 float64

	// Inliers is parallel to the common points; NumInliers counts true entries
	Inliers    []bool
	NumInliers int

	// FeatureIndices1/2 are the keyframe feature indices of each common point
	FeatureIndices1 []int
	FeatureIndices2 []int
}

// Sim3Solver estimates the similarity transform between two keyframes from
// landmark matches. A solver is used by a single goroutine.
type Sim3Solver struct {
	kf1, kf2   *Keyframe
	fixScale   bool
	minInliers int
	rng        *rand.Rand

	// common points in their own camera frames
	pts1, pts2 []r3.Vec
	idx1, idx2 []int

	// per point squared-error tolerances
	chiSq1, chiSq2 []float64

	// reprojections of the common points with the identity pose
	base1, base2 []orb.Point

	identity *mat.Dense
}

// NewSim3Solver prepares a solver for kf1 and kf2. matched is indexed by kf1
// feature index and holds the kf2 landmark matched to that feature (nil when
// unmatched). A nil rng is seeded from the clock.
func NewSim3Solver(kf1, kf2 *Keyframe, matched []*Landmark, cfg SolverConfig, rng *rand.Rand) *Sim3Solver {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Sim3Solver{
		kf1:        kf1,
		kf2:        kf2,
		fixScale:   cfg.FixScale,
		minInliers: cfg.MinInliers,
		rng:        rng,
		identity:   Identity3(),
	}

	rot1, trans1 := kf1.Rotation(), kf1.Translation()
	rot2, trans2 := kf2.Rotation(), kf2.Translation()
	var zero r3.Vec

	for i1, lm2 := range matched {
		if lm2 == nil || lm2.WillBeErased() {
			continue
		}
		lm1 := kf1.LandmarkAt(i1)
		if lm1 == nil || lm1.WillBeErased() {
			continue
		}
		i2 := lm2.IndexInKeyframe(kf2.ID)
		if i2 < 0 || i2 >= kf2.NumFeatures() || i1 >= kf1.NumFeatures() {
			continue
		}

		p1 := TransformPoint(rot1, trans1, lm1.PosInWorld())
		p2 := TransformPoint(rot2, trans2, lm2.PosInWorld())

		b1, ok1 := kf1.Camera.ReprojectToImage(s.identity, zero, p1)
		b2, ok2 := kf2.Camera.ReprojectToImage(s.identity, zero, p2)
		if !ok1 || !ok2 {
			continue
		}

		s.pts1 = append(s.pts1, p1)
		s.pts2 = append(s.pts2, p2)
		s.idx1 = append(s.idx1, i1)
		s.idx2 = append(s.idx2, i2)
		s.chiSq1 = append(s.chiSq1, chiSq2D*kf1.LevelSigmaSqAt(kf1.Keypoints[i1].Octave))
		s.chiSq2 = append(s.chiSq2, chiSq2D*kf2.LevelSigmaSqAt(kf2.Keypoints[i2].Octave))
		s.base1 = append(s.base1, b1)
		s.base2 = append(s.base2, b2)
	}
	return s
}

// NumCommonPoints returns how many matches survived filtering
func (s *Sim3Solver) NumCommonPoints() int {
	return len(s.pts1)
}

// FindViaRANSAC runs up to maxIterations hypotheses and returns the one with
// the most inliers. The result is valid only when that count reaches the
// configured minimum.
func (s *Sim3Solver) FindViaRANSAC(maxIterations int) Sim3Result {
	n := len(s.pts1)
	result := s.failure()
	if n < 3 || n < s.minInliers {
		return result
	}

	bestCount := 0
	found := false
	for iter := 0; iter < maxIterations; iter++ {
		a, b, c := s.sample3(n)
		rot21, trans21, scale21, ok := s.computeSim3(
			[3]r3.Vec{s.pts1[a], s.pts1[b], s.pts1[c]},
			[3]r3.Vec{s.pts2[a], s.pts2[b], s.pts2[c]},
		)
		if !ok {
			continue
		}

		rot12 := Transpose3(rot21)
		scale12 := 1 / scale21
		trans12 := r3.Scale(-scale12, Rotate(rot12, trans21))

		inliers, count := s.countInliers(rot21, trans21, scale21, rot12, trans12, scale12)
		if !found || count > bestCount {
			found = true
			bestCount = count
			result.Rot21, result.Trans21, result.Scale21 = rot21, trans21, scale21
			result.Rot12, result.Trans12, result.Scale12 = rot12, trans12, scale12
			result.Inliers = inliers
			result.NumInliers = count
		}
	}

	if !found || bestCount < s.minInliers {
		return s.failure()
	}
	result.Valid = true
	return result
}

func (s *Sim3Solver) failure() Sim3Result {
	return Sim3Result{
		Rot21:           Identity3(),
		Rot12:           Identity3(),
		Inliers:         make([]bool, len(s.pts1)),
		FeatureIndices1: append([]int{}, s.idx1...),
		FeatureIndices2: append([]int{}, s.idx2...),
	}
}

// sample3 draws three distinct indices below n
func (s *Sim3Solver) sample3(n int) (int, int, int) {
	a := s.rng.Intn(n)
	b := s.rng.Intn(n)
	for b == a {
		b = s.rng.Intn(n)
	}
	c := s.rng.Intn(n)
	for c == a || c == b {
		c = s.rng.Intn(n)
	}
	return a, b, c
}

// computeSim3 solves Horn's closed form for the similarity taking pts1 onto
// pts2. It returns false for degenerate samples.
func (s *Sim3Solver) computeSim3(pts1, pts2 [3]r3.Vec) (*mat.Dense, r3.Vec, float64, bool) {
	if collinear(pts1) || collinear(pts2) {
		return nil, r3.Vec{}, 0, false
	}

	c1 := Centroid(pts1[:])
	c2 := Centroid(pts2[:])
	var p1c, p2c [3]r3.Vec
	for i := range pts1 {
		p1c[i] = r3.Sub(pts1[i], c1)
		p2c[i] = r3.Sub(pts2[i], c2)
	}

	// M = P1c * P2c^T
	var sxx, sxy, sxz, syx, syy, syz, szx, szy, szz float64
	for i := range p1c {
		a, b := p1c[i], p2c[i]
		sxx += a.X * b.X
		sxy += a.X * b.Y
		sxz += a.X * b.Z
		syx += a.Y * b.X
		syy += a.Y * b.Y
		syz += a.Y * b.Z
		szx += a.Z * b.X
		szy += a.Z * b.Y
		szz += a.Z * b.Z
	}

	n := mat.NewSymDense(4, []float64{
		sxx + syy + szz, syz - szy, szx - sxz, sxy - syx,
		syz - szy, sxx - syy - szz, sxy + syx, szx + sxz,
		szx - sxz, sxy + syx, -sxx + syy - szz, syz + szy,
		sxy - syx, szx + sxz, syz + szy, -sxx - syy + szz,
	})

	var es mat.EigenSym
	if !es.Factorize(n, true) {
		return nil, r3.Vec{}, 0, false
	}
	values := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)

	// values are ascending
	maxIdx := len(values) - 1
	q := quat.Number{
		Real: vecs.At(0, maxIdx),
		Imag: vecs.At(1, maxIdx),
		Jmag: vecs.At(2, maxIdx),
		Kmag: vecs.At(3, maxIdx),
	}
	if quat.Abs(q) < degenerateEps {
		return nil, r3.Vec{}, 0, false
	}
	rot21 := RotationFromQuaternion(q)

	scale21 := 1.0
	if !s.fixScale {
		var numer, denom float64
		for i := range p1c {
			numer += r3.Dot(p2c[i], Rotate(rot21, p1c[i]))
			denom += r3.Norm2(p1c[i])
		}
		if denom < degenerateEps {
			return nil, r3.Vec{}, 0, false
		}
		scale21 = numer / denom
		if math.IsNaN(scale21) || math.IsInf(scale21, 0) || scale21 <= degenerateEps {
			return nil, r3.Vec{}, 0, false
		}
	}

	trans21 := r3.Sub(c2, r3.Scale(scale21, Rotate(rot21, c1)))
	if !isFiniteVec(trans21) {
		return nil, r3.Vec{}, 0, false
	}
	return rot21, trans21, scale21, true
}

// collinear reports whether three points are (nearly) on one line
func collinear(pts [3]r3.Vec) bool {
	cross := r3.Cross(r3.Sub(pts[1], pts[0]), r3.Sub(pts[2], pts[0]))
	return r3.Norm2(cross) < degenerateEps
}

// countInliers scores a hypothesis in both directions. A point is an inlier
// when it reprojects within tolerance into both cameras.
func (s *Sim3Solver) countInliers(rot21 *mat.Dense, trans21 r3.Vec, scale21 float64,
	rot12 *mat.Dense, trans12 r3.Vec, scale12 float64) ([]bool, int) {

	sRot21 := ScaledRotation(scale21, rot21)
	sRot12 := ScaledRotation(scale12, rot12)
	var zero r3.Vec

	inliers := make([]bool, len(s.pts1))
	count := 0
	for i := range s.pts1 {
		p1in2 := TransformPoint(sRot21, trans21, s.pts1[i])
		p2in1 := TransformPoint(sRot12, trans12, s.pts2[i])

		r1in2, ok := s.kf2.Camera.ReprojectToImage(s.identity, zero, p1in2)
		if !ok {
			continue
		}
		r2in1, ok := s.kf1.Camera.ReprojectToImage(s.identity, zero, p2in1)
		if !ok {
			continue
		}

		if sqDist(r1in2, s.base2[i]) < s.chiSq2[i] && sqDist(r2in1, s.base1[i]) < s.chiSq1[i] {
			inliers[i] = true
			count++
		}
	}
	return inliers, count
}

func sqDist(a, b orb.Point) float64 {
	dx := a.X() - b.X()
	dy := a.Y() - b.Y()
	return dx*dx + dy*dy
}
