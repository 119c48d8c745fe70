package slam

import "math"

// ScalePyramid holds per-level scale factors and feature uncertainties
type ScalePyramid struct {
	ScaleFactors    []float64
	InvScaleFactors []float64
	LevelSigmaSq    []float64
	InvLevelSigmaSq []float64
}

// NewScalePyramid computes a pyramid with levels levels, each scaleFactor times
// coarser than the previous. Level 0 has sigma^2 = 1.
func NewScalePyramid(levels int, scaleFactor float64) ScalePyramid {
	if levels < 1 {
		levels = 1
	}
	p := ScalePyramid{
		ScaleFactors:    make([]float64, levels),
		InvScaleFactors: make([]float64, levels),
		LevelSigmaSq:    make([]float64, levels),
		InvLevelSigmaSq: make([]float64, levels),
	}
	for i := 0; i < levels; i++ {
		s := math.Pow(scaleFactor, float64(i))
		p.ScaleFactors[i] = s
		p.InvScaleFactors[i] = 1 / s
		p.LevelSigmaSq[i] = s * s
		p.InvLevelSigmaSq[i] = 1 / (s * s)
	}
	return p
}

// Levels returns the number of levels
func (p ScalePyramid) Levels() int {
	return len(p.ScaleFactors)
}
