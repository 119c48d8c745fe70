package slam

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Camera projects camera-frame points onto the image
type Camera interface {
	// Name returns the model name
	Name() string
	// ReprojectToImage projects a world point seen from pose (rotCW, transCW).
	// The bool is false when the point is behind the camera or outside the image.
	ReprojectToImage(rotCW mat.Matrix, transCW, posW r3.Vec) (orb.Point, bool)
	// ImageBounds returns the valid image area
	ImageBounds() orb.Bound
}

// imageBound returns the [0,cols]x[0,rows] rectangle
func imageBound(cols, rows int) orb.Bound {
	return orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{float64(cols), float64(rows)}}
}

// Perspective is an undistorted pinhole camera
type Perspective struct {
	Cols, Rows     int
	Fx, Fy, Cx, Cy float64
}

// NewPerspective creates a pinhole camera
func NewPerspective(cols, rows int, fx, fy, cx, cy float64) *Perspective {
	return &Perspective{Cols: cols, Rows: rows, Fx: fx, Fy: fy, Cx: cx, Cy: cy}
}

func (c *Perspective) Name() string { return "perspective" }

func (c *Perspective) ImageBounds() orb.Bound { return imageBound(c.Cols, c.Rows) }

func (c *Perspective) ReprojectToImage(rotCW mat.Matrix, transCW, posW r3.Vec) (orb.Point, bool) {
	pc := TransformPoint(rotCW, transCW, posW)
	if pc.Z <= 0 {
		return orb.Point{}, false
	}
	zInv := 1 / pc.Z
	pt := orb.Point{c.Fx*pc.X*zInv + c.Cx, c.Fy*pc.Y*zInv + c.Cy}
	return pt, c.ImageBounds().Contains(pt)
}

// Fisheye is an equidistant fisheye camera with radial coefficients k1..k4
type Fisheye struct {
	Cols, Rows     int
	Fx, Fy, Cx, Cy float64
	K1, K2, K3, K4 float64
}

// NewFisheye creates an equidistant fisheye camera
func NewFisheye(cols, rows int, fx, fy, cx, cy float64, k [4]float64) *Fisheye {
	return &Fisheye{
		Cols: cols, Rows: rows,
		Fx: fx, Fy: fy, Cx: cx, Cy: cy,
		K1: k[0], K2: k[1], K3: k[2], K4: k[3],
	}
}

func (c *Fisheye) Name() string { return "fisheye" }

func (c *Fisheye) ImageBounds() orb.Bound { return imageBound(c.Cols, c.Rows) }

func (c *Fisheye) ReprojectToImage(rotCW mat.Matrix, transCW, posW r3.Vec) (orb.Point, bool) {
	pc := TransformPoint(rotCW, transCW, posW)
	if pc.Z <= 0 {
		return orb.Point{}, false
	}
	x := pc.X / pc.Z
	y := pc.Y / pc.Z
	r := math.Hypot(x, y)

	theta := math.Atan(r)
	theta2 := theta * theta
	theta4 := theta2 * theta2
	thetaD := theta * (1 + c.K1*theta2 + c.K2*theta4 + c.K3*theta4*theta2 + c.K4*theta4*theta4)

	scale := 1.0
	if r > 0 {
		scale = thetaD / r
	}
	pt := orb.Point{c.Fx*x*scale + c.Cx, c.Fy*y*scale + c.Cy}
	return pt, c.ImageBounds().Contains(pt)
}

// Equirectangular maps bearings to longitude/latitude on a 360 degree image
type Equirectangular struct {
	Cols, Rows int
}

// NewEquirectangular creates an equirectangular camera
func NewEquirectangular(cols, rows int) *Equirectangular {
	return &Equirectangular{Cols: cols, Rows: rows}
}

func (c *Equirectangular) Name() string { return "equirectangular" }

func (c *Equirectangular) ImageBounds() orb.Bound { return imageBound(c.Cols, c.Rows) }

// ReprojectToImage is valid for every point except the camera center
func (c *Equirectangular) ReprojectToImage(rotCW mat.Matrix, transCW, posW r3.Vec) (orb.Point, bool) {
	pc := TransformPoint(rotCW, transCW, posW)
	if r3.Norm(pc) == 0 {
		return orb.Point{}, false
	}
	return c.BearingToKeypoint(r3.Unit(pc)), true
}

// KeypointToBearing converts an image point to a unit bearing vector
func (c *Equirectangular) KeypointToBearing(pt orb.Point) r3.Vec {
	lon := (pt.X()/float64(c.Cols) - 0.5) * (2 * math.Pi)
	lat := -(pt.Y()/float64(c.Rows) - 0.5) * math.Pi
	return r3.Vec{
		X: math.Cos(lat) * math.Sin(lon),
		Y: -math.Sin(lat),
		Z: math.Cos(lat) * math.Cos(lon),
	}
}

// BearingToKeypoint converts a unit bearing vector to an image point
func (c *Equirectangular) BearingToKeypoint(b r3.Vec) orb.Point {
	lat := -math.Asin(math.Max(-1, math.Min(1, b.Y)))
	lon := math.Atan2(b.X, b.Z)
	return orb.Point{
		float64(c.Cols) * (0.5 + lon/(2*math.Pi)),
		float64(c.Rows) * (0.5 - lat/math.Pi),
	}
}

// NewCamera builds a camera from configuration
func NewCamera(cfg CameraConfig) (Camera, error) {
	switch cfg.Model {
	case "perspective", "":
		return NewPerspective(cfg.Cols, cfg.Rows, cfg.Fx, cfg.Fy, cfg.Cx, cfg.Cy), nil
	case "fisheye":
		var k [4]float64
		copy(k[:], cfg.Distortion)
		return NewFisheye(cfg.Cols, cfg.Rows, cfg.Fx, cfg.Fy, cfg.Cx, cfg.Cy, k), nil
	case "equirectangular":
		return NewEquirectangular(cfg.Cols, cfg.Rows), nil
	default:
		return nil, fmt.Errorf("unknown camera model %q", cfg.Model)
	}
}
